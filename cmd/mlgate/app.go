package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/mlgate/pkg/audit"
	"github.com/Mindburn-Labs/mlgate/pkg/config"
	"github.com/Mindburn-Labs/mlgate/pkg/crypto"
	"github.com/Mindburn-Labs/mlgate/pkg/enforcement"
	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/gates/celgate"
	"github.com/Mindburn-Labs/mlgate/pkg/gates/wasmgate"
	"github.com/Mindburn-Labs/mlgate/pkg/observability"
	"github.com/Mindburn-Labs/mlgate/pkg/orchestrator"
	"github.com/Mindburn-Labs/mlgate/pkg/policy"
	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
	"github.com/Mindburn-Labs/mlgate/pkg/store"
	"github.com/Mindburn-Labs/mlgate/pkg/stream"
)

// ParamWasmModule names the custom parameter pointing a gate at a WASI
// module, relative to the policy file.
const ParamWasmModule = "wasm_module"

// app holds the subsystems one CLI invocation needs.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	policies  *policy.Manager
	gen       *receipts.Generator
	trail     *audit.Trail
	publisher stream.Publisher
	obs       *observability.Provider
	closers   []func() error
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, _ := config.ParseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// newApp loads configuration and opens the trail, replaying the store when
// one is configured.
func newApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		policies:  policy.NewManager().WithLogger(logger.With("component", "policy")),
		publisher: stream.NopPublisher{},
	}

	var signer crypto.Signer
	if cfg.SigningKey != "" {
		s, err := crypto.NewDerivedSigner([]byte(cfg.SigningKey), cfg.SigningKeyID)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		signer = s
	}
	a.gen = receipts.NewGenerator(signer).WithLogger(logger.With("component", "receipts"))
	a.trail = audit.NewTrail(a.gen).WithLogger(logger.With("component", "audit"))

	if cfg.StoreDriver != "" {
		dialect, err := store.ParseDialect(cfg.StoreDriver)
		if err != nil {
			return nil, err
		}
		st, err := store.Open(ctx, dialect, cfg.StoreDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		a.trail.WithBackend(st)
		if err := a.trail.Load(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	if cfg.RedisURL != "" {
		pub, client, err := stream.NewRedisPublisherFromURL(cfg.RedisURL)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.publisher = pub.WithStreams(cfg.ReceiptStream, cfg.ReviewStream).WithLogger(logger.With("component", "stream"))
		a.closers = append(a.closers, client.Close)
	}

	obs, err := observability.New(ctx, cfg.Observability())
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.obs = obs
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return obs.Shutdown(sctx)
	})
	return a, nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// loadPolicy registers the policy at path, falling back to the configured
// policy path.
func (a *app) loadPolicy(path string) (*policy.GatePolicy, string, error) {
	if path == "" {
		path = a.cfg.PolicyPath
	}
	if path == "" {
		return nil, "", errors.New("no policy given (use --policy or MLGATE_POLICY)")
	}
	p, err := policy.LoadFile(path)
	if err != nil {
		return nil, "", err
	}
	if err := a.policies.Register(p); err != nil {
		return nil, "", err
	}
	active, err := a.policies.Active()
	if err != nil {
		return nil, "", err
	}
	return active, path, nil
}

func (a *app) enforcer() *enforcement.Enforcer {
	var notifier enforcement.Notifier = enforcement.NewLogNotifier(a.logger.With("component", "notify"))
	if a.cfg.NotifyRatePerSecond > 0 {
		notifier = enforcement.NewRateLimitedNotifier(notifier, rate.Limit(a.cfg.NotifyRatePerSecond), a.cfg.NotifyBurst)
	}
	return enforcement.NewEnforcer(nil, notifier).WithLogger(a.logger.With("component", "enforcer"))
}

func (a *app) orchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(a.policies, a.gen, a.trail,
		orchestrator.WithLogger(a.logger.With("component", "orchestrator")),
		orchestrator.WithEnforcer(a.enforcer()),
		orchestrator.WithGateTimeout(a.cfg.GateTimeout),
		orchestrator.WithMaxWorkers(a.cfg.MaxWorkers),
		orchestrator.WithPublisher(a.publisher),
		orchestrator.WithTracer(a.obs.Tracer()),
		orchestrator.WithMeter(a.obs.Meter()),
	)
}

// registerPolicyGates builds the built-in gates a policy describes: a gate
// whose custom parameters name a wasm_module runs that module, one with CEL
// rules becomes a CEL gate. Anything else must be registered in code.
func (a *app) registerPolicyGates(ctx context.Context, o *orchestrator.Orchestrator, p *policy.GatePolicy, policyPath string) error {
	type binding struct {
		stages []gate.Stage
		params map[string]any
	}
	bindings := make(map[string]*binding)
	var names []string
	for _, stage := range gate.AllStages() {
		sp, ok := p.Stages[stage]
		if !ok || sp == nil {
			continue
		}
		for name, cfg := range sp.Gates {
			if cfg == nil {
				continue
			}
			s, ok := bindings[name]
			if !ok {
				s = &binding{params: cfg.CustomParameters}
				bindings[name] = s
				names = append(names, name)
			}
			s.stages = append(s.stages, stage)
		}
	}
	slices.Sort(names)

	baseDir := filepath.Dir(policyPath)
	for _, name := range names {
		s := bindings[name]
		if module, ok := s.params[ParamWasmModule].(string); ok && module != "" {
			if !filepath.IsAbs(module) {
				module = filepath.Join(baseDir, module)
			}
			wasm, err := os.ReadFile(module) //nolint:gosec // policy-supplied path
			if err != nil {
				return fmt.Errorf("gate %s: %w", name, err)
			}
			g, err := wasmgate.New(ctx, gate.Info{
				GateName:        name,
				GateDescription: "WASI module " + filepath.Base(module),
				GateVersion:     "1.0.0",
				Stages:          s.stages,
			}, wasm, wasmgate.Config{Timeout: a.cfg.GateTimeout})
			if err != nil {
				return fmt.Errorf("gate %s: %w", name, err)
			}
			a.closers = append(a.closers, func() error { return g.Close(context.Background()) })
			if err := o.RegisterGate(g); err != nil {
				return err
			}
			continue
		}
		if hasCELRules(s.params) {
			g, err := celgate.New(name, "CEL rules from policy", s.stages...)
			if err != nil {
				return fmt.Errorf("gate %s: %w", name, err)
			}
			if err := o.RegisterGate(g); err != nil {
				return err
			}
			continue
		}
		a.logger.Debug("gate has no built-in implementation", "gate", name)
	}
	return nil
}

func hasCELRules(params map[string]any) bool {
	for _, k := range []string{celgate.ParamFailWhen, celgate.ParamWarnWhen, celgate.ParamReviewWhen} {
		if _, ok := params[k]; ok {
			return true
		}
	}
	return false
}
