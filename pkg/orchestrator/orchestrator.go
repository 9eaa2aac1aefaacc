// Package orchestrator runs the gates a policy enables for a lifecycle stage,
// adjudicates every result and seals it into the audit trail.
package orchestrator

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/mlgate/pkg/audit"
	"github.com/Mindburn-Labs/mlgate/pkg/enforcement"
	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/observability"
	"github.com/Mindburn-Labs/mlgate/pkg/policy"
	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
	"github.com/Mindburn-Labs/mlgate/pkg/stream"
)

const DefaultMaxWorkers = 4

var (
	ErrSignerRequired = errors.New("orchestrator: policy requires cryptographic receipts but no signer is configured")
	ErrNilContext     = errors.New("orchestrator: operation context is nil")
	ErrStageMismatch  = errors.New("orchestrator: operation context is for a different stage")
	ErrNilGate        = errors.New("orchestrator: gate is nil")
)

// Orchestrator owns the gate registry. It is safe for concurrent use;
// stage runs proceed while gates are registered or policies reloaded.
type Orchestrator struct {
	mu    sync.RWMutex
	gates map[string]gate.Gate

	policies  *policy.Manager
	gen       *receipts.Generator
	trail     *audit.Trail
	enforcer  *enforcement.Enforcer
	publisher stream.Publisher

	gateTimeout time.Duration
	maxWorkers  int
	clock       func() time.Time
	logger      *slog.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	instruments *observability.GateInstruments
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithEnforcer(e *enforcement.Enforcer) Option {
	return func(o *Orchestrator) { o.enforcer = e }
}

// WithGateTimeout bounds each evaluation. A gate that overruns yields a
// FAIL result; its goroutine is left to finish on its own. Zero disables.
func WithGateTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.gateTimeout = d }
}

func WithMaxWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxWorkers = n
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

func WithPublisher(p stream.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithMeter(m metric.Meter) Option {
	return func(o *Orchestrator) { o.meter = m }
}

func New(policies *policy.Manager, gen *receipts.Generator, trail *audit.Trail, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gates:      make(map[string]gate.Gate),
		policies:   policies,
		gen:        gen,
		trail:      trail,
		publisher:  stream.NopPublisher{},
		maxWorkers: DefaultMaxWorkers,
		clock:      time.Now,
		logger:     slog.Default().With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.enforcer == nil {
		o.enforcer = enforcement.NewEnforcer(nil, nil).WithLogger(o.logger)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(observability.InstrumentationName)
	}
	if o.meter == nil {
		o.meter = otel.Meter(observability.InstrumentationName)
	}
	in, err := observability.NewGateInstruments(o.meter)
	if err != nil {
		o.logger.Warn("metrics disabled", "error", err)
	} else {
		o.instruments = in
	}
	return o
}

func (o *Orchestrator) Enforcer() *enforcement.Enforcer { return o.enforcer }

// RegisterGate adds g; a later registration under the same name replaces it.
func (o *Orchestrator) RegisterGate(g gate.Gate) error {
	if g == nil {
		return ErrNilGate
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.gates[g.Name()]; ok {
		o.logger.Info("gate replaced", "gate", g.Name(), "version", g.Version())
	}
	o.gates[g.Name()] = g
	return nil
}

func (o *Orchestrator) UnregisterGate(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.gates[name]
	delete(o.gates, name)
	return ok
}

// Gates returns the registered gate names, sorted.
func (o *Orchestrator) Gates() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.gates))
	for n := range o.gates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (o *Orchestrator) lookup(name string) (gate.Gate, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	g, ok := o.gates[name]
	return g, ok
}
