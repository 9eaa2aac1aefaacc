// Package wasmgate runs gate logic shipped as a WASI module.
//
// The module reads one JSON document on stdin describing the operation and
// writes one JSON document on stdout:
//
//	{"status": "PASS|WARN|FAIL|REVIEW", "metrics": {...},
//	 "recommendations": [...], "required_actions": [...],
//	 "review_priority": "...", "evidence_refs": [...]}
//
// Modules get no filesystem, network, environment, clock or randomness.
// Memory is capped and every run is bounded by a deadline.
package wasmgate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Mindburn-Labs/mlgate/pkg/canonicalize"
	"github.com/Mindburn-Labs/mlgate/pkg/gate"
)

const (
	DefaultMemoryLimitBytes = 64 << 20
	DefaultTimeout          = 5 * time.Second
	// OutputMaxBytes caps what a module may write to stdout.
	OutputMaxBytes = 1 << 20

	wasmPageSize = 64 << 10
)

var (
	ErrTimeout        = errors.New("wasmgate: module exceeded its time limit")
	ErrOutputTooLarge = errors.New("wasmgate: module output too large")
	ErrBadOutput      = errors.New("wasmgate: module produced an invalid result")
)

type Config struct {
	MemoryLimitBytes uint64
	Timeout          time.Duration
}

// Input is the document written to the module's stdin.
type Input struct {
	Gate                 string             `json:"gate"`
	Stage                gate.Stage         `json:"stage"`
	OperationID          string             `json:"operation_id"`
	ModelID              string             `json:"model_id,omitempty"`
	DatasetID            string             `json:"dataset_id,omitempty"`
	Metrics              map[string]float64 `json:"metrics"`
	Data                 map[string]any     `json:"data"`
	SensitiveAttributes  []string           `json:"sensitive_attributes,omitempty"`
	RegulatoryFrameworks []string           `json:"regulatory_frameworks,omitempty"`
	Custom               map[string]any     `json:"custom"`
	Thresholds           map[string]float64 `json:"thresholds"`
	Parameters           map[string]any     `json:"parameters"`
	Previous             map[string]string  `json:"previous"`
}

// Output is the document a module writes to stdout.
type Output struct {
	Status          gate.Status    `json:"status"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	RequiredActions []string       `json:"required_actions,omitempty"`
	ReviewPriority  string         `json:"review_priority,omitempty"`
	EvidenceRefs    []string       `json:"evidence_refs,omitempty"`
}

// Gate evaluates a compiled WASI module.
type Gate struct {
	gate.Info

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	digest   string
	timeout  time.Duration

	mu     sync.RWMutex
	params gate.Params
}

var _ gate.Configurable = (*Gate)(nil)

// New compiles wasm once; each evaluation instantiates a fresh module.
func New(ctx context.Context, info gate.Info, wasm []byte, cfg Config) (*Gate, error) {
	if cfg.MemoryLimitBytes == 0 {
		cfg.MemoryLimitBytes = DefaultMemoryLimitBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	pages := uint32(cfg.MemoryLimitBytes / wasmPageSize)
	if pages == 0 {
		pages = 1
	}
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasmgate: instantiate wasi: %w", err)
	}
	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasmgate: compile %s: %w", info.GateName, err)
	}
	if len(info.Stages) == 0 {
		info.Stages = gate.AllStages()
	}
	return &Gate{
		Info:     info,
		runtime:  r,
		compiled: compiled,
		digest:   "sha256:" + canonicalize.HashBytes(wasm),
		timeout:  cfg.Timeout,
	}, nil
}

// ModuleDigest identifies the module bytes; it is attached to every result
// as an evidence reference.
func (g *Gate) ModuleDigest() string { return g.digest }

func (g *Gate) Configure(params gate.Params) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.params = params
	return nil
}

func (g *Gate) ValidateContext(op *gate.OperationContext) bool {
	return op != nil && op.HasArtifacts(g.RequiredArtifacts()...)
}

func (g *Gate) input(op *gate.OperationContext) Input {
	g.mu.RLock()
	params := g.params
	g.mu.RUnlock()

	previous := make(map[string]string, len(op.PreviousResults))
	for name, r := range op.PreviousResults {
		if r != nil {
			previous[name] = string(r.Status)
		}
	}
	in := Input{
		Gate:                 g.Name(),
		Stage:                op.Stage,
		OperationID:          op.OperationID,
		ModelID:              op.ModelID,
		DatasetID:            op.DatasetID,
		Metrics:              op.PerformanceMetrics,
		Data:                 op.DataCharacteristics,
		SensitiveAttributes:  op.SensitiveAttributes,
		RegulatoryFrameworks: op.RegulatoryFrameworks,
		Custom:               op.Custom,
		Thresholds:           params.Thresholds,
		Parameters:           params.Custom,
		Previous:             previous,
	}
	if in.Metrics == nil {
		in.Metrics = map[string]float64{}
	}
	if in.Data == nil {
		in.Data = map[string]any{}
	}
	if in.Custom == nil {
		in.Custom = map[string]any{}
	}
	if in.Thresholds == nil {
		in.Thresholds = map[string]float64{}
	}
	if in.Parameters == nil {
		in.Parameters = map[string]any{}
	}
	return in
}

func (g *Gate) Evaluate(ctx context.Context, op *gate.OperationContext) (*gate.Result, error) {
	if op == nil {
		return nil, errors.New("wasmgate: nil operation context")
	}
	in := g.input(op)
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("wasmgate: encode input: %w", err)
	}

	stdout, err := g.run(ctx, payload)
	if err != nil {
		return nil, err
	}

	var out Output
	dec := json.NewDecoder(bytes.NewReader(stdout))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOutput, err)
	}
	if !out.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrBadOutput, out.Status)
	}

	res := gate.NewResult(g.Name(), out.Status)
	for k, v := range out.Metrics {
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				res.Metrics[k] = f
				continue
			}
		}
		res.Metrics[k] = v
	}
	res.AppliedThresholds = in.Thresholds
	res.Recommendations = out.Recommendations
	res.RequiredActions = out.RequiredActions
	res.ReviewPriority = out.ReviewPriority
	res.EvidenceRefs = append([]string{g.digest}, out.EvidenceRefs...)
	res.EscalationRequired = out.Status == gate.StatusReview
	return res, nil
}

type limitedBuffer struct {
	buf      bytes.Buffer
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len()+len(p) > OutputMaxBytes {
		b.overflow = true
		return 0, ErrOutputTooLarge
	}
	return b.buf.Write(p)
}

func (g *Gate) run(ctx context.Context, stdin []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var stdout limitedBuffer
	// Anonymous instances so concurrent evaluations do not collide on name.
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(io.Discard).
		WithStartFunctions("_start")

	mod, err := g.runtime.InstantiateModule(ctx, g.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w (%s)", ErrTimeout, g.timeout)
		case errors.As(err, &exitErr):
			return nil, fmt.Errorf("wasmgate: %s exited with code %d", g.Name(), exitErr.ExitCode())
		default:
			return nil, fmt.Errorf("wasmgate: run %s: %w", g.Name(), err)
		}
	}
	if stdout.overflow {
		return nil, ErrOutputTooLarge
	}
	return stdout.buf.Bytes(), nil
}

// Close releases the runtime and the compiled module.
func (g *Gate) Close(ctx context.Context) error {
	return g.runtime.Close(ctx)
}
