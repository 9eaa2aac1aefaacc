package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/mlgate/pkg/enforcement"
	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/observability"
	"github.com/Mindburn-Labs/mlgate/pkg/policy"
	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
)

// Skip reasons recorded on StageReport.Skipped.
const (
	SkipNotConfigured = "not_configured"
	SkipDisabled      = "disabled"
	SkipNotRegistered = "not_registered"
	SkipUnsupported   = "stage_unsupported"
	SkipFailFast      = "fail_fast"
	SkipCanceled      = "canceled"
)

type Skipped struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// StageReport is everything one RunStageGates call produced. Results,
// Outcomes and Receipts are index-aligned; a receipt is nil only when
// sealing that result failed.
type StageReport struct {
	Stage         gate.Stage              `json:"stage"`
	OperationID   string                  `json:"operation_id"`
	PolicyID      string                  `json:"policy_id"`
	PolicyVersion string                  `json:"policy_version"`
	Level         policy.EnforcementLevel `json:"enforcement_level"`
	Parallel      bool                    `json:"parallel"`

	Results  []*gate.Result          `json:"results"`
	Outcomes []enforcement.Outcome   `json:"outcomes"`
	Receipts []*receipts.GateReceipt `json:"receipts"`
	Skipped  []Skipped               `json:"skipped,omitempty"`
	Batch    *receipts.Batch         `json:"batch,omitempty"`

	Halted  bool `json:"halted"`
	Proceed bool `json:"proceed"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Denied returns the results whose outcome was deny.
func (r *StageReport) Denied() []*gate.Result {
	var out []*gate.Result
	for i, o := range r.Outcomes {
		if !o.Proceed() {
			out = append(out, r.Results[i])
		}
	}
	return out
}

// Result returns the result produced by the named gate.
func (r *StageReport) Result(name string) (*gate.Result, bool) {
	for _, res := range r.Results {
		if res.GateName == name {
			return res, true
		}
	}
	return nil, false
}

type selected struct {
	gate gate.Gate
	cfg  *policy.GateConfiguration
}

// stageRun carries one invocation's state.
type stageRun struct {
	o      *Orchestrator
	stage  gate.Stage
	pol    *policy.GatePolicy
	sp     *policy.StagePolicy
	level  policy.EnforcementLevel
	op     *gate.OperationContext
	halted atomic.Bool

	mu     sync.Mutex
	report *StageReport
	errs   []error
}

// RunStageGates evaluates every gate the active policy enables for stage
// against op. Gate failures never surface as errors: they become FAIL
// results. An error is returned when the stage cannot run at all, or when
// the run could not be fully recorded, in which case the report is still
// returned with Proceed false.
func (o *Orchestrator) RunStageGates(ctx context.Context, stage gate.Stage, op *gate.OperationContext) (*StageReport, error) {
	if op == nil {
		return nil, ErrNilContext
	}
	if op.Stage != "" && op.Stage != stage {
		return nil, fmt.Errorf("%w: %s, run for %s", ErrStageMismatch, op.Stage, stage)
	}
	pol, sp, err := o.policies.StagePolicy(stage)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if pol.RequireCryptographicReceipts && !o.gen.HasSigner() {
		return nil, ErrSignerRequired
	}

	ctx, span := o.tracer.Start(ctx, "mlgate.RunStageGates", trace.WithAttributes(
		observability.AttrStage.String(string(stage)),
		observability.AttrPolicyVersion.String(pol.Version),
		attribute.String("mlgate.operation.id", op.OperationID),
	))
	defer span.End()

	run := &stageRun{
		o:     o,
		stage: stage,
		pol:   pol,
		sp:    sp,
		level: pol.LevelFor(stage),
		op:    op,
		report: &StageReport{
			Stage:         stage,
			OperationID:   op.OperationID,
			PolicyID:      pol.PolicyID,
			PolicyVersion: pol.Version,
			Level:         pol.LevelFor(stage),
			Parallel:      sp.ParallelExecution,
			StartedAt:     o.clock().UTC(),
		},
	}

	gates := run.selectGates()
	if len(gates) == 0 {
		o.logger.Warn("no runnable gates for stage", "stage", stage, "policy_version", pol.Version)
	}
	if sp.ParallelExecution && len(gates) > 1 {
		run.parallel(ctx, gates)
	} else {
		run.sequential(ctx, gates)
	}
	if ctx.Err() != nil {
		run.fail(fmt.Errorf("orchestrator: run interrupted: %w", ctx.Err()))
	}
	if sp.AuditRequirements[policy.AuditSealBatchPerRun] {
		run.sealBatch(ctx)
	}

	rep := run.report
	rep.Halted = run.halted.Load()
	rep.Proceed = len(run.errs) == 0
	for _, oc := range rep.Outcomes {
		if !oc.Proceed() {
			rep.Proceed = false
		}
	}
	rep.CompletedAt = o.clock().UTC()

	span.SetAttributes(attribute.Bool("mlgate.proceed", rep.Proceed), attribute.Int("mlgate.results", len(rep.Results)))
	err = errors.Join(run.errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage run not fully recorded")
	}
	o.logger.Info("stage run complete",
		"stage", stage,
		"operation_id", op.OperationID,
		"policy_version", pol.Version,
		"results", len(rep.Results),
		"skipped", len(rep.Skipped),
		"halted", rep.Halted,
		"proceed", rep.Proceed,
	)
	return rep, err
}

// selectGates filters the enabled list in declaration order.
func (r *stageRun) selectGates() []selected {
	var out []selected
	for _, name := range r.sp.EnabledGates {
		cfg, ok := r.sp.Gate(name)
		if !ok {
			r.skip(name, SkipNotConfigured)
			continue
		}
		if !cfg.Enabled {
			r.skip(name, SkipDisabled)
			continue
		}
		g, ok := r.o.lookup(name)
		if !ok {
			r.skip(name, SkipNotRegistered)
			continue
		}
		if !gate.Supports(g, r.stage) {
			r.skip(name, SkipUnsupported)
			continue
		}
		out = append(out, selected{gate: g, cfg: cfg})
	}
	return out
}

func (r *stageRun) skip(name, reason string) {
	r.o.logger.Warn("gate skipped", "stage", r.stage, "gate", name, "reason", reason)
	r.mu.Lock()
	r.report.Skipped = append(r.report.Skipped, Skipped{Name: name, Reason: reason})
	r.mu.Unlock()
}

func (r *stageRun) fail(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

// stopReason reports why a not-yet-started evaluation must not start.
func (r *stageRun) stopReason(ctx context.Context) (string, bool) {
	if r.halted.Load() {
		return SkipFailFast, true
	}
	if ctx.Err() != nil {
		return SkipCanceled, true
	}
	return "", false
}

// parallel runs gates on a bounded pool. Halting only stops scheduling;
// evaluations already running are drained and recorded.
func (r *stageRun) parallel(ctx context.Context, gates []selected) {
	var g errgroup.Group
	g.SetLimit(min(len(gates), r.o.maxWorkers))
	for _, s := range gates {
		if reason, stop := r.stopReason(ctx); stop {
			r.skip(s.gate.Name(), reason)
			continue
		}
		g.Go(func() error {
			r.runOne(ctx, s)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *stageRun) sequential(ctx context.Context, gates []selected) {
	for _, s := range gates {
		if reason, stop := r.stopReason(ctx); stop {
			r.skip(s.gate.Name(), reason)
			continue
		}
		res := r.runOne(ctx, s)
		if r.op.PreviousResults == nil {
			r.op.PreviousResults = make(map[string]*gate.Result)
		}
		r.op.PreviousResults[s.gate.Name()] = res.Clone()
	}
}

// runOne evaluates, adjudicates and seals one gate.
func (r *stageRun) runOne(ctx context.Context, s selected) *gate.Result {
	name := s.gate.Name()
	ctx, span := r.o.tracer.Start(ctx, "mlgate.gate.evaluate", trace.WithAttributes(
		observability.AttrStage.String(string(r.stage)),
		observability.AttrGate.String(name),
	))
	defer span.End()

	res := r.o.evaluate(ctx, s.gate, s.cfg, r.op)
	res.PolicyVersion = r.pol.Version
	res.ReceiptID = r.o.gen.NextReceiptID()
	if _, err := r.o.gen.ResultDigest(res); err != nil {
		replaced := gate.Failed(name, "result not serializable: "+err.Error())
		replaced.PolicyVersion = res.PolicyVersion
		replaced.ReceiptID = res.ReceiptID
		replaced.ExecutionTime = res.ExecutionTime
		res = replaced
	}

	outcome := r.o.enforcer.Enforce(ctx, r.stage, r.level, res, s.cfg)
	if !outcome.Proceed() && r.sp.FailFast {
		r.halted.Store(true)
	}

	rcpt, err := r.o.seal(ctx, r.stage, r.pol.Version, res)
	if err != nil {
		outcome = enforcement.Outcome{Decision: enforcement.Deny, Reason: "receipt not recorded: " + err.Error()}
		r.fail(fmt.Errorf("orchestrator: gate %s: %w", name, err))
		span.RecordError(err)
	}

	if in := r.o.instruments; in != nil {
		in.RecordEvaluation(ctx, string(r.stage), name, string(res.Status), res.ExecutionTime)
		in.RecordDecision(ctx, string(r.stage), string(outcome.Decision))
		if rcpt != nil {
			in.RecordReceipt(ctx, string(r.stage))
		}
	}
	span.SetAttributes(
		observability.AttrStatus.String(string(res.Status)),
		observability.AttrDecision.String(string(outcome.Decision)),
		observability.AttrReceiptID.String(res.ReceiptID),
	)
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
	}

	r.mu.Lock()
	r.report.Results = append(r.report.Results, res)
	r.report.Outcomes = append(r.report.Outcomes, outcome)
	r.report.Receipts = append(r.report.Receipts, rcpt)
	r.mu.Unlock()
	return res
}

// seal creates, stores and publishes the receipt for res and writes the
// evidence hash and signature back onto it. Publishing is best effort.
func (o *Orchestrator) seal(ctx context.Context, stage gate.Stage, version string, res *gate.Result) (*receipts.GateReceipt, error) {
	rcpt, err := o.gen.CreateGateReceipt(res, stage, version)
	if err != nil {
		return nil, err
	}
	res.EvidenceHash = rcpt.ContentHash
	res.Signature = rcpt.Signature
	if err := o.trail.AppendReceipt(ctx, rcpt); err != nil {
		return nil, err
	}
	if err := o.publisher.PublishReceipt(ctx, rcpt); err != nil {
		o.logger.Warn("receipt publish failed", "receipt_id", rcpt.ReceiptID, "error", err)
	}
	return rcpt, nil
}

// sealBatch finalizes the generator's pending leaves. The leaf buffer is
// shared by concurrent runs, so the batch may also cover their receipts.
func (r *stageRun) sealBatch(ctx context.Context) {
	b, err := r.o.gen.FinalizeBatch()
	if err != nil {
		r.fail(fmt.Errorf("orchestrator: seal batch: %w", err))
		return
	}
	if b == nil {
		return
	}
	if err := r.o.trail.RecordBatch(ctx, b); err != nil {
		r.fail(fmt.Errorf("orchestrator: record batch: %w", err))
		return
	}
	rep := r.report
	rep.Batch = b
	for i, res := range rep.Results {
		res.MerklePath = b.SiblingHashes(res.ReceiptID)
		if rcpt := rep.Receipts[i]; rcpt != nil {
			b.Attach(rcpt)
		}
	}
}
