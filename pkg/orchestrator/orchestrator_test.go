package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/mlgate/pkg/audit"
	"github.com/Mindburn-Labs/mlgate/pkg/crypto"
	"github.com/Mindburn-Labs/mlgate/pkg/enforcement"
	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/policy"
	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
)

// stubGate returns a fixed status, or runs fn when set.
type stubGate struct {
	gate.Info
	status  gate.Status
	fn      func(ctx context.Context, op *gate.OperationContext) (*gate.Result, error)
	invalid bool
	calls   atomic.Int32

	mu     sync.Mutex
	params gate.Params
}

func newStub(name string, status gate.Status) *stubGate {
	return &stubGate{
		Info: gate.Info{
			GateName:    name,
			GateVersion: "1.0.0",
			Stages:      []gate.Stage{gate.StageTraining, gate.StagePreDeployment},
		},
		status: status,
	}
}

func (s *stubGate) ValidateContext(*gate.OperationContext) bool { return !s.invalid }

func (s *stubGate) Evaluate(ctx context.Context, op *gate.OperationContext) (*gate.Result, error) {
	s.calls.Add(1)
	if s.fn != nil {
		return s.fn(ctx, op)
	}
	r := gate.NewResult(s.GateName, s.status)
	r.Metrics["score"] = 0.5
	return r, nil
}

func (s *stubGate) Configure(p gate.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	return nil
}

type fixture struct {
	policies *policy.Manager
	gen      *receipts.Generator
	trail    *audit.Trail
	enforcer *enforcement.Enforcer
	orch     *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	gen := receipts.NewGenerator(nil)
	f := &fixture{
		policies: policy.NewManager(),
		gen:      gen,
		trail:    audit.NewTrail(gen),
		enforcer: enforcement.NewEnforcer(nil, nil),
	}
	opts = append([]Option{WithEnforcer(f.enforcer)}, opts...)
	f.orch = New(f.policies, f.gen, f.trail, opts...)
	return f
}

func (f *fixture) policy(t *testing.T, sp *policy.StagePolicy, mutate ...func(*policy.GatePolicy)) {
	t.Helper()
	p := &policy.GatePolicy{
		PolicyID: "test-policy",
		Version:  "1.2.0",
		Stages:   map[gate.Stage]*policy.StagePolicy{gate.StageTraining: sp},
	}
	for _, m := range mutate {
		m(p)
	}
	require.NoError(t, f.policies.Register(p))
}

func stagePolicy(actions map[string]policy.EnforcementAction, order ...string) *policy.StagePolicy {
	sp := &policy.StagePolicy{
		EnabledGates: order,
		Gates:        make(map[string]*policy.GateConfiguration, len(order)),
	}
	for _, name := range order {
		action := actions[name]
		if action == "" {
			action = policy.ActionBlock
		}
		sp.Gates[name] = &policy.GateConfiguration{Enabled: true, EnforcementAction: action}
	}
	return sp
}

func (f *fixture) register(t *testing.T, gates ...gate.Gate) {
	t.Helper()
	for _, g := range gates {
		require.NoError(t, f.orch.RegisterGate(g))
	}
}

func opCtx() *gate.OperationContext {
	return gate.NewOperationContext(gate.StageTraining, "op-1")
}

func TestRunStageGates_FailBlocks(t *testing.T) {
	f := newFixture(t)
	f.policy(t, stagePolicy(nil, "GateX"))
	f.register(t, newStub("GateX", gate.StatusFail))

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)

	require.Len(t, rep.Results, 1)
	assert.Equal(t, gate.StatusFail, rep.Results[0].Status)
	assert.Equal(t, enforcement.Deny, rep.Outcomes[0].Decision)
	assert.False(t, rep.Proceed)

	require.Len(t, rep.Receipts, 1)
	rcpt := rep.Receipts[0]
	require.NotNil(t, rcpt)
	assert.Equal(t, rep.Results[0].ReceiptID, rcpt.ReceiptID)
	assert.Equal(t, rcpt.ContentHash, rep.Results[0].EvidenceHash)
	assert.Equal(t, "1.2.0", rcpt.PolicyVersion)

	stored, ok := f.trail.Receipt(rcpt.ReceiptID)
	require.True(t, ok)
	assert.Equal(t, rcpt.ContentHash, stored.ContentHash)
	assert.Equal(t, 1, f.trail.Len())
	assert.True(t, f.trail.VerifyIntegrity())
}

func TestRunStageGates_PassProceeds(t *testing.T) {
	f := newFixture(t)
	f.policy(t, stagePolicy(nil, "a", "b"))
	a, b := newStub("a", gate.StatusPass), newStub("b", gate.StatusWarn)
	f.register(t, a, b)

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	assert.True(t, rep.Proceed)
	assert.Empty(t, rep.Denied())
	require.Len(t, rep.Results, 2)
	assert.Equal(t, "a", rep.Results[0].GateName)
	assert.Equal(t, "b", rep.Results[1].GateName)
	for _, res := range rep.Results {
		assert.Equal(t, "1.2.0", res.PolicyVersion)
		assert.NotEmpty(t, res.ReceiptID)
		assert.NotEmpty(t, res.EvidenceHash)
		assert.Empty(t, res.Signature)
	}
}

func TestRunStageGates_ConfiguresGates(t *testing.T) {
	f := newFixture(t)
	sp := stagePolicy(nil, "a")
	sp.Gates["a"].Thresholds = map[string]float64{"min_accuracy": 0.9}
	sp.Gates["a"].CustomParameters = map[string]any{"mode": "strict"}
	f.policy(t, sp)
	a := newStub("a", gate.StatusPass)
	f.register(t, a)

	_, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, 0.9, a.params.Thresholds["min_accuracy"])
	assert.Equal(t, "strict", a.params.Custom["mode"])
}

// A raising gate still yields a FAIL result for every runnable gate.
func TestRunStageGates_GracefulGateFailure(t *testing.T) {
	f := newFixture(t)
	f.policy(t, stagePolicy(map[string]policy.EnforcementAction{
		"panics": policy.ActionWarn, "errors": policy.ActionWarn, "invalid": policy.ActionWarn, "nil": policy.ActionWarn,
	}, "ok", "panics", "errors", "invalid", "nil"))

	panics := newStub("panics", gate.StatusPass)
	panics.fn = func(context.Context, *gate.OperationContext) (*gate.Result, error) { panic("boom") }
	errs := newStub("errors", gate.StatusPass)
	errs.fn = func(context.Context, *gate.OperationContext) (*gate.Result, error) {
		return nil, errors.New("upstream unavailable")
	}
	invalid := newStub("invalid", gate.StatusPass)
	invalid.invalid = true
	nilResult := newStub("nil", gate.StatusPass)
	nilResult.fn = func(context.Context, *gate.OperationContext) (*gate.Result, error) { return nil, nil }
	f.register(t, newStub("ok", gate.StatusPass), panics, errs, invalid, nilResult)

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	require.Len(t, rep.Results, 5)

	want := map[string]string{
		"panics":  "gate panicked: boom",
		"errors":  "evaluate: upstream unavailable",
		"invalid": "context validation failed",
		"nil":     "gate returned no result",
	}
	for name, msg := range want {
		res, ok := rep.Result(name)
		require.True(t, ok, name)
		assert.Equal(t, gate.StatusFail, res.Status, name)
		assert.Equal(t, msg, res.Error, name)
		assert.NotEmpty(t, res.EvidenceHash, name)
	}
	assert.Equal(t, int32(0), invalid.calls.Load())

	// warn actions let the failures through.
	assert.True(t, rep.Proceed)
	assert.Len(t, rep.Receipts, 5)
}

func TestRunStageGates_InvalidStatusAndWrongName(t *testing.T) {
	f := newFixture(t)
	f.policy(t, stagePolicy(nil, "bad", "renamed"))
	bad := newStub("bad", gate.StatusPass)
	bad.fn = func(context.Context, *gate.OperationContext) (*gate.Result, error) {
		return &gate.Result{Status: "MAYBE"}, nil
	}
	renamed := newStub("renamed", gate.StatusPass)
	renamed.fn = func(context.Context, *gate.OperationContext) (*gate.Result, error) {
		return &gate.Result{Status: gate.StatusPass, GateName: "something-else"}, nil
	}
	f.register(t, bad, renamed)

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)

	res, ok := rep.Result("bad")
	require.True(t, ok)
	assert.Equal(t, gate.StatusFail, res.Status)
	assert.Contains(t, res.Error, `invalid status "MAYBE"`)

	res, ok = rep.Result("renamed")
	require.True(t, ok)
	assert.Equal(t, gate.StatusPass, res.Status)
	assert.False(t, res.Timestamp.IsZero())
}

// Sequential runs expose earlier results to later gates.
func TestRunStageGates_SequentialPropagatesPreviousResults(t *testing.T) {
	f := newFixture(t)
	f.policy(t, stagePolicy(nil, "first", "second"))

	var seen *gate.Result
	second := newStub("second", gate.StatusPass)
	second.fn = func(_ context.Context, op *gate.OperationContext) (*gate.Result, error) {
		seen, _ = op.PreviousResult("first")
		return gate.NewResult("second", gate.StatusPass), nil
	}
	f.register(t, newStub("first", gate.StatusWarn), second)

	op := opCtx()
	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, op)
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, gate.StatusWarn, seen.Status)
	assert.Equal(t, rep.Results[0].ReceiptID, seen.ReceiptID)
	assert.Contains(t, op.PreviousResults, "second")
}

func TestRunStageGates_SequentialFailFast(t *testing.T) {
	f := newFixture(t)
	sp := stagePolicy(nil, "a", "b", "c")
	sp.FailFast = true
	f.policy(t, sp)
	c := newStub("c", gate.StatusPass)
	f.register(t, newStub("a", gate.StatusPass), newStub("b", gate.StatusFail), c)

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	assert.True(t, rep.Halted)
	assert.False(t, rep.Proceed)
	assert.Len(t, rep.Results, 2)
	assert.Equal(t, []Skipped{{Name: "c", Reason: SkipFailFast}}, rep.Skipped)
	assert.Equal(t, int32(0), c.calls.Load())
}

// Parallel fail-fast keeps every produced result well formed.
func TestRunStageGates_ParallelFailFastResultsWellFormed(t *testing.T) {
	f := newFixture(t, WithMaxWorkers(2))
	sp := stagePolicy(nil, "g1", "g2", "g3")
	sp.ParallelExecution = true
	sp.FailFast = true
	f.policy(t, sp)
	f.register(t, newStub("g1", gate.StatusPass), newStub("g2", gate.StatusFail), newStub("g3", gate.StatusPass))

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	assert.False(t, rep.Proceed)

	_, ok := rep.Result("g1")
	assert.True(t, ok)
	_, ok = rep.Result("g2")
	assert.True(t, ok)

	assert.Equal(t, 3, len(rep.Results)+len(rep.Skipped))
	require.Len(t, rep.Receipts, len(rep.Results))
	for i, res := range rep.Results {
		assert.True(t, res.Status.Valid())
		assert.NotEmpty(t, res.ReceiptID)
		assert.Equal(t, res.ReceiptID, rep.Receipts[i].ReceiptID)
		assert.NotEmpty(t, rep.Outcomes[i].Decision)
	}
	for _, s := range rep.Skipped {
		assert.Equal(t, "g3", s.Name)
		assert.Equal(t, SkipFailFast, s.Reason)
	}
	assert.Equal(t, len(rep.Results), f.trail.Len())
}

// A gate already handed to a worker runs to completion even when a
// sibling fails first.
func TestRunStageGates_ParallelFailFastRunsScheduledGates(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, WithMaxWorkers(2))
		sp := stagePolicy(nil, "g1", "g2", "g3")
		sp.ParallelExecution = true
		sp.FailFast = true
		f.policy(t, sp)
		g1 := newStub("g1", gate.StatusPass)
		f.register(t, g1, newStub("g2", gate.StatusFail), newStub("g3", gate.StatusPass))

		rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
		require.NoError(t, err)

		_, ok := rep.Result("g1")
		require.True(t, ok, "iteration %d: g1 missing", i)
		_, ok = rep.Result("g2")
		require.True(t, ok, "iteration %d: g2 missing", i)
		assert.Equal(t, int32(1), g1.calls.Load())
		for _, s := range rep.Skipped {
			assert.NotEqual(t, "g1", s.Name)
		}
	}
}

func TestRunStageGates_ParallelIsBounded(t *testing.T) {
	f := newFixture(t, WithMaxWorkers(2))
	names := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	sp := stagePolicy(nil, names...)
	sp.ParallelExecution = true
	f.policy(t, sp)

	var running, peak atomic.Int32
	for _, n := range names {
		g := newStub(n, gate.StatusPass)
		g.fn = func(context.Context, *gate.OperationContext) (*gate.Result, error) {
			cur := running.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return gate.NewResult(n, gate.StatusPass), nil
		}
		f.register(t, g)
	}

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	assert.Len(t, rep.Results, len(names))
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.True(t, rep.Proceed)
}

func TestRunStageGates_GateTimeout(t *testing.T) {
	f := newFixture(t, WithGateTimeout(30*time.Millisecond))
	f.policy(t, stagePolicy(nil, "slow", "fast"))

	release := make(chan struct{})
	defer close(release)
	slow := newStub("slow", gate.StatusPass)
	slow.fn = func(context.Context, *gate.OperationContext) (*gate.Result, error) {
		<-release
		return gate.NewResult("slow", gate.StatusPass), nil
	}
	f.register(t, slow, newStub("fast", gate.StatusPass))

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)

	res, ok := rep.Result("slow")
	require.True(t, ok)
	assert.Equal(t, gate.StatusFail, res.Status)
	assert.Contains(t, res.Error, "timed out")
	res, ok = rep.Result("fast")
	require.True(t, ok)
	assert.Equal(t, gate.StatusPass, res.Status)
	assert.False(t, rep.Proceed)
}

// A timed-out gate keeps reading its context while later sequential gates
// record their results. Run with -race.
func TestRunStageGates_TimedOutGateDoesNotShareResults(t *testing.T) {
	f := newFixture(t, WithGateTimeout(10*time.Millisecond))
	names := []string{"first", "slow"}
	for i := 0; i < 100; i++ {
		names = append(names, fmt.Sprintf("after_%03d", i))
	}
	f.policy(t, stagePolicy(nil, names...))

	release := make(chan struct{})
	finished := make(chan int, 1)
	slow := newStub("slow", gate.StatusPass)
	slow.fn = func(_ context.Context, op *gate.OperationContext) (*gate.Result, error) {
		seen := 0
		for {
			select {
			case <-release:
				finished <- seen
				return gate.NewResult("slow", gate.StatusPass), nil
			default:
			}
			seen = 0
			for range op.PreviousResults {
				seen++
			}
		}
	}
	f.register(t, newStub("first", gate.StatusPass), slow)
	for _, n := range names[2:] {
		f.register(t, newStub(n, gate.StatusPass))
	}

	op := opCtx()
	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, op)
	close(release)
	require.NoError(t, err)

	res, ok := rep.Result("slow")
	require.True(t, ok)
	assert.Contains(t, res.Error, "timed out")
	assert.Len(t, op.PreviousResults, len(names))
	assert.Equal(t, 1, <-finished, "the slow gate only sees results recorded before it started")
}

func TestRunStageGates_SkipsUnrunnableGates(t *testing.T) {
	f := newFixture(t)
	sp := stagePolicy(nil, "ok", "missing", "off", "wrong_stage")
	sp.Gates["off"].Enabled = false
	f.policy(t, sp)

	wrongStage := newStub("wrong_stage", gate.StatusPass)
	wrongStage.Stages = []gate.Stage{gate.StageInference}
	f.register(t, newStub("ok", gate.StatusPass), newStub("off", gate.StatusPass), wrongStage)

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	assert.Len(t, rep.Results, 1)
	assert.ElementsMatch(t, []Skipped{
		{Name: "missing", Reason: SkipNotRegistered},
		{Name: "off", Reason: SkipDisabled},
		{Name: "wrong_stage", Reason: SkipUnsupported},
	}, rep.Skipped)
	assert.True(t, rep.Proceed)
}

func TestRunStageGates_SetupErrors(t *testing.T) {
	t.Run("no active policy", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
		assert.ErrorIs(t, err, policy.ErrNoActivePolicy)
	})
	t.Run("stage not configured", func(t *testing.T) {
		f := newFixture(t)
		f.policy(t, stagePolicy(nil, "a"))
		op := gate.NewOperationContext(gate.StageInference, "op")
		_, err := f.orch.RunStageGates(context.Background(), gate.StageInference, op)
		assert.ErrorIs(t, err, policy.ErrStageNotConfigured)
	})
	t.Run("nil context", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, nil)
		assert.ErrorIs(t, err, ErrNilContext)
	})
	t.Run("stage mismatch", func(t *testing.T) {
		f := newFixture(t)
		f.policy(t, stagePolicy(nil, "a"))
		_, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, gate.NewOperationContext(gate.StagePreDeployment, "op"))
		assert.ErrorIs(t, err, ErrStageMismatch)
	})
	t.Run("signer required", func(t *testing.T) {
		f := newFixture(t)
		f.policy(t, stagePolicy(nil, "a"), func(p *policy.GatePolicy) { p.RequireCryptographicReceipts = true })
		a := newStub("a", gate.StatusPass)
		f.register(t, a)
		_, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
		assert.ErrorIs(t, err, ErrSignerRequired)
		assert.Equal(t, int32(0), a.calls.Load())
		assert.Zero(t, f.trail.Len())
	})
}

func TestRunStageGates_SignedReceipts(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("k1")
	require.NoError(t, err)
	gen := receipts.NewGenerator(signer)
	pm := policy.NewManager()
	trail := audit.NewTrail(gen)
	orch := New(pm, gen, trail)

	require.NoError(t, pm.Register(&policy.GatePolicy{
		PolicyID:                     "signed",
		Version:                      "1.0.0",
		RequireCryptographicReceipts: true,
		Stages:                       map[gate.Stage]*policy.StagePolicy{gate.StageTraining: stagePolicy(nil, "a")},
	}))
	require.NoError(t, orch.RegisterGate(newStub("a", gate.StatusPass)))

	rep, err := orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	require.Len(t, rep.Receipts, 1)
	assert.NotEmpty(t, rep.Results[0].Signature)
	assert.Equal(t, rep.Receipts[0].Signature, rep.Results[0].Signature)
	assert.True(t, gen.VerifySignature(rep.Receipts[0]))
}

func TestRunStageGates_SealsBatchPerRun(t *testing.T) {
	f := newFixture(t)
	sp := stagePolicy(nil, "a", "b", "c")
	sp.AuditRequirements = map[string]bool{policy.AuditSealBatchPerRun: true}
	f.policy(t, sp)
	f.register(t, newStub("a", gate.StatusPass), newStub("b", gate.StatusPass), newStub("c", gate.StatusWarn))

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	require.NotNil(t, rep.Batch)
	assert.Equal(t, 3, rep.Batch.Size())
	assert.Zero(t, f.gen.PendingLeaves())

	for i, res := range rep.Results {
		assert.NotEmpty(t, res.MerklePath)
		assert.Equal(t, rep.Batch.Root, rep.Receipts[i].BatchRoot)
		proof, err := f.trail.Proof(res.ReceiptID)
		require.NoError(t, err)
		assert.Equal(t, rep.Receipts[i].MerkleLeafHash, proof.LeafHash)
	}
	assert.Len(t, f.trail.Batches(), 1)
	assert.True(t, f.trail.VerifyIntegrity())
}

func TestRunStageGates_NoBatchWithoutRequirement(t *testing.T) {
	f := newFixture(t)
	f.policy(t, stagePolicy(nil, "a"))
	f.register(t, newStub("a", gate.StatusPass))

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	assert.Nil(t, rep.Batch)
	assert.Equal(t, 1, f.gen.PendingLeaves())
}

type failingBackend struct{}

func (failingBackend) AppendReceipt(context.Context, *receipts.GateReceipt, *audit.Entry) error {
	return errors.New("disk full")
}
func (failingBackend) AppendReview(context.Context, *receipts.ReviewReceipt, *audit.Entry) error {
	return errors.New("disk full")
}
func (failingBackend) AppendBatch(context.Context, *receipts.Batch, *audit.Entry) error {
	return errors.New("disk full")
}
func (failingBackend) Load(context.Context) (*audit.Snapshot, error) { return &audit.Snapshot{}, nil }

func TestRunStageGates_UnrecordedReceiptFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.trail.WithBackend(failingBackend{})
	f.policy(t, stagePolicy(nil, "a"))
	f.register(t, newStub("a", gate.StatusPass))

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, rep)
	assert.False(t, rep.Proceed)
	require.Len(t, rep.Results, 1)
	assert.Nil(t, rep.Receipts[0])
	assert.Equal(t, enforcement.Deny, rep.Outcomes[0].Decision)
}

func TestRunStageGates_CanceledContextSkips(t *testing.T) {
	f := newFixture(t)
	f.policy(t, stagePolicy(nil, "a", "b"))
	a, b := newStub("a", gate.StatusPass), newStub("b", gate.StatusPass)
	f.register(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := f.orch.RunStageGates(ctx, gate.StageTraining, opCtx())
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rep)
	assert.False(t, rep.Proceed)
	assert.Empty(t, rep.Results)
	assert.Len(t, rep.Skipped, 2)
	assert.Equal(t, int32(0), a.calls.Load()+b.calls.Load())
}

func TestRunStageGates_AdvisoryOverridesDeny(t *testing.T) {
	f := newFixture(t)
	f.policy(t, stagePolicy(nil, "a"), func(p *policy.GatePolicy) {
		p.GlobalEnforcementLevel = policy.LevelAdvisory
	})
	f.register(t, newStub("a", gate.StatusFail))

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	assert.True(t, rep.Proceed)
	assert.Equal(t, policy.LevelAdvisory, rep.Level)
}

func TestRunStageGates_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	f := newFixture(t, WithMeter(mp.Meter("test")))
	f.policy(t, stagePolicy(nil, "a", "b"))
	f.register(t, newStub("a", gate.StatusPass), newStub("b", gate.StatusFail))

	_, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["mlgate.gate.evaluations"])
	assert.True(t, names["mlgate.enforcement.decisions"])
	assert.True(t, names["mlgate.receipts.sealed"])
	assert.True(t, names["mlgate.gate.duration"])
}

func TestRegistry(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.orch.RegisterGate(nil), ErrNilGate)

	first := newStub("dup", gate.StatusPass)
	second := newStub("dup", gate.StatusFail)
	f.register(t, newStub("b", gate.StatusPass), first, second)
	assert.Equal(t, []string{"b", "dup"}, f.orch.Gates())

	// last registration wins
	f.policy(t, stagePolicy(nil, "dup"))
	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	assert.Equal(t, gate.StatusFail, rep.Results[0].Status)
	assert.Equal(t, int32(0), first.calls.Load())

	assert.True(t, f.orch.UnregisterGate("dup"))
	assert.False(t, f.orch.UnregisterGate("dup"))
	assert.Equal(t, []string{"b"}, f.orch.Gates())
}

func TestStageSummary(t *testing.T) {
	f := newFixture(t)
	sp := stagePolicy(map[string]policy.EnforcementAction{"b": policy.ActionEscalate}, "a", "b", "ghost")
	sp.FailFast = true
	sp.Gates["b"].RequiredReviewers = []string{"alice"}
	sp.Gates["b"].Thresholds = map[string]float64{"max_gap": 0.1}
	f.policy(t, sp)
	f.register(t, newStub("a", gate.StatusPass), newStub("b", gate.StatusPass), newStub("extra", gate.StatusPass))

	s, err := f.orch.StageSummary(gate.StageTraining)
	require.NoError(t, err)
	assert.Equal(t, "test-policy", s.PolicyID)
	assert.Equal(t, "1.2.0", s.PolicyVersion)
	assert.Equal(t, policy.LevelStrict, s.Level)
	assert.True(t, s.FailFast)
	require.Len(t, s.Gates, 3)

	assert.True(t, s.Gates[0].Runnable)
	assert.Equal(t, "1.0.0", s.Gates[0].Version)
	assert.Equal(t, policy.ActionEscalate, s.Gates[1].Action)
	assert.Equal(t, []string{"alice"}, s.Gates[1].Reviewers)
	assert.Equal(t, 0.1, s.Gates[1].Thresholds["max_gap"])
	assert.False(t, s.Gates[2].Registered)
	assert.False(t, s.Gates[2].Runnable)
	assert.Equal(t, []string{"extra"}, s.Unreferenced)
	assert.Zero(t, s.PendingReviews)

	_, err = f.orch.StageSummary(gate.StageDataset)
	assert.Error(t, err)
}

func TestStageSummary_CountsPendingReviews(t *testing.T) {
	f := newFixture(t)
	sp := stagePolicy(nil, "reviewed")
	sp.Gates["reviewed"].RequiredReviewers = []string{"alice"}
	f.policy(t, sp)
	f.register(t, newStub("reviewed", gate.StatusReview))

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	assert.False(t, rep.Proceed)
	require.NotNil(t, rep.Outcomes[0].Review)

	s, err := f.orch.StageSummary(gate.StageTraining)
	require.NoError(t, err)
	assert.Equal(t, 1, s.PendingReviews)
}

func TestRunStageGates_ConcurrentWithRegistration(t *testing.T) {
	f := newFixture(t)
	sp := stagePolicy(nil, "a", "b")
	sp.ParallelExecution = true
	f.policy(t, sp)
	f.register(t, newStub("a", gate.StatusPass), newStub("b", gate.StatusPass))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			op := gate.NewOperationContext(gate.StageTraining, "op")
			rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, op)
			assert.NoError(t, err)
			assert.NotNil(t, rep)
		}()
		go func() {
			defer wg.Done()
			_ = f.orch.RegisterGate(newStub("b", gate.StatusPass))
			_ = f.orch.Gates()
		}()
	}
	wg.Wait()
	assert.True(t, f.trail.VerifyIntegrity())
}

// Escalate without a handler fails closed.
func TestRunStageGates_EscalateWithoutHandlerDenies(t *testing.T) {
	f := newFixture(t)
	f.policy(t, stagePolicy(map[string]policy.EnforcementAction{"a": policy.ActionEscalate}, "a"))
	f.register(t, newStub("a", gate.StatusFail))

	rep, err := f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	assert.Equal(t, enforcement.Deny, rep.Outcomes[0].Decision)
	assert.False(t, rep.Proceed)

	f.enforcer.RegisterEscalationHandler(gate.StageTraining, func(context.Context, gate.Stage, *gate.Result, *policy.GateConfiguration) (enforcement.Decision, error) {
		return enforcement.Proceed, nil
	})
	rep, err = f.orch.RunStageGates(context.Background(), gate.StageTraining, opCtx())
	require.NoError(t, err)
	assert.True(t, rep.Proceed)
}
