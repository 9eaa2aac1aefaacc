package review

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mlgate/pkg/audit"
	"github.com/Mindburn-Labs/mlgate/pkg/crypto"
	"github.com/Mindburn-Labs/mlgate/pkg/enforcement"
	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/policy"
	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
)

var now = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu      sync.Mutex
	reviews []*receipts.ReviewReceipt
}

func (p *recordingPublisher) PublishReceipt(context.Context, *receipts.GateReceipt) error { return nil }

func (p *recordingPublisher) PublishReview(_ context.Context, rr *receipts.ReviewReceipt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reviews = append(p.reviews, rr)
	return nil
}

// reviewlessBackend stores gate receipts but refuses review receipts.
type reviewlessBackend struct{}

func (reviewlessBackend) AppendReceipt(context.Context, *receipts.GateReceipt, *audit.Entry) error {
	return nil
}

func (reviewlessBackend) AppendReview(context.Context, *receipts.ReviewReceipt, *audit.Entry) error {
	return errors.New("disk full")
}

func (reviewlessBackend) AppendBatch(context.Context, *receipts.Batch, *audit.Entry) error {
	return nil
}

func (reviewlessBackend) Load(context.Context) (*audit.Snapshot, error) {
	return &audit.Snapshot{}, nil
}

type fixture struct {
	gen    *receipts.Generator
	trail  *audit.Trail
	queue  *enforcement.ReviewQueue
	intake *Intake
	pub    *recordingPublisher
	alice  ed25519.PrivateKey
	mallet ed25519.PrivateKey
	parent *receipts.GateReceipt
}

func newFixture(t *testing.T, reviewers ...string) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	signer, err := crypto.NewDerivedSigner([]byte("review-test"), "k1")
	require.NoError(t, err)

	f := &fixture{pub: &recordingPublisher{}}
	f.gen = receipts.NewGenerator(signer).WithClock(clock)
	f.trail = audit.NewTrail(f.gen).WithClock(clock)
	f.queue = enforcement.NewReviewQueue().WithClock(clock)

	_, f.alice, err = ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, f.mallet, err = ed25519.GenerateKey(nil)
	require.NoError(t, err)

	f.intake = NewIntake(f.gen, f.trail).WithQueue(f.queue).WithPublisher(f.pub).WithClock(clock)
	require.NoError(t, f.intake.TrustSettings(policy.ReviewerSettings{
		PublicKeys: map[string]string{"alice": hex.EncodeToString(f.alice.Public().(ed25519.PublicKey))},
	}))

	res := gate.NewResult("bias", gate.StatusReview)
	res.ReceiptID = f.gen.NextReceiptID()
	f.parent, err = f.gen.CreateGateReceipt(res, gate.StageTraining, "1.0.0")
	require.NoError(t, err)
	require.NoError(t, f.trail.AppendReceipt(context.Background(), f.parent))
	if reviewers != nil {
		f.queue.Create(gate.StageTraining, res, reviewers, true, time.Hour)
	}
	return f
}

func (f *fixture) token(t *testing.T, key ed25519.PrivateKey, reviewer string, d receipts.ReviewDecision) string {
	t.Helper()
	tok, err := IssueToken(key, reviewer, Submission{ReceiptID: f.parent.ReceiptID, Decision: d, Rationale: "checked"}, now, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestSubmit_ApprovesQueuedRequest(t *testing.T) {
	f := newFixture(t, "alice")
	rec, err := f.intake.Submit(context.Background(), f.token(t, f.alice, "alice", receipts.DecisionApprove))
	require.NoError(t, err)

	require.NotNil(t, rec.Request)
	assert.Equal(t, enforcement.ReviewApproved, rec.Request.Status)
	assert.Equal(t, "alice", rec.Request.ResolvedBy)

	assert.Equal(t, f.parent.ReceiptID, rec.Receipt.ParentReceiptID)
	assert.Equal(t, f.parent.ContentHash, rec.Receipt.ParentReceiptHash)
	assert.True(t, f.gen.VerifyReviewReceipt(rec.Receipt))
	assert.Len(t, f.trail.ReviewsFor(f.parent.ReceiptID), 1)
	assert.Len(t, f.pub.reviews, 1)
	assert.True(t, f.trail.VerifyIntegrity())
}

func TestSubmit_RejectMapsToRejected(t *testing.T) {
	f := newFixture(t, "alice")
	rec, err := f.intake.Submit(context.Background(), f.token(t, f.alice, "alice", receipts.DecisionReject))
	require.NoError(t, err)
	assert.Equal(t, enforcement.ReviewRejected, rec.Request.Status)
}

func TestSubmit_UnknownKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.intake.Submit(context.Background(), f.token(t, f.mallet, "mallet", receipts.DecisionApprove))
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, ErrUnknownReviewer)
	assert.Empty(t, f.trail.ReviewsFor(f.parent.ReceiptID))
}

func TestSubmit_ForgedSignature(t *testing.T) {
	f := newFixture(t)
	// Signed by mallet's key but claims to be alice.
	_, err := f.intake.Submit(context.Background(), f.token(t, f.mallet, "alice", receipts.DecisionApprove))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSubmit_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	tok, err := IssueToken(f.alice, "alice", Submission{ReceiptID: f.parent.ReceiptID, Decision: receipts.DecisionApprove}, now.Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)
	_, err = f.intake.Submit(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRecord_ReviewerNotAssigned(t *testing.T) {
	f := newFixture(t, "bob")
	_, err := f.intake.Record(context.Background(), Submission{ReceiptID: f.parent.ReceiptID, ReviewerID: "alice", Decision: receipts.DecisionApprove})
	assert.ErrorIs(t, err, enforcement.ErrReviewerNotAssigned)
	assert.Empty(t, f.trail.ReviewsFor(f.parent.ReceiptID))
}

func TestRecord_AppendFailureReopensRequest(t *testing.T) {
	f := newFixture(t, "alice")
	f.trail.WithBackend(reviewlessBackend{})
	ctx := context.Background()
	sub := Submission{ReceiptID: f.parent.ReceiptID, ReviewerID: "alice", Decision: receipts.DecisionApprove}

	_, err := f.intake.Record(ctx, sub)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, f.trail.ReviewsFor(f.parent.ReceiptID))
	assert.Empty(t, f.pub.reviews)

	req, ok := f.queue.ForReceipt(f.parent.ReceiptID)
	require.True(t, ok)
	assert.Equal(t, enforcement.ReviewPending, req.Status)
	assert.Empty(t, req.ResolvedBy)
	assert.Nil(t, req.ResolvedAt)

	f.trail.WithBackend(nil)
	rec, err := f.intake.Record(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, enforcement.ReviewApproved, rec.Request.Status)
	assert.Len(t, f.trail.ReviewsFor(f.parent.ReceiptID), 1)
}

func TestRecord_WithoutQueuedRequest(t *testing.T) {
	f := newFixture(t)
	rec, err := f.intake.Record(context.Background(), Submission{ReceiptID: f.parent.ReceiptID, ReviewerID: "carol", Decision: receipts.DecisionEscalate, Conditions: []string{"legal sign-off"}})
	require.NoError(t, err)
	assert.Nil(t, rec.Request)
	assert.Equal(t, []string{"legal sign-off"}, rec.Receipt.Conditions)
}

func TestRecord_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.intake.Record(ctx, Submission{ReceiptID: "missing", ReviewerID: "alice", Decision: receipts.DecisionApprove})
	assert.ErrorIs(t, err, ErrReceiptNotFound)

	_, err = f.intake.Record(ctx, Submission{ReceiptID: f.parent.ReceiptID, Decision: receipts.DecisionApprove})
	assert.ErrorIs(t, err, receipts.ErrEmptyReviewer)

	_, err = f.intake.Record(ctx, Submission{ReceiptID: f.parent.ReceiptID, ReviewerID: "alice", Decision: "maybe"})
	assert.ErrorIs(t, err, receipts.ErrInvalidDecision)
}

func TestKeysFromSettings_BadKey(t *testing.T) {
	_, err := KeysFromSettings(policy.ReviewerSettings{PublicKeys: map[string]string{"alice": "zz"}})
	assert.Error(t, err)
}
