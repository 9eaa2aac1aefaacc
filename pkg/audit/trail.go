// Package audit keeps the append-only trail of gate receipts, review
// receipts and sealed batches, verifies its integrity and exports
// regulator-facing reports.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/merkle"
	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
)

var (
	ErrDuplicate          = errors.New("audit: id already recorded")
	ErrNotFound           = errors.New("audit: not found")
	ErrParentNotFound     = errors.New("audit: parent receipt not found")
	ErrParentHashMismatch = errors.New("audit: review does not reference the parent's content hash")
	ErrInvalidBatch       = errors.New("audit: batch does not verify")
	ErrNotBatched         = errors.New("audit: receipt is not in a sealed batch")
	ErrInvalidTimeRange   = errors.New("audit: start must not be after end")
)

// Verifier recomputes receipt hashes and signatures. *receipts.Generator
// implements it.
type Verifier interface {
	VerifyReceipt(r *receipts.GateReceipt) bool
	VerifySignature(r *receipts.GateReceipt) bool
	VerifyReviewReceipt(rr *receipts.ReviewReceipt) bool
}

// Query filters receipts. Zero fields match everything.
type Query struct {
	Stage    gate.Stage
	GateName string
	Status   gate.Status
	Start    *time.Time
	End      *time.Time
}

func (q Query) matches(r *receipts.GateReceipt) bool {
	if q.Stage != "" && r.Stage != q.Stage {
		return false
	}
	if q.GateName != "" && r.GateName != q.GateName {
		return false
	}
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	return inRange(r.Timestamp, q.Start, q.End)
}

func inRange(ts time.Time, start, end *time.Time) bool {
	if start != nil && ts.Before(*start) {
		return false
	}
	if end != nil && ts.After(*end) {
		return false
	}
	return true
}

// Trail is the in-memory audit trail. Stored objects are private copies and
// every read returns a copy, so readers never observe a write in progress.
type Trail struct {
	mu       sync.RWMutex
	verifier Verifier
	backend  Backend
	clock    func() time.Time
	logger   *slog.Logger

	entries []*Entry
	head    string
	seq     uint64

	receipts     map[string]*receipts.GateReceipt
	receiptOrder []string
	byStage      map[gate.Stage][]string
	byGate       map[string][]string

	reviews         map[string]*receipts.ReviewReceipt
	reviewOrder     []string
	reviewsByParent map[string][]string

	batches        []*receipts.Batch
	batchByReceipt map[string]*receipts.Batch
}

// NewTrail creates an empty trail that verifies with v.
func NewTrail(v Verifier) *Trail {
	t := &Trail{
		verifier: v,
		clock:    time.Now,
		logger:   slog.Default().With("component", "audit"),
	}
	t.reset()
	return t
}

func (t *Trail) reset() {
	t.entries = nil
	t.head = GenesisHash
	t.seq = 0
	t.receipts = make(map[string]*receipts.GateReceipt)
	t.receiptOrder = nil
	t.byStage = make(map[gate.Stage][]string)
	t.byGate = make(map[string][]string)
	t.reviews = make(map[string]*receipts.ReviewReceipt)
	t.reviewOrder = nil
	t.reviewsByParent = make(map[string][]string)
	t.batches = nil
	t.batchByReceipt = make(map[string]*receipts.Batch)
}

// WithBackend enables write-through persistence.
func (t *Trail) WithBackend(b Backend) *Trail {
	t.backend = b
	return t
}

// WithClock overrides the clock for deterministic testing.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// WithLogger overrides the logger.
func (t *Trail) WithLogger(logger *slog.Logger) *Trail {
	t.logger = logger
	return t
}

// nextEntryLocked builds, but does not commit, the next chain entry.
func (t *Trail) nextEntryLocked(kind EntryKind, subjectID, contentHash string) (*Entry, error) {
	e := &Entry{
		Sequence:     t.seq + 1,
		Kind:         kind,
		SubjectID:    subjectID,
		ContentHash:  contentHash,
		PreviousHash: t.head,
		RecordedAt:   t.clock().UTC(),
	}
	h, err := computeEntryHash(e)
	if err != nil {
		return nil, err
	}
	e.EntryHash = h
	return e, nil
}

func (t *Trail) commitLocked(e *Entry) {
	t.entries = append(t.entries, e)
	t.seq = e.Sequence
	t.head = e.EntryHash
}

// AppendReceipt records a gate receipt.
func (t *Trail) AppendReceipt(ctx context.Context, r *receipts.GateReceipt) error {
	if r == nil {
		return receipts.ErrNilReceipt
	}
	stored := r.Clone()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.receipts[stored.ReceiptID]; ok {
		return fmt.Errorf("%w: receipt %s", ErrDuplicate, stored.ReceiptID)
	}
	e, err := t.nextEntryLocked(KindGateReceipt, stored.ReceiptID, stored.ContentHash)
	if err != nil {
		return err
	}
	if t.backend != nil {
		if err := t.backend.AppendReceipt(ctx, stored, e); err != nil {
			return fmt.Errorf("audit: persist receipt %s: %w", stored.ReceiptID, err)
		}
	}
	t.commitLocked(e)
	t.indexReceiptLocked(stored)
	return nil
}

func (t *Trail) indexReceiptLocked(r *receipts.GateReceipt) {
	t.receipts[r.ReceiptID] = r
	t.receiptOrder = append(t.receiptOrder, r.ReceiptID)
	t.byStage[r.Stage] = append(t.byStage[r.Stage], r.ReceiptID)
	t.byGate[r.GateName] = append(t.byGate[r.GateName], r.ReceiptID)
}

// AppendReview records a review receipt. Its parent must already be in the
// trail and its parent hash must match the parent's content hash.
func (t *Trail) AppendReview(ctx context.Context, rr *receipts.ReviewReceipt) error {
	if rr == nil {
		return receipts.ErrNilReceipt
	}
	stored := rr.Clone()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.reviews[stored.ReviewID]; ok {
		return fmt.Errorf("%w: review %s", ErrDuplicate, stored.ReviewID)
	}
	parent, ok := t.receipts[stored.ParentReceiptID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrParentNotFound, stored.ParentReceiptID)
	}
	if parent.ContentHash != stored.ParentReceiptHash {
		return fmt.Errorf("%w: %s", ErrParentHashMismatch, stored.ReviewID)
	}
	e, err := t.nextEntryLocked(KindReviewReceipt, stored.ReviewID, stored.ContentHash)
	if err != nil {
		return err
	}
	if t.backend != nil {
		if err := t.backend.AppendReview(ctx, stored, e); err != nil {
			return fmt.Errorf("audit: persist review %s: %w", stored.ReviewID, err)
		}
	}
	t.commitLocked(e)
	t.indexReviewLocked(stored)
	return nil
}

func (t *Trail) indexReviewLocked(rr *receipts.ReviewReceipt) {
	t.reviews[rr.ReviewID] = rr
	t.reviewOrder = append(t.reviewOrder, rr.ReviewID)
	t.reviewsByParent[rr.ParentReceiptID] = append(t.reviewsByParent[rr.ParentReceiptID], rr.ReviewID)
}

// RecordBatch stores a sealed batch and attaches its root and inclusion
// paths to the receipts it covers.
func (t *Trail) RecordBatch(ctx context.Context, b *receipts.Batch) error {
	if b == nil || !b.Verify() {
		return ErrInvalidBatch
	}
	b = b.Clone()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.batches {
		if existing.BatchID == b.BatchID {
			return fmt.Errorf("%w: batch %s", ErrDuplicate, b.BatchID)
		}
	}
	e, err := t.nextEntryLocked(KindBatch, b.BatchID, b.Root)
	if err != nil {
		return err
	}
	if t.backend != nil {
		if err := t.backend.AppendBatch(ctx, b, e); err != nil {
			return fmt.Errorf("audit: persist batch %s: %w", b.BatchID, err)
		}
	}
	t.commitLocked(e)
	t.indexBatchLocked(b)
	return nil
}

func (t *Trail) indexBatchLocked(b *receipts.Batch) {
	t.batches = append(t.batches, b)
	for _, l := range b.Leaves {
		t.batchByReceipt[l.ReceiptID] = b
		if r, ok := t.receipts[l.ReceiptID]; ok {
			b.Attach(r)
		}
	}
}

// Load replaces the in-memory state with the backend's contents.
func (t *Trail) Load(ctx context.Context) error {
	if t.backend == nil {
		return errors.New("audit: no backend configured")
	}
	snap, err := t.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("audit: load: %w", err)
	}

	receiptByID := make(map[string]*receipts.GateReceipt, len(snap.Receipts))
	for _, r := range snap.Receipts {
		receiptByID[r.ReceiptID] = r
	}
	reviewByID := make(map[string]*receipts.ReviewReceipt, len(snap.Reviews))
	for _, rr := range snap.Reviews {
		reviewByID[rr.ReviewID] = rr
	}
	batchByID := make(map[string]*receipts.Batch, len(snap.Batches))
	for _, b := range snap.Batches {
		batchByID[b.BatchID] = b
	}

	entries := append([]*Entry(nil), snap.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })

	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
	for _, e := range entries {
		switch e.Kind {
		case KindGateReceipt:
			if r, ok := receiptByID[e.SubjectID]; ok {
				t.indexReceiptLocked(r)
			}
		case KindReviewReceipt:
			if rr, ok := reviewByID[e.SubjectID]; ok {
				t.indexReviewLocked(rr)
			}
		case KindBatch:
			if b, ok := batchByID[e.SubjectID]; ok {
				t.indexBatchLocked(b)
			}
		}
		t.entries = append(t.entries, e)
		t.seq = e.Sequence
		t.head = e.EntryHash
	}
	t.logger.Info("trail loaded", "entries", len(t.entries), "receipts", len(t.receipts), "reviews", len(t.reviews), "batches", len(t.batches))
	return nil
}

// Receipt returns a copy of the receipt with id.
func (t *Trail) Receipt(id string) (*receipts.GateReceipt, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.receipts[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Receipts returns copies of matching receipts in append order.
func (t *Trail) Receipts(q Query) []*receipts.GateReceipt {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := t.receiptOrder
	switch {
	case q.GateName != "":
		ids = t.byGate[q.GateName]
	case q.Stage != "":
		ids = t.byStage[q.Stage]
	}
	out := make([]*receipts.GateReceipt, 0, len(ids))
	for _, id := range ids {
		if r := t.receipts[id]; q.matches(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Review returns a copy of the review receipt with id.
func (t *Trail) Review(id string) (*receipts.ReviewReceipt, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rr, ok := t.reviews[id]
	if !ok {
		return nil, false
	}
	return rr.Clone(), true
}

// ReviewsFor returns copies of the reviews of a gate receipt.
func (t *Trail) ReviewsFor(receiptID string) []*receipts.ReviewReceipt {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.reviewsByParent[receiptID]
	out := make([]*receipts.ReviewReceipt, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.reviews[id].Clone())
	}
	return out
}

// Entries returns a copy of the hash chain.
func (t *Trail) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// ChainHead returns the hash of the latest chain entry.
func (t *Trail) ChainHead() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.head
}

// Len returns the number of gate receipts.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.receipts)
}

// Batches returns the sealed batches in append order.
func (t *Trail) Batches() []*receipts.Batch {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*receipts.Batch, len(t.batches))
	for i, b := range t.batches {
		out[i] = b.Clone()
	}
	return out
}

// Proof returns the inclusion proof of a batched receipt.
func (t *Trail) Proof(receiptID string) (*merkle.InclusionProof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.receipts[receiptID]; !ok {
		return nil, fmt.Errorf("%w: receipt %s", ErrNotFound, receiptID)
	}
	b, ok := t.batchByReceipt[receiptID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotBatched, receiptID)
	}
	p := *b.Proofs[receiptID]
	p.ProofPath = append([]merkle.ProofStep(nil), p.ProofPath...)
	return &p, nil
}
