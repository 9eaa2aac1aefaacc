package receipts

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/mlgate/pkg/canonicalize"
	"github.com/Mindburn-Labs/mlgate/pkg/crypto"
	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/merkle"
)

var (
	ErrNilResult       = errors.New("receipts: nil result")
	ErrNilReceipt      = errors.New("receipts: nil gate receipt")
	ErrInvalidDecision = errors.New("receipts: invalid review decision")
	ErrEmptyReviewer   = errors.New("receipts: reviewer id is required")
)

// Leaf is one receipt's entry in a Merkle batch.
type Leaf struct {
	ReceiptID string `json:"receipt_id"`
	LeafHash  string `json:"leaf_hash"`
}

// Generator seals results into receipts and accumulates their leaf hashes
// into the current batch. It is safe for concurrent use.
type Generator struct {
	hasher crypto.Hasher
	signer crypto.Signer
	clock  func() time.Time
	logger *slog.Logger

	instance string
	seq      atomic.Uint64

	mu     sync.Mutex
	leaves []Leaf
}

// NewGenerator creates a generator. signer may be nil, in which case
// receipts are hashed but not signed.
func NewGenerator(signer crypto.Signer) *Generator {
	return &Generator{
		hasher:   crypto.NewSHA256Hasher(),
		signer:   signer,
		clock:    time.Now,
		logger:   slog.Default().With("component", "receipts"),
		instance: strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Generator) WithClock(clock func() time.Time) *Generator {
	g.clock = clock
	return g
}

// WithLogger overrides the logger.
func (g *Generator) WithLogger(logger *slog.Logger) *Generator {
	g.logger = logger
	return g
}

// HasSigner reports whether receipts are signed.
func (g *Generator) HasSigner() bool { return g.signer != nil }

// PublicKey returns the hex public key of the signer, or "".
func (g *Generator) PublicKey() string {
	if g.signer == nil {
		return ""
	}
	return g.signer.PublicKey()
}

// NextReceiptID returns a fresh, monotonically increasing receipt id.
func (g *Generator) NextReceiptID() string {
	return fmt.Sprintf("rcpt-%s-%08d", g.instance, g.seq.Add(1))
}

// ResultDigest hashes the canonical form of a result without its receipt id
// and cryptographic fields.
func (g *Generator) ResultDigest(result *gate.Result) (string, error) {
	stripped := *result
	stripped.ReceiptID = ""
	stripped.EvidenceHash = ""
	stripped.Signature = ""
	stripped.MerklePath = nil
	b, err := canonicalize.JCS(&stripped)
	if err != nil {
		return "", fmt.Errorf("receipts: canonicalize result: %w", err)
	}
	return g.hasher.Sum(b), nil
}

// CreateGateReceipt seals result. The result's ReceiptID is used when set,
// otherwise a new id is assigned. The receipt's leaf joins the current batch.
func (g *Generator) CreateGateReceipt(result *gate.Result, stage gate.Stage, policyVersion string) (*GateReceipt, error) {
	if result == nil {
		return nil, ErrNilResult
	}
	digest, err := g.ResultDigest(result)
	if err != nil {
		return nil, err
	}

	id := result.ReceiptID
	if id == "" {
		id = g.NextReceiptID()
	}
	ts := result.Timestamp
	if ts.IsZero() {
		ts = g.clock()
	}

	r := &GateReceipt{
		ReceiptID:      id,
		GateName:       result.GateName,
		Stage:          stage,
		Timestamp:      ts.UTC(),
		Status:         result.Status,
		PolicyVersion:  policyVersion,
		MetricsSummary: summarizeMetrics(result.Metrics),
		EvidenceRefs:   append([]string(nil), result.EvidenceRefs...),
		ResultDigest:   digest,
	}
	if r.ContentHash, err = g.contentHash(r.content()); err != nil {
		return nil, err
	}
	r.MerkleLeafHash = g.hasher.Sum(crypto.Concat(r.ReceiptID, r.ContentHash))

	if g.signer != nil {
		sig, err := g.signer.Sign(crypto.Concat(r.ReceiptID, r.ContentHash))
		if err != nil {
			return nil, fmt.Errorf("receipts: sign %s: %w", r.ReceiptID, err)
		}
		r.Signature = sig
		r.SignerKeyID = g.signer.KeyID()
	}

	g.mu.Lock()
	g.leaves = append(g.leaves, Leaf{ReceiptID: r.ReceiptID, LeafHash: r.MerkleLeafHash})
	g.mu.Unlock()

	return r, nil
}

func (g *Generator) contentHash(content map[string]any) (string, error) {
	b, err := canonicalize.JCS(content)
	if err != nil {
		return "", fmt.Errorf("receipts: canonicalize content: %w", err)
	}
	return g.hasher.Sum(b), nil
}

// VerifyReceipt recomputes the content hash and leaf hash from the stored
// fields. It does not check the Merkle path against a batch root.
func (g *Generator) VerifyReceipt(r *GateReceipt) bool {
	if r == nil {
		return false
	}
	h, err := g.contentHash(r.content())
	if err != nil || h != r.ContentHash {
		return false
	}
	return g.hasher.Sum(crypto.Concat(r.ReceiptID, r.ContentHash)) == r.MerkleLeafHash
}

// VerifySignature checks the receipt signature against this generator's
// signer. Unsigned receipts verify only when no signer is configured.
func (g *Generator) VerifySignature(r *GateReceipt) bool {
	if r == nil {
		return false
	}
	if g.signer == nil {
		return r.Signature == ""
	}
	return g.signer.Verify(crypto.Concat(r.ReceiptID, r.ContentHash), r.Signature)
}

// PendingLeaves returns the number of leaves waiting for FinalizeBatch.
func (g *Generator) PendingLeaves() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.leaves)
}

// FinalizeBatch seals the accumulated leaves into a Merkle batch and clears
// the buffer. It returns nil when there is nothing to seal.
func (g *Generator) FinalizeBatch() (*Batch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.leaves) == 0 {
		return nil, nil
	}

	hashes := make([]string, len(g.leaves))
	for i, l := range g.leaves {
		hashes[i] = l.LeafHash
	}
	tree, err := merkle.Build(hashes)
	if err != nil {
		return nil, fmt.Errorf("receipts: build batch: %w", err)
	}

	b := &Batch{
		BatchID:  uuid.NewString(),
		Root:     tree.Root,
		Leaves:   g.leaves,
		Proofs:   make(map[string]*merkle.InclusionProof, len(g.leaves)),
		SealedAt: g.clock().UTC(),
	}
	for i, l := range g.leaves {
		p, err := tree.Proof(i)
		if err != nil {
			return nil, fmt.Errorf("receipts: proof for %s: %w", l.ReceiptID, err)
		}
		b.Proofs[l.ReceiptID] = p
	}
	g.leaves = nil

	g.logger.Info("batch finalized", "batch_id", b.BatchID, "root", b.Root, "size", len(b.Leaves))
	return b, nil
}

// CreateReviewReceipt records a reviewer's decision on gr.
func (g *Generator) CreateReviewReceipt(gr *GateReceipt, reviewerID string, decision ReviewDecision, rationale string, conditions []string) (*ReviewReceipt, error) {
	if gr == nil {
		return nil, ErrNilReceipt
	}
	if reviewerID == "" {
		return nil, ErrEmptyReviewer
	}
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	rr := &ReviewReceipt{
		ReviewID:          uuid.NewString(),
		ParentReceiptID:   gr.ReceiptID,
		ParentReceiptHash: gr.ContentHash,
		ReviewerID:        reviewerID,
		Timestamp:         g.clock().UTC(),
		Decision:          decision,
		Rationale:         rationale,
		Conditions:        append([]string(nil), conditions...),
	}
	var err error
	if rr.ContentHash, err = g.contentHash(rr.content()); err != nil {
		return nil, err
	}
	if g.signer != nil {
		if rr.Signature, err = g.signer.Sign(crypto.Concat(rr.ReviewID, rr.ContentHash)); err != nil {
			return nil, fmt.Errorf("receipts: sign review %s: %w", rr.ReviewID, err)
		}
	}
	return rr, nil
}

// VerifyReviewReceipt recomputes a review receipt's content hash and, when a
// signer is configured, its signature.
func (g *Generator) VerifyReviewReceipt(rr *ReviewReceipt) bool {
	if rr == nil {
		return false
	}
	h, err := g.contentHash(rr.content())
	if err != nil || h != rr.ContentHash {
		return false
	}
	if g.signer == nil {
		return rr.Signature == ""
	}
	return g.signer.Verify(crypto.Concat(rr.ReviewID, rr.ContentHash), rr.Signature)
}
