package receipts

import (
	"time"

	"github.com/Mindburn-Labs/mlgate/pkg/merkle"
)

// Batch is a sealed Merkle batch of receipt leaves.
type Batch struct {
	BatchID  string                            `json:"batch_id"`
	Root     string                            `json:"root"`
	Leaves   []Leaf                            `json:"leaves"`
	Proofs   map[string]*merkle.InclusionProof `json:"proofs"`
	SealedAt time.Time                         `json:"sealed_at"`
}

func (b *Batch) Size() int { return len(b.Leaves) }

// Verify rebuilds the root from the leaves and checks every proof against it.
func (b *Batch) Verify() bool {
	if b == nil || len(b.Leaves) == 0 {
		return false
	}
	hashes := make([]string, len(b.Leaves))
	for i, l := range b.Leaves {
		hashes[i] = l.LeafHash
	}
	root, err := merkle.Root(hashes)
	if err != nil || root != b.Root {
		return false
	}
	for _, l := range b.Leaves {
		p, ok := b.Proofs[l.ReceiptID]
		if !ok || p.LeafHash != l.LeafHash || !merkle.VerifyInclusionProof(*p, b.Root) {
			return false
		}
	}
	return true
}

// Attach records the batch root and r's inclusion path on r. Both are
// outside the content hash, so r still verifies afterwards.
func (b *Batch) Attach(r *GateReceipt) bool {
	p, ok := b.Proofs[r.ReceiptID]
	if !ok {
		return false
	}
	r.BatchRoot = b.Root
	r.MerklePath = append([]merkle.ProofStep(nil), p.ProofPath...)
	return true
}

// SiblingHashes returns the proof path of receiptID as bare hashes, the
// form carried on gate results.
func (b *Batch) SiblingHashes(receiptID string) []string {
	p, ok := b.Proofs[receiptID]
	if !ok {
		return nil
	}
	out := make([]string, len(p.ProofPath))
	for i, s := range p.ProofPath {
		out[i] = s.Side + ":" + s.SiblingHash
	}
	return out
}

// Clone returns a deep copy.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	c := *b
	c.Leaves = append([]Leaf(nil), b.Leaves...)
	c.Proofs = make(map[string]*merkle.InclusionProof, len(b.Proofs))
	for id, p := range b.Proofs {
		cp := *p
		cp.ProofPath = append([]merkle.ProofStep(nil), p.ProofPath...)
		c.Proofs[id] = &cp
	}
	return &c
}
