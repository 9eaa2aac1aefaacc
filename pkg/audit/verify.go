package audit

import "fmt"

// Failure is one integrity problem found by Verify.
type Failure struct {
	Kind   EntryKind `json:"kind"`
	ID     string    `json:"id"`
	Reason string    `json:"reason"`
}

// IntegrityReport aggregates every mismatch in the trail. The trail never
// repairs or removes what it reports.
type IntegrityReport struct {
	Valid           bool      `json:"valid"`
	EntriesChecked  int       `json:"entries_checked"`
	ReceiptsChecked int       `json:"receipts_checked"`
	ReviewsChecked  int       `json:"reviews_checked"`
	BatchesChecked  int       `json:"batches_checked"`
	ChainHead       string    `json:"chain_head"`
	Failures        []Failure `json:"failures,omitempty"`
}

func (r *IntegrityReport) fail(kind EntryKind, id, format string, args ...any) {
	r.Failures = append(r.Failures, Failure{Kind: kind, ID: id, Reason: fmt.Sprintf(format, args...)})
}

// VerifyIntegrity reports whether every receipt, review, batch and chain
// link verifies.
func (t *Trail) VerifyIntegrity() bool {
	return t.Verify().Valid
}

// Verify re-checks the whole trail and lists every failure.
func (t *Trail) Verify() *IntegrityReport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rep := &IntegrityReport{ChainHead: t.head}

	for _, id := range t.receiptOrder {
		r := t.receipts[id]
		rep.ReceiptsChecked++
		if !t.verifier.VerifyReceipt(r) {
			rep.fail(KindGateReceipt, id, "content hash mismatch")
		}
		if !t.verifier.VerifySignature(r) {
			rep.fail(KindGateReceipt, id, "signature invalid")
		}
	}

	for _, id := range t.reviewOrder {
		rr := t.reviews[id]
		rep.ReviewsChecked++
		if !t.verifier.VerifyReviewReceipt(rr) {
			rep.fail(KindReviewReceipt, id, "content hash or signature mismatch")
		}
		parent, ok := t.receipts[rr.ParentReceiptID]
		switch {
		case !ok:
			rep.fail(KindReviewReceipt, id, "parent receipt %s missing", rr.ParentReceiptID)
		case parent.ContentHash != rr.ParentReceiptHash:
			rep.fail(KindReviewReceipt, id, "parent hash does not match receipt %s", rr.ParentReceiptID)
		}
	}

	for _, b := range t.batches {
		rep.BatchesChecked++
		if !b.Verify() {
			rep.fail(KindBatch, b.BatchID, "merkle root or proofs do not verify")
			continue
		}
		for _, l := range b.Leaves {
			if r, ok := t.receipts[l.ReceiptID]; ok && r.MerkleLeafHash != l.LeafHash {
				rep.fail(KindBatch, b.BatchID, "receipt %s leaf hash differs from sealed leaf", l.ReceiptID)
			}
		}
	}

	t.verifyChainLocked(rep)
	rep.Valid = len(rep.Failures) == 0
	return rep
}

func (t *Trail) verifyChainLocked(rep *IntegrityReport) {
	expectedPrev := GenesisHash
	for i, e := range t.entries {
		rep.EntriesChecked++
		if e.PreviousHash != expectedPrev {
			rep.fail(e.Kind, e.SubjectID, "chain entry %d links to %s, expected %s", i, e.PreviousHash, expectedPrev)
		}
		computed, err := computeEntryHash(e)
		if err != nil || computed != e.EntryHash {
			rep.fail(e.Kind, e.SubjectID, "chain entry %d hash mismatch", i)
		}
		if want, ok := t.sealedHashLocked(e); !ok {
			rep.fail(e.Kind, e.SubjectID, "chain entry %d references a missing object", i)
		} else if want != e.ContentHash {
			rep.fail(e.Kind, e.SubjectID, "chain entry %d content hash differs from stored object", i)
		}
		expectedPrev = e.EntryHash
	}
	if expectedPrev != t.head {
		rep.fail("", "", "chain head %s does not match last entry", t.head)
	}
}

func (t *Trail) sealedHashLocked(e *Entry) (string, bool) {
	switch e.Kind {
	case KindGateReceipt:
		if r, ok := t.receipts[e.SubjectID]; ok {
			return r.ContentHash, true
		}
	case KindReviewReceipt:
		if rr, ok := t.reviews[e.SubjectID]; ok {
			return rr.ContentHash, true
		}
	case KindBatch:
		for _, b := range t.batches {
			if b.BatchID == e.SubjectID {
				return b.Root, true
			}
		}
	}
	return "", false
}
