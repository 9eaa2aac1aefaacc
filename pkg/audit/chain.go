package audit

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/mlgate/pkg/canonicalize"
)

// GenesisHash is the previous hash of the first chain entry.
const GenesisHash = "genesis"

// EntryKind identifies what a chain entry seals.
type EntryKind string

const (
	KindGateReceipt   EntryKind = "gate_receipt"
	KindReviewReceipt EntryKind = "review_receipt"
	KindBatch         EntryKind = "batch"
)

// Entry is one link of the trail's hash chain. ContentHash is the sealed
// object's content hash, or the root for a batch.
type Entry struct {
	Sequence     uint64    `json:"sequence"`
	Kind         EntryKind `json:"kind"`
	SubjectID    string    `json:"subject_id"`
	ContentHash  string    `json:"content_hash"`
	PreviousHash string    `json:"previous_hash"`
	EntryHash    string    `json:"entry_hash"`
	RecordedAt   time.Time `json:"recorded_at"`
}

func computeEntryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Kind         EntryKind `json:"kind"`
		SubjectID    string    `json:"subject_id"`
		ContentHash  string    `json:"content_hash"`
		PreviousHash string    `json:"previous_hash"`
		RecordedAt   string    `json:"recorded_at"`
	}{
		Sequence:     e.Sequence,
		Kind:         e.Kind,
		SubjectID:    e.SubjectID,
		ContentHash:  e.ContentHash,
		PreviousHash: e.PreviousHash,
		RecordedAt:   e.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
	h, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: hash entry %d: %w", e.Sequence, err)
	}
	return "sha256:" + h, nil
}
