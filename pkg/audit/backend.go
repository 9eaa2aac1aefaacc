package audit

import (
	"context"

	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
)

// Backend persists the trail. Appends are write-through: the trail only
// accepts an object in memory after the backend has stored it.
type Backend interface {
	AppendReceipt(ctx context.Context, r *receipts.GateReceipt, e *Entry) error
	AppendReview(ctx context.Context, rr *receipts.ReviewReceipt, e *Entry) error
	AppendBatch(ctx context.Context, b *receipts.Batch, e *Entry) error
	Load(ctx context.Context) (*Snapshot, error)
}

// Snapshot is everything a backend holds, in append order.
type Snapshot struct {
	Entries  []*Entry
	Receipts []*receipts.GateReceipt
	Reviews  []*receipts.ReviewReceipt
	Batches  []*receipts.Batch
}
