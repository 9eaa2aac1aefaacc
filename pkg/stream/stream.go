// Package stream fans sealed receipts out to downstream consumers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
)

// Publisher receives every receipt after it has been committed to the trail.
// Publishing is best effort: the trail stays the system of record.
type Publisher interface {
	PublishReceipt(ctx context.Context, r *receipts.GateReceipt) error
	PublishReview(ctx context.Context, rr *receipts.ReviewReceipt) error
}

// NopPublisher drops everything.
type NopPublisher struct{}

func (NopPublisher) PublishReceipt(context.Context, *receipts.GateReceipt) error  { return nil }
func (NopPublisher) PublishReview(context.Context, *receipts.ReviewReceipt) error { return nil }

const (
	DefaultReceiptStream = "mlgate:receipts"
	DefaultReviewStream  = "mlgate:reviews"
	DefaultMaxLen        = 100_000
)

// RedisPublisher appends receipts to Redis Streams with XADD, trimming each
// stream to roughly MaxLen entries.
type RedisPublisher struct {
	client        redis.Cmdable
	receiptStream string
	reviewStream  string
	maxLen        int64
	logger        *slog.Logger
}

func NewRedisPublisher(client redis.Cmdable) *RedisPublisher {
	return &RedisPublisher{
		client:        client,
		receiptStream: DefaultReceiptStream,
		reviewStream:  DefaultReviewStream,
		maxLen:        DefaultMaxLen,
		logger:        slog.Default().With("component", "stream"),
	}
}

// NewRedisPublisherFromURL parses a redis:// URL.
func NewRedisPublisherFromURL(url string) (*RedisPublisher, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("stream: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisPublisher(client), client, nil
}

func (p *RedisPublisher) WithStreams(receiptStream, reviewStream string) *RedisPublisher {
	if receiptStream != "" {
		p.receiptStream = receiptStream
	}
	if reviewStream != "" {
		p.reviewStream = reviewStream
	}
	return p
}

func (p *RedisPublisher) WithMaxLen(n int64) *RedisPublisher {
	p.maxLen = n
	return p
}

func (p *RedisPublisher) WithLogger(logger *slog.Logger) *RedisPublisher {
	p.logger = logger
	return p
}

func (p *RedisPublisher) PublishReceipt(ctx context.Context, r *receipts.GateReceipt) error {
	values, err := receiptValues(r)
	if err != nil {
		return err
	}
	return p.add(ctx, p.receiptStream, r.ReceiptID, values)
}

func (p *RedisPublisher) PublishReview(ctx context.Context, rr *receipts.ReviewReceipt) error {
	values, err := reviewValues(rr)
	if err != nil {
		return err
	}
	return p.add(ctx, p.reviewStream, rr.ReviewID, values)
}

func (p *RedisPublisher) add(ctx context.Context, stream, id string, values map[string]any) error {
	msgID, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("stream: xadd %s to %s: %w", id, stream, err)
	}
	p.logger.Debug("published", "stream", stream, "id", id, "message_id", msgID)
	return nil
}

// receiptValues flattens the routing fields and embeds the full receipt.
func receiptValues(r *receipts.GateReceipt) (map[string]any, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("stream: encode receipt %s: %w", r.ReceiptID, err)
	}
	return map[string]any{
		"receipt_id":   r.ReceiptID,
		"gate":         r.GateName,
		"stage":        string(r.Stage),
		"status":       string(r.Status),
		"content_hash": r.ContentHash,
		"receipt":      string(body),
	}, nil
}

func reviewValues(rr *receipts.ReviewReceipt) (map[string]any, error) {
	body, err := json.Marshal(rr)
	if err != nil {
		return nil, fmt.Errorf("stream: encode review %s: %w", rr.ReviewID, err)
	}
	return map[string]any{
		"review_id":         rr.ReviewID,
		"parent_receipt_id": rr.ParentReceiptID,
		"reviewer":          rr.ReviewerID,
		"decision":          string(rr.Decision),
		"content_hash":      rr.ContentHash,
		"review":            string(body),
	}, nil
}
