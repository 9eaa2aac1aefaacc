package enforcement

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
)

// NotificationKind classifies enforcement side effects.
type NotificationKind string

const (
	NotifyWarning           NotificationKind = "warning"
	NotifyBlocked           NotificationKind = "blocked"
	NotifyFailureDowngraded NotificationKind = "failure_downgraded"
	NotifyEscalated         NotificationKind = "escalated"
	NotifyReviewRequested   NotificationKind = "review_requested"
	NotifyAdvisoryOverride  NotificationKind = "advisory_override"
)

// Notification is emitted by the Enforcer for operators and reviewers.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	Stage     gate.Stage       `json:"stage"`
	GateName  string           `json:"gate_name"`
	ReceiptID string           `json:"receipt_id,omitempty"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) Notify(ctx context.Context, note Notification) error {
	level := slog.LevelInfo
	switch note.Kind {
	case NotifyWarning, NotifyFailureDowngraded, NotifyAdvisoryOverride:
		level = slog.LevelWarn
	case NotifyBlocked, NotifyEscalated:
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, note.Message,
		"kind", note.Kind,
		"stage", note.Stage,
		"gate", note.GateName,
		"receipt_id", note.ReceiptID,
	)
	return nil
}

// MultiNotifier fans a notification out to every notifier.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrNotificationDropped is returned when the rate limit discards a notification.
var ErrNotificationDropped = errors.New("enforcement: notification dropped by rate limit")

// RateLimitedNotifier protects downstream channels from bursts, such as a
// stage with many failing gates. Excess notifications are dropped, not queued.
type RateLimitedNotifier struct {
	next    Notifier
	limiter *rate.Limiter
	dropped atomic.Int64
}

func NewRateLimitedNotifier(next Notifier, r rate.Limit, burst int) *RateLimitedNotifier {
	return &RateLimitedNotifier{
		next:    next,
		limiter: rate.NewLimiter(r, burst),
	}
}

func (n *RateLimitedNotifier) Notify(ctx context.Context, note Notification) error {
	if !n.limiter.Allow() {
		n.dropped.Add(1)
		return ErrNotificationDropped
	}
	return n.next.Notify(ctx, note)
}

// Dropped returns how many notifications have been discarded.
func (n *RateLimitedNotifier) Dropped() int64 {
	return n.dropped.Load()
}
