// Package enforcement adjudicates gate results against their policy
// configuration and decides whether an operation may proceed.
package enforcement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/policy"
)

// Decision is the terminal verdict for one result.
type Decision string

const (
	Proceed Decision = "proceed"
	Deny    Decision = "deny"
)

// Outcome is what the Enforcer decided for one result and why.
type Outcome struct {
	Decision      Decision       `json:"decision"`
	Reason        string         `json:"reason"`
	Notifications []Notification `json:"notifications,omitempty"`
	Review        *ReviewRequest `json:"review,omitempty"`
}

func (o Outcome) Proceed() bool { return o.Decision == Proceed }

// EscalationHandler decides a FAIL result whose action is escalate. An error
// is treated as deny.
type EscalationHandler func(ctx context.Context, stage gate.Stage, result *gate.Result, cfg *policy.GateConfiguration) (Decision, error)

// ImmediateReviewer is a synchronous reviewer channel for REVIEW results
// with required reviewers. Without one those results are denied pending
// asynchronous review.
type ImmediateReviewer interface {
	Review(ctx context.Context, stage gate.Stage, result *gate.Result, reviewers []string) (Decision, error)
}

// EscalationKey returns the handler key for a stage.
func EscalationKey(stage gate.Stage) string {
	return string(stage) + "_failure"
}

const maxMemoized = 8192

// Enforcer implements the PASS/WARN/FAIL/REVIEW decision state machine.
// Outcomes are memoised by receipt id so a result enforced twice does not
// notify or escalate twice.
type Enforcer struct {
	mu       sync.RWMutex
	handlers map[string]EscalationHandler
	reviewer ImmediateReviewer

	queue    *ReviewQueue
	notifier Notifier
	logger   *slog.Logger
	clock    func() time.Time

	memoMu    sync.Mutex
	memo      map[string]Outcome
	memoOrder []string
}

// NewEnforcer creates an enforcer. A nil queue or notifier is replaced by
// an in-memory queue and a log notifier.
func NewEnforcer(queue *ReviewQueue, notifier Notifier) *Enforcer {
	logger := slog.Default().With("component", "enforcer")
	if queue == nil {
		queue = NewReviewQueue()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Enforcer{
		handlers: make(map[string]EscalationHandler),
		queue:    queue,
		notifier: notifier,
		logger:   logger,
		clock:    time.Now,
		memo:     make(map[string]Outcome),
	}
}

// WithLogger overrides the logger.
func (e *Enforcer) WithLogger(logger *slog.Logger) *Enforcer {
	e.logger = logger
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Enforcer) WithClock(clock func() time.Time) *Enforcer {
	e.clock = clock
	return e
}

// WithImmediateReviewer wires a synchronous reviewer channel.
func (e *Enforcer) WithImmediateReviewer(r ImmediateReviewer) *Enforcer {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reviewer = r
	return e
}

// RegisterEscalationHandler installs the handler for FAIL results at stage.
func (e *Enforcer) RegisterEscalationHandler(stage gate.Stage, h EscalationHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[EscalationKey(stage)] = h
}

// Queue exposes the review queue.
func (e *Enforcer) Queue() *ReviewQueue { return e.queue }

// Enforce decides whether the operation may proceed given result and its
// configuration. A nil cfg is treated as block with no reviewers.
func (e *Enforcer) Enforce(ctx context.Context, stage gate.Stage, level policy.EnforcementLevel, result *gate.Result, cfg *policy.GateConfiguration) Outcome {
	if result == nil {
		return Outcome{Decision: Deny, Reason: "no result to enforce"}
	}
	if result.ReceiptID != "" {
		e.memoMu.Lock()
		o, ok := e.memo[result.ReceiptID]
		e.memoMu.Unlock()
		if ok {
			return o
		}
	}

	if cfg == nil {
		cfg = &policy.GateConfiguration{Enabled: true, EnforcementAction: policy.ActionBlock}
	}

	n := noter{stage: stage, result: result, now: e.clock().UTC()}
	o := e.decide(ctx, stage, level, result, cfg, &n)
	if level == policy.LevelAdvisory && o.Decision == Deny && !n.failClosed {
		n.add(NotifyAdvisoryOverride, fmt.Sprintf("advisory override: %s", o.Reason))
		o.Decision = Proceed
		o.Reason = "advisory: " + o.Reason
	}
	o.Notifications = n.list

	if result.ReceiptID != "" {
		e.memoMu.Lock()
		if prior, ok := e.memo[result.ReceiptID]; ok {
			e.memoMu.Unlock()
			return prior
		}
		e.remember(result.ReceiptID, o)
		e.memoMu.Unlock()
	}

	for _, note := range o.Notifications {
		if err := e.notifier.Notify(ctx, note); err != nil {
			e.logger.Warn("notification failed", "kind", note.Kind, "gate", note.GateName, "error", err)
		}
	}
	return o
}

func (e *Enforcer) remember(id string, o Outcome) {
	if len(e.memoOrder) >= maxMemoized {
		delete(e.memo, e.memoOrder[0])
		e.memoOrder = e.memoOrder[1:]
	}
	e.memo[id] = o
	e.memoOrder = append(e.memoOrder, id)
}

func (e *Enforcer) decide(ctx context.Context, stage gate.Stage, level policy.EnforcementLevel, result *gate.Result, cfg *policy.GateConfiguration, n *noter) Outcome {
	switch result.Status {
	case gate.StatusPass:
		return Outcome{Decision: Proceed, Reason: "gate passed"}

	case gate.StatusWarn:
		n.add(NotifyWarning, fmt.Sprintf("gate %s returned WARN", result.GateName))
		return Outcome{Decision: Proceed, Reason: "warning only"}

	case gate.StatusFail:
		return e.decideFailure(ctx, stage, level, result, cfg, n)

	case gate.StatusReview:
		return e.decideReview(ctx, stage, result, cfg, n)

	default:
		n.add(NotifyBlocked, fmt.Sprintf("gate %s returned unknown status %q", result.GateName, result.Status))
		return Outcome{Decision: Deny, Reason: "unknown result status"}
	}
}

func (e *Enforcer) decideFailure(ctx context.Context, stage gate.Stage, level policy.EnforcementLevel, result *gate.Result, cfg *policy.GateConfiguration, n *noter) Outcome {
	action := cfg.EnforcementAction
	if level == policy.LevelPermissive && action == policy.ActionBlock {
		action = policy.ActionEscalate
	}

	switch action {
	case policy.ActionBlock:
		n.add(NotifyBlocked, fmt.Sprintf("gate %s failed; operation blocked", result.GateName))
		return Outcome{Decision: Deny, Reason: "gate failed with block action"}

	case policy.ActionWarn:
		n.add(NotifyFailureDowngraded, fmt.Sprintf("gate %s failure downgraded to warning", result.GateName))
		return Outcome{Decision: Proceed, Reason: "failure downgraded to warning"}

	case policy.ActionEscalate:
		e.mu.RLock()
		h := e.handlers[EscalationKey(stage)]
		e.mu.RUnlock()
		if h == nil {
			n.failClosed = true
			n.add(NotifyEscalated, fmt.Sprintf("gate %s failed and no %s handler is registered", result.GateName, EscalationKey(stage)))
			return Outcome{Decision: Deny, Reason: "no escalation handler registered"}
		}
		d, err := h(ctx, stage, result, cfg)
		if err != nil {
			n.failClosed = true
			n.add(NotifyEscalated, fmt.Sprintf("escalation handler for gate %s failed: %v", result.GateName, err))
			return Outcome{Decision: Deny, Reason: "escalation handler error"}
		}
		if d != Proceed {
			d = Deny
		}
		n.add(NotifyEscalated, fmt.Sprintf("gate %s escalated; handler decided %s", result.GateName, d))
		return Outcome{Decision: d, Reason: "escalation handler decided " + string(d)}

	default:
		n.add(NotifyBlocked, fmt.Sprintf("gate %s failed with unknown action %q", result.GateName, action))
		return Outcome{Decision: Deny, Reason: "unknown enforcement action"}
	}
}

func (e *Enforcer) decideReview(ctx context.Context, stage gate.Stage, result *gate.Result, cfg *policy.GateConfiguration, n *noter) Outcome {
	window := cfg.EscalationWindow()
	if window <= 0 {
		window = time.Duration(policy.DefaultEscalationWindowHours * float64(time.Hour))
	}

	if len(cfg.RequiredReviewers) > 0 {
		e.mu.RLock()
		reviewer := e.reviewer
		e.mu.RUnlock()
		if reviewer != nil {
			d, err := reviewer.Review(ctx, stage, result, cfg.RequiredReviewers)
			if err == nil && d == Proceed {
				return Outcome{Decision: Proceed, Reason: "approved by immediate review"}
			}
			if err != nil {
				e.logger.Warn("immediate review failed", "gate", result.GateName, "error", err)
			}
			return Outcome{Decision: Deny, Reason: "denied by immediate review"}
		}
		req := e.queue.Create(stage, result, cfg.RequiredReviewers, true, window)
		n.add(NotifyReviewRequested, fmt.Sprintf("gate %s requires review by %v before %s", result.GateName, cfg.RequiredReviewers, req.Deadline.Format(time.RFC3339)))
		return Outcome{Decision: Deny, Reason: "awaiting required reviewers", Review: req}
	}

	critical := result.ReviewPriority == gate.PriorityCritical
	req := e.queue.Create(stage, result, nil, critical, window)
	n.add(NotifyReviewRequested, fmt.Sprintf("gate %s queued for review before %s", result.GateName, req.Deadline.Format(time.RFC3339)))
	if critical {
		return Outcome{Decision: Deny, Reason: "critical review pending", Review: req}
	}
	return Outcome{Decision: Proceed, Reason: "review pending", Review: req}
}

// noter accumulates notifications for one enforcement call.
type noter struct {
	stage  gate.Stage
	result *gate.Result
	now    time.Time
	list   []Notification

	// failClosed marks denials no enforcement level may relax.
	failClosed bool
}

func (n *noter) add(kind NotificationKind, msg string) {
	n.list = append(n.list, Notification{
		Kind:      kind,
		Stage:     n.stage,
		GateName:  n.result.GateName,
		ReceiptID: n.result.ReceiptID,
		Message:   msg,
		Timestamp: n.now,
	})
}
