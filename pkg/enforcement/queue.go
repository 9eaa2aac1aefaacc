package enforcement

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
)

// ReviewStatus tracks a review request through its lifecycle.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewApproved  ReviewStatus = "approved"
	ReviewRejected  ReviewStatus = "rejected"
	ReviewEscalated ReviewStatus = "escalated"
	ReviewExpired   ReviewStatus = "expired"
)

var (
	ErrRequestNotFound     = errors.New("enforcement: review request not found")
	ErrRequestNotPending   = errors.New("enforcement: review request is not pending")
	ErrRequestExpired      = errors.New("enforcement: review request expired")
	ErrReviewerNotAssigned = errors.New("enforcement: reviewer is not assigned to this request")
	ErrInvalidResolution   = errors.New("enforcement: invalid review resolution")
)

// ReviewRequest is a pending human review of one gate result.
type ReviewRequest struct {
	RequestID string       `json:"request_id"`
	ReceiptID string       `json:"receipt_id"`
	Stage     gate.Stage   `json:"stage"`
	GateName  string       `json:"gate_name"`
	Reviewers []string     `json:"reviewers,omitempty"`
	Priority  string       `json:"priority,omitempty"`
	Blocking  bool         `json:"blocking"`
	CreatedAt time.Time    `json:"created_at"`
	Deadline  time.Time    `json:"deadline"`
	Status    ReviewStatus `json:"status"`

	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (r *ReviewRequest) clone() *ReviewRequest {
	c := *r
	c.Reviewers = append([]string(nil), r.Reviewers...)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// ReviewQueue holds asynchronous review requests. There is at most one
// request per receipt.
type ReviewQueue struct {
	mu        sync.Mutex
	requests  map[string]*ReviewRequest
	byReceipt map[string]string
	clock     func() time.Time
}

// NewReviewQueue creates an empty queue.
func NewReviewQueue() *ReviewQueue {
	return &ReviewQueue{
		requests:  make(map[string]*ReviewRequest),
		byReceipt: make(map[string]string),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (q *ReviewQueue) WithClock(clock func() time.Time) *ReviewQueue {
	q.clock = clock
	return q
}

// Create opens a review request for result. If one already exists for the
// same receipt it is returned unchanged.
func (q *ReviewQueue) Create(stage gate.Stage, result *gate.Result, reviewers []string, blocking bool, window time.Duration) *ReviewRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	if result.ReceiptID != "" {
		if id, ok := q.byReceipt[result.ReceiptID]; ok {
			return q.requests[id].clone()
		}
	}

	now := q.clock().UTC()
	req := &ReviewRequest{
		RequestID: uuid.New().String(),
		ReceiptID: result.ReceiptID,
		Stage:     stage,
		GateName:  result.GateName,
		Reviewers: append([]string(nil), reviewers...),
		Priority:  result.ReviewPriority,
		Blocking:  blocking,
		CreatedAt: now,
		Deadline:  now.Add(window),
		Status:    ReviewPending,
	}
	q.requests[req.RequestID] = req
	if req.ReceiptID != "" {
		q.byReceipt[req.ReceiptID] = req.RequestID
	}
	return req.clone()
}

// Get returns a request by id.
func (q *ReviewQueue) Get(requestID string) (*ReviewRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[requestID]
	if !ok {
		return nil, false
	}
	return req.clone(), true
}

// ForReceipt returns the request opened for a receipt.
func (q *ReviewQueue) ForReceipt(receiptID string) (*ReviewRequest, bool) {
	q.mu.Lock()
	id, ok := q.byReceipt[receiptID]
	q.mu.Unlock()
	if !ok {
		return nil, false
	}
	return q.Get(id)
}

// Resolve records a reviewer's decision. Requests past their deadline are
// marked expired and cannot be resolved.
func (q *ReviewQueue) Resolve(requestID, reviewerID string, status ReviewStatus) (*ReviewRequest, error) {
	switch status {
	case ReviewApproved, ReviewRejected, ReviewEscalated:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if req.Status != ReviewPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrRequestNotPending, requestID, req.Status)
	}
	if len(req.Reviewers) > 0 && !slices.Contains(req.Reviewers, reviewerID) {
		return nil, fmt.Errorf("%w: %s", ErrReviewerNotAssigned, reviewerID)
	}

	now := q.clock().UTC()
	if now.After(req.Deadline) {
		req.Status = ReviewExpired
		return req.clone(), ErrRequestExpired
	}

	req.Status = status
	req.ResolvedBy = reviewerID
	req.ResolvedAt = &now
	return req.clone(), nil
}

// Reopen returns a resolved request to pending, for when the decision could
// not be recorded. Expired requests stay expired.
func (q *ReviewQueue) Reopen(requestID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	switch req.Status {
	case ReviewApproved, ReviewRejected, ReviewEscalated:
	default:
		return fmt.Errorf("%w: %s is %s", ErrRequestNotPending, requestID, req.Status)
	}
	req.Status = ReviewPending
	req.ResolvedBy = ""
	req.ResolvedAt = nil
	return nil
}

// Expire marks every pending request past its deadline as expired and
// returns them. Expired blocking requests stay denied.
func (q *ReviewQueue) Expire() []*ReviewRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock().UTC()
	var expired []*ReviewRequest
	for _, req := range q.requests {
		if req.Status == ReviewPending && now.After(req.Deadline) {
			req.Status = ReviewExpired
			expired = append(expired, req.clone())
		}
	}
	sortByDeadline(expired)
	return expired
}

// Pending returns open requests, earliest deadline first.
func (q *ReviewQueue) Pending() []*ReviewRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*ReviewRequest
	for _, req := range q.requests {
		if req.Status == ReviewPending {
			out = append(out, req.clone())
		}
	}
	sortByDeadline(out)
	return out
}

func sortByDeadline(reqs []*ReviewRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Deadline.Equal(reqs[j].Deadline) {
			return reqs[i].RequestID < reqs[j].RequestID
		}
		return reqs[i].Deadline.Before(reqs[j].Deadline)
	})
}
