package gate

import (
	"time"
)

// Status is the outcome class of one gate evaluation.
type Status string

const (
	StatusPass   Status = "PASS"
	StatusWarn   Status = "WARN"
	StatusFail   Status = "FAIL"
	StatusReview Status = "REVIEW"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPass, StatusWarn, StatusFail, StatusReview:
		return true
	}
	return false
}

// PriorityCritical marks REVIEW results that must block until a human decides.
const PriorityCritical = "critical"

// Result is the output of one gate evaluation. It is immutable once the
// orchestrator has sealed it; EvidenceHash, Signature and MerklePath are
// attached by the receipt generator.
type Result struct {
	Status    Status    `json:"status"`
	GateName  string    `json:"gate_name"`
	Timestamp time.Time `json:"timestamp"`

	Metrics             map[string]any     `json:"metrics,omitempty"`
	EvidenceRefs        []string           `json:"evidence_refs,omitempty"`
	PolicyVersion       string             `json:"policy_version,omitempty"`
	AppliedThresholds   map[string]float64 `json:"applied_thresholds,omitempty"`
	RegulatoryAlignment map[string]any     `json:"regulatory_alignment,omitempty"`
	Recommendations     []string           `json:"recommendations,omitempty"`
	RequiredActions     []string           `json:"required_actions,omitempty"`

	EscalationRequired bool       `json:"escalation_required"`
	ReviewerRequired   bool       `json:"reviewer_required"`
	ReviewDeadline     *time.Time `json:"review_deadline,omitempty"`
	ReviewPriority     string     `json:"review_priority,omitempty"`

	ExecutionTime time.Duration `json:"execution_time"`
	Error         string        `json:"error,omitempty"`

	// Assigned by the orchestrator before enforcement.
	ReceiptID string `json:"receipt_id,omitempty"`

	// Cryptographic fields, filled in by the receipt generator.
	EvidenceHash string   `json:"evidence_hash,omitempty"`
	Signature    string   `json:"signature,omitempty"`
	MerklePath   []string `json:"merkle_path,omitempty"`
}

// NewResult starts a result for gateName with the given status.
func NewResult(gateName string, status Status) *Result {
	return &Result{
		Status:    status,
		GateName:  gateName,
		Timestamp: time.Now().UTC(),
		Metrics:   make(map[string]any),
	}
}

// Failed synthesizes a FAIL result carrying msg as its error.
func Failed(gateName, msg string) *Result {
	r := NewResult(gateName, StatusFail)
	r.Error = msg
	return r
}

// Clone returns a copy safe to hand to another goroutine.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Metrics = cloneAnyMap(r.Metrics)
	c.RegulatoryAlignment = cloneAnyMap(r.RegulatoryAlignment)
	if r.AppliedThresholds != nil {
		c.AppliedThresholds = make(map[string]float64, len(r.AppliedThresholds))
		for k, v := range r.AppliedThresholds {
			c.AppliedThresholds[k] = v
		}
	}
	c.EvidenceRefs = append([]string(nil), r.EvidenceRefs...)
	c.Recommendations = append([]string(nil), r.Recommendations...)
	c.RequiredActions = append([]string(nil), r.RequiredActions...)
	c.MerklePath = append([]string(nil), r.MerklePath...)
	if r.ReviewDeadline != nil {
		d := *r.ReviewDeadline
		c.ReviewDeadline = &d
	}
	return &c
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
