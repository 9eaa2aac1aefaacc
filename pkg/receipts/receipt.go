// Package receipts seals gate results into content-addressed, optionally
// signed receipts and batches their leaf hashes into Merkle trees.
package receipts

import (
	"math"
	"time"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/merkle"
)

// GateReceipt is the sealed evidence for one gate result.
//
// ContentHash covers every field except ReceiptID, ContentHash itself, the
// signature fields and the Merkle fields, which are attached when the batch
// is finalized.
type GateReceipt struct {
	ReceiptID      string             `json:"receipt_id"`
	GateName       string             `json:"gate_name"`
	Stage          gate.Stage         `json:"stage"`
	Timestamp      time.Time          `json:"timestamp"`
	Status         gate.Status        `json:"status"`
	PolicyVersion  string             `json:"policy_version"`
	MetricsSummary map[string]float64 `json:"metrics_summary,omitempty"`
	EvidenceRefs   []string           `json:"evidence_refs,omitempty"`
	ResultDigest   string             `json:"result_digest"`

	ContentHash string `json:"content_hash"`
	Signature   string `json:"signature,omitempty"`
	SignerKeyID string `json:"signer_key_id,omitempty"`

	MerkleLeafHash string             `json:"merkle_leaf_hash"`
	MerklePath     []merkle.ProofStep `json:"merkle_path,omitempty"`
	BatchRoot      string             `json:"batch_root,omitempty"`
}

// Clone returns a deep copy.
func (r *GateReceipt) Clone() *GateReceipt {
	if r == nil {
		return nil
	}
	c := *r
	if r.MetricsSummary != nil {
		c.MetricsSummary = make(map[string]float64, len(r.MetricsSummary))
		for k, v := range r.MetricsSummary {
			c.MetricsSummary[k] = v
		}
	}
	c.EvidenceRefs = append([]string(nil), r.EvidenceRefs...)
	c.MerklePath = append([]merkle.ProofStep(nil), r.MerklePath...)
	return &c
}

// content is the hashed view of a receipt. Nil collections are normalised
// to empty so a round trip through storage does not change the hash.
func (r *GateReceipt) content() map[string]any {
	metrics := r.MetricsSummary
	if metrics == nil {
		metrics = map[string]float64{}
	}
	refs := r.EvidenceRefs
	if refs == nil {
		refs = []string{}
	}
	return map[string]any{
		"gate_name":       r.GateName,
		"stage":           string(r.Stage),
		"timestamp":       r.Timestamp.UTC().Format(time.RFC3339Nano),
		"status":          string(r.Status),
		"policy_version":  r.PolicyVersion,
		"metrics_summary": metrics,
		"evidence_refs":   refs,
		"result_digest":   r.ResultDigest,
	}
}

// ReviewDecision is a human reviewer's verdict.
type ReviewDecision string

const (
	DecisionApprove  ReviewDecision = "approve"
	DecisionReject   ReviewDecision = "reject"
	DecisionEscalate ReviewDecision = "escalate"
)

func (d ReviewDecision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject || d == DecisionEscalate
}

// ReviewReceipt records a human decision on a gate receipt. It embeds the
// parent's content hash, so later changes to the parent cannot alter it.
type ReviewReceipt struct {
	ReviewID          string         `json:"review_id"`
	ParentReceiptID   string         `json:"parent_receipt_id"`
	ParentReceiptHash string         `json:"parent_receipt_hash"`
	ReviewerID        string         `json:"reviewer_id"`
	Timestamp         time.Time      `json:"timestamp"`
	Decision          ReviewDecision `json:"decision"`
	Rationale         string         `json:"rationale"`
	Conditions        []string       `json:"conditions,omitempty"`

	ContentHash string `json:"content_hash"`
	Signature   string `json:"signature,omitempty"`
}

func (r *ReviewReceipt) Clone() *ReviewReceipt {
	if r == nil {
		return nil
	}
	c := *r
	c.Conditions = append([]string(nil), r.Conditions...)
	return &c
}

func (r *ReviewReceipt) content() map[string]any {
	conditions := r.Conditions
	if conditions == nil {
		conditions = []string{}
	}
	return map[string]any{
		"review_id":           r.ReviewID,
		"parent_receipt_id":   r.ParentReceiptID,
		"parent_receipt_hash": r.ParentReceiptHash,
		"reviewer_id":         r.ReviewerID,
		"timestamp":           r.Timestamp.UTC().Format(time.RFC3339Nano),
		"decision":            string(r.Decision),
		"rationale":           r.Rationale,
		"conditions":          conditions,
	}
}

// summarizeMetrics keeps the finite numeric metrics of a result.
func summarizeMetrics(metrics map[string]any) map[string]float64 {
	if len(metrics) == 0 {
		return nil
	}
	out := make(map[string]float64)
	for k, v := range metrics {
		f, ok := gate.ToFloat(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		out[k] = f
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
