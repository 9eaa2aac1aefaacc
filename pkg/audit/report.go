package audit

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
)

// TimelineKind distinguishes automated evaluations from human reviews.
type TimelineKind string

const (
	TimelineGateEvaluation TimelineKind = "gate_evaluation"
	TimelineHumanReview    TimelineKind = "human_review"
)

// TimelineEvent is one row of a report's chronological timeline.
type TimelineEvent struct {
	Timestamp time.Time    `json:"timestamp"`
	Kind      TimelineKind `json:"kind"`
	ID        string       `json:"id"`

	GateName      string      `json:"gate_name,omitempty"`
	Stage         gate.Stage  `json:"stage,omitempty"`
	Status        gate.Status `json:"status,omitempty"`
	PolicyVersion string      `json:"policy_version,omitempty"`

	ParentReceiptID string                  `json:"parent_receipt_id,omitempty"`
	ReviewerID      string                  `json:"reviewer_id,omitempty"`
	Decision        receipts.ReviewDecision `json:"decision,omitempty"`
	Rationale       string                  `json:"rationale,omitempty"`
}

// Report is the regulator-facing export of a time range.
type Report struct {
	ReportID    string    `json:"report_id"`
	GeneratedAt time.Time `json:"generated_at"`
	PeriodStart time.Time `json:"period_start,omitempty"`
	PeriodEnd   time.Time `json:"period_end,omitempty"`

	TotalEvaluations int                 `json:"total_evaluations"`
	TotalReviews     int                 `json:"total_reviews"`
	StatusCounts     map[gate.Status]int `json:"status_counts"`
	StageCounts      map[gate.Stage]int  `json:"stage_counts"`
	PassRate         float64             `json:"pass_rate"`
	WarnRate         float64             `json:"warn_rate"`
	FailRate         float64             `json:"fail_rate"`
	ReviewRate       float64             `json:"review_rate"`

	EvidenceRefs   []string `json:"evidence_refs"`
	PolicyVersions []string `json:"policy_versions"`

	Timeline []TimelineEvent           `json:"timeline"`
	Receipts []*receipts.GateReceipt   `json:"receipts"`
	Reviews  []*receipts.ReviewReceipt `json:"reviews"`

	ChainHead         string           `json:"chain_head"`
	IntegrityVerified bool             `json:"integrity_verified"`
	Integrity         *IntegrityReport `json:"integrity,omitempty"`
}

// ExportAuditReport builds a report over receipts and reviews whose
// timestamps fall within [start, end]. A zero bound is open.
func (t *Trail) ExportAuditReport(start, end time.Time) (*Report, error) {
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return nil, ErrInvalidTimeRange
	}
	var startPtr, endPtr *time.Time
	if !start.IsZero() {
		startPtr = &start
	}
	if !end.IsZero() {
		endPtr = &end
	}

	integrity := t.Verify()
	rs := t.Receipts(Query{Start: startPtr, End: endPtr})

	t.mu.RLock()
	reviews := make([]*receipts.ReviewReceipt, 0)
	for _, id := range t.reviewOrder {
		rr := t.reviews[id]
		if inRange(rr.Timestamp, startPtr, endPtr) {
			reviews = append(reviews, rr.Clone())
		}
	}
	head := t.head
	t.mu.RUnlock()

	rep := &Report{
		ReportID:          uuid.NewString(),
		GeneratedAt:       t.clock().UTC(),
		PeriodStart:       start,
		PeriodEnd:         end,
		TotalEvaluations:  len(rs),
		TotalReviews:      len(reviews),
		StatusCounts:      make(map[gate.Status]int),
		StageCounts:       make(map[gate.Stage]int),
		Timeline:          make([]TimelineEvent, 0, len(rs)),
		Receipts:          rs,
		Reviews:           reviews,
		ChainHead:         head,
		IntegrityVerified: integrity.Valid,
		Integrity:         integrity,
	}

	refs := make(map[string]struct{})
	versions := make(map[string]struct{})
	for _, r := range rs {
		rep.StatusCounts[r.Status]++
		rep.StageCounts[r.Stage]++
		for _, ref := range r.EvidenceRefs {
			refs[ref] = struct{}{}
		}
		if r.PolicyVersion != "" {
			versions[r.PolicyVersion] = struct{}{}
		}
		rep.Timeline = append(rep.Timeline, TimelineEvent{
			Timestamp:     r.Timestamp,
			Kind:          TimelineGateEvaluation,
			ID:            r.ReceiptID,
			GateName:      r.GateName,
			Stage:         r.Stage,
			Status:        r.Status,
			PolicyVersion: r.PolicyVersion,
		})
	}
	for _, rr := range reviews {
		rep.Timeline = append(rep.Timeline, TimelineEvent{
			Timestamp:       rr.Timestamp,
			Kind:            TimelineHumanReview,
			ID:              rr.ReviewID,
			ParentReceiptID: rr.ParentReceiptID,
			ReviewerID:      rr.ReviewerID,
			Decision:        rr.Decision,
			Rationale:       rr.Rationale,
		})
	}
	sort.SliceStable(rep.Timeline, func(i, j int) bool {
		return rep.Timeline[i].Timestamp.Before(rep.Timeline[j].Timestamp)
	})

	if n := float64(rep.TotalEvaluations); n > 0 {
		rep.PassRate = float64(rep.StatusCounts[gate.StatusPass]) / n
		rep.WarnRate = float64(rep.StatusCounts[gate.StatusWarn]) / n
		rep.FailRate = float64(rep.StatusCounts[gate.StatusFail]) / n
		rep.ReviewRate = float64(rep.StatusCounts[gate.StatusReview]) / n
	}
	rep.EvidenceRefs = sortedKeys(refs)
	rep.PolicyVersions = sortedKeys(versions)
	return rep, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Pack zips the report with a manifest of per-file checksums and returns
// the archive together with its own SHA-256 checksum.
func (r *Report) Pack() ([]byte, string, error) {
	files := []struct {
		name string
		v    any
	}{
		{"report.json", r},
		{"receipts.json", r.Receipts},
		{"reviews.json", r.Reviews},
		{"timeline.json", r.Timeline},
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	checksums := make(map[string]string, len(files))

	for _, f := range files {
		data, err := json.MarshalIndent(f.v, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("audit: marshal %s: %w", f.name, err)
		}
		sum := sha256.Sum256(data)
		checksums[f.name] = hex.EncodeToString(sum[:])
		if err := writeZipFile(w, f.name, data); err != nil {
			return nil, "", err
		}
	}

	manifest := map[string]any{
		"report_id":          r.ReportID,
		"generated_at":       r.GeneratedAt,
		"period":             map[string]any{"start": r.PeriodStart, "end": r.PeriodEnd},
		"total_evaluations":  r.TotalEvaluations,
		"total_reviews":      r.TotalReviews,
		"chain_head":         r.ChainHead,
		"integrity_verified": r.IntegrityVerified,
		"files":              checksums,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}
	if err := writeZipFile(w, "manifest.json", manifestJSON); err != nil {
		return nil, "", err
	}
	readme := fmt.Sprintf("Gate audit report %s\nGenerated at %s\nEvaluations: %d, reviews: %d\n",
		r.ReportID, r.GeneratedAt.Format(time.RFC3339), r.TotalEvaluations, r.TotalReviews)
	if err := writeZipFile(w, "README.txt", []byte(readme)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("audit: close pack: %w", err)
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}

func writeZipFile(w *zip.Writer, name string, data []byte) error {
	f, err := w.Create(name)
	if err != nil {
		return fmt.Errorf("audit: create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("audit: write %s: %w", name, err)
	}
	return nil
}
