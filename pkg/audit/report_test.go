package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
)

func TestExportAuditReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.receipt(t, "bias", gate.StageTraining, gate.StatusPass, baseTime, "s3://ev/a")
	review := f.receipt(t, "fairness", gate.StageTraining, gate.StatusReview, baseTime.Add(time.Minute), "s3://ev/b", "s3://ev/a")
	f.receipt(t, "drift", gate.StageInference, gate.StatusFail, baseTime.Add(2*time.Minute))
	f.receipt(t, "latency", gate.StageInference, gate.StatusWarn, baseTime.Add(3*time.Minute))
	f.receipt(t, "late", gate.StageInference, gate.StatusPass, baseTime.Add(time.Hour))

	f.now = baseTime.Add(90 * time.Second)
	rr, err := f.gen.CreateReviewReceipt(review, "alice", receipts.DecisionApprove, "accepted", []string{"retrain in Q3"})
	require.NoError(t, err)
	require.NoError(t, f.trail.AppendReview(ctx, rr))

	rep, err := f.trail.ExportAuditReport(baseTime, baseTime.Add(10*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 4, rep.TotalEvaluations)
	assert.Equal(t, 1, rep.TotalReviews)
	assert.InDelta(t, 0.25, rep.PassRate, 1e-9)
	assert.InDelta(t, 0.25, rep.FailRate, 1e-9)
	assert.InDelta(t, 0.25, rep.ReviewRate, 1e-9)
	assert.InDelta(t, 0.25, rep.WarnRate, 1e-9)
	assert.Equal(t, 2, rep.StageCounts[gate.StageInference])
	assert.Equal(t, []string{"s3://ev/a", "s3://ev/b"}, rep.EvidenceRefs)
	assert.Equal(t, []string{"1.0.0"}, rep.PolicyVersions)
	assert.True(t, rep.IntegrityVerified)
	assert.Equal(t, f.trail.ChainHead(), rep.ChainHead)

	require.Len(t, rep.Timeline, 5)
	kinds := make([]TimelineKind, len(rep.Timeline))
	for i, ev := range rep.Timeline {
		kinds[i] = ev.Kind
		if i > 0 {
			assert.False(t, ev.Timestamp.Before(rep.Timeline[i-1].Timestamp), "timeline is chronological")
		}
	}
	assert.Equal(t, []TimelineKind{
		TimelineGateEvaluation, TimelineGateEvaluation, TimelineHumanReview,
		TimelineGateEvaluation, TimelineGateEvaluation,
	}, kinds)
	assert.Equal(t, "alice", rep.Timeline[2].ReviewerID)
}

func TestExportAuditReport_OpenRangeAndEmpty(t *testing.T) {
	f := newFixture(t)

	rep, err := f.trail.ExportAuditReport(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, rep.TotalEvaluations)
	assert.Zero(t, rep.PassRate)
	assert.Empty(t, rep.EvidenceRefs)

	f.receipt(t, "bias", gate.StageTraining, gate.StatusPass, baseTime)
	rep, err = f.trail.ExportAuditReport(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.TotalEvaluations)
	assert.Equal(t, 1.0, rep.PassRate)

	_, err = f.trail.ExportAuditReport(baseTime, baseTime.Add(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidTimeRange)
}

func TestReportPack(t *testing.T) {
	f := newFixture(t)
	f.receipt(t, "bias", gate.StageTraining, gate.StatusFail, baseTime, "s3://ev/a")
	rep, err := f.trail.ExportAuditReport(time.Time{}, time.Time{})
	require.NoError(t, err)

	data, checksum, err := rep.Pack()
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), checksum)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	contents := make(map[string][]byte)
	for _, file := range zr.File {
		rc, err := file.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		contents[file.Name] = b
	}
	for _, name := range []string{"report.json", "receipts.json", "reviews.json", "timeline.json", "manifest.json", "README.txt"} {
		assert.Contains(t, contents, name)
	}

	var manifest struct {
		ReportID string            `json:"report_id"`
		Files    map[string]string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(contents["manifest.json"], &manifest))
	assert.Equal(t, rep.ReportID, manifest.ReportID)
	receiptsSum := sha256.Sum256(contents["receipts.json"])
	assert.Equal(t, hex.EncodeToString(receiptsSum[:]), manifest.Files["receipts.json"])

	var packed []*receipts.GateReceipt
	require.NoError(t, json.Unmarshal(contents["receipts.json"], &packed))
	require.Len(t, packed, 1)
	assert.True(t, f.gen.VerifyReceipt(packed[0]), "exported receipts remain verifiable")
}
