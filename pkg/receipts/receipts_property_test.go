//go:build property
// +build property

package receipts

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
)

func buildResult(name string, status gate.Status, metrics map[string]float64, refs []string) *gate.Result {
	r := &gate.Result{
		Status:       status,
		GateName:     name,
		Timestamp:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Metrics:      make(map[string]any, len(metrics)),
		EvidenceRefs: append([]string(nil), refs...),
	}
	for k, v := range metrics {
		r.Metrics[k] = v
	}
	return r
}

// Structurally identical results always hash to the same content hash.
func TestContentHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	g := NewGenerator(nil)

	properties.Property("content hash depends only on result structure", prop.ForAll(
		func(name string, statusIdx int, metrics map[string]float64, refs []string) bool {
			status := []gate.Status{gate.StatusPass, gate.StatusWarn, gate.StatusFail, gate.StatusReview}[statusIdx]
			a := buildResult(name, status, metrics, refs)
			b := buildResult(name, status, metrics, refs)
			a.ReceiptID = g.NextReceiptID()
			b.ReceiptID = g.NextReceiptID()

			ra, err := g.CreateGateReceipt(a, gate.StageTraining, "1.0.0")
			if err != nil {
				return false
			}
			rb, err := g.CreateGateReceipt(b, gate.StageTraining, "1.0.0")
			if err != nil {
				return false
			}
			return ra.ContentHash == rb.ContentHash && g.VerifyReceipt(ra) && g.VerifyReceipt(rb)
		},
		gen.AlphaString(),
		gen.IntRange(0, 3),
		gen.MapOf(gen.Identifier(), gen.Float64Range(-1e6, 1e6)),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
	_, _ = g.FinalizeBatch()
}
