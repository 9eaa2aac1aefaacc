package celgate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
)

func newGate(t *testing.T, custom map[string]any, thresholds map[string]float64) *Gate {
	t.Helper()
	g, err := New("accuracy_floor", "minimum accuracy", gate.StageTraining)
	require.NoError(t, err)
	require.NoError(t, g.Configure(gate.Params{Thresholds: thresholds, Custom: custom}))
	return g
}

func op(metrics map[string]float64) *gate.OperationContext {
	o := gate.NewOperationContext(gate.StageTraining, "op-1")
	for k, v := range metrics {
		o.PerformanceMetrics[k] = v
	}
	return o
}

func TestEvaluate_Statuses(t *testing.T) {
	g := newGate(t, map[string]any{
		ParamFailWhen: "metrics.accuracy < thresholds.min_accuracy",
		ParamWarnWhen: []any{"metrics.accuracy < thresholds.min_accuracy + 0.05"},
	}, map[string]float64{"min_accuracy": 0.8})

	tests := []struct {
		name     string
		accuracy float64
		want     gate.Status
	}{
		{"well above", 0.95, gate.StatusPass},
		{"near floor", 0.82, gate.StatusWarn},
		{"below floor", 0.7, gate.StatusFail},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := g.Evaluate(context.Background(), op(map[string]float64{"accuracy": tc.accuracy}))
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Status)
			assert.Equal(t, "accuracy_floor", res.GateName)
			assert.Equal(t, 0.8, res.AppliedThresholds["min_accuracy"])
		})
	}
}

func TestEvaluate_FailCarriesRequiredAction(t *testing.T) {
	g := newGate(t, map[string]any{ParamFailWhen: "metrics.accuracy < 0.5"}, nil)
	res, err := g.Evaluate(context.Background(), op(map[string]float64{"accuracy": 0.4}))
	require.NoError(t, err)
	assert.Equal(t, gate.StatusFail, res.Status)
	assert.Equal(t, []string{"resolve: metrics.accuracy < 0.5"}, res.RequiredActions)
}

func TestEvaluate_Review(t *testing.T) {
	g := newGate(t, map[string]any{
		ParamReviewWhen:     "data.row_count < 1000.0",
		ParamReviewPriority: gate.PriorityCritical,
	}, nil)
	o := op(nil)
	o.DataCharacteristics["row_count"] = 250.0

	res, err := g.Evaluate(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, gate.StatusReview, res.Status)
	assert.Equal(t, gate.PriorityCritical, res.ReviewPriority)
	assert.True(t, res.EscalationRequired)
}

func TestEvaluate_MissingRequiredMetricWarns(t *testing.T) {
	g := newGate(t, map[string]any{
		ParamFailWhen:        "metrics.auc < 0.6",
		ParamRequiredMetrics: []any{"auc", "f1"},
	}, nil)
	res, err := g.Evaluate(context.Background(), op(map[string]float64{"auc": 0.9}))
	require.NoError(t, err)
	assert.Equal(t, gate.StatusWarn, res.Status)
	assert.Equal(t, []string{"f1"}, res.Metrics["missing_metrics"])
}

func TestEvaluate_UnresolvableRuleWarns(t *testing.T) {
	g := newGate(t, map[string]any{ParamFailWhen: "metrics.auc < 0.6"}, nil)
	res, err := g.Evaluate(context.Background(), op(nil))
	require.NoError(t, err)
	assert.Equal(t, gate.StatusWarn, res.Status)
	assert.NotEmpty(t, res.Metrics["unevaluated_rules"])
}

func TestEvaluate_PreviousResults(t *testing.T) {
	g := newGate(t, map[string]any{ParamFailWhen: `"bias_check" in previous && previous["bias_check"] == "FAIL"`}, nil)
	o := op(nil)
	o.PreviousResults["bias_check"] = gate.NewResult("bias_check", gate.StatusFail)

	res, err := g.Evaluate(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, gate.StatusFail, res.Status)
}

func TestConfigure_Errors(t *testing.T) {
	g, err := New("x", "", gate.StageDataset)
	require.NoError(t, err)

	assert.ErrorIs(t, g.Configure(gate.Params{}), ErrNoRules)
	assert.Error(t, g.Configure(gate.Params{Custom: map[string]any{ParamFailWhen: "metrics.accuracy <"}}))
	assert.Error(t, g.Configure(gate.Params{Custom: map[string]any{ParamFailWhen: "metrics.accuracy + 1.0"}}))
	assert.Error(t, g.Configure(gate.Params{Custom: map[string]any{ParamFailWhen: 42}}))

	_, err = g.Evaluate(context.Background(), op(nil))
	assert.ErrorIs(t, err, ErrNoRules)
}

func TestNew_DefaultsToAllStages(t *testing.T) {
	g, err := New("x", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, gate.AllStages(), g.SupportedStages())
	assert.True(t, g.ValidateContext(op(nil)))
	assert.False(t, g.ValidateContext(nil))
}
