package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// GateInstruments are the metrics recorded per stage run.
type GateInstruments struct {
	evaluations metric.Int64Counter
	duration    metric.Float64Histogram
	decisions   metric.Int64Counter
	receipts    metric.Int64Counter
}

func NewGateInstruments(meter metric.Meter) (*GateInstruments, error) {
	var (
		in  GateInstruments
		err error
	)
	if in.evaluations, err = meter.Int64Counter("mlgate.gate.evaluations",
		metric.WithDescription("Gate evaluations by stage, gate and status"),
		metric.WithUnit("{evaluation}"),
	); err != nil {
		return nil, fmt.Errorf("observability: evaluations counter: %w", err)
	}
	if in.duration, err = meter.Float64Histogram("mlgate.gate.duration",
		metric.WithDescription("Gate evaluation wall time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	); err != nil {
		return nil, fmt.Errorf("observability: duration histogram: %w", err)
	}
	if in.decisions, err = meter.Int64Counter("mlgate.enforcement.decisions",
		metric.WithDescription("Enforcement decisions by stage and outcome"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, fmt.Errorf("observability: decisions counter: %w", err)
	}
	if in.receipts, err = meter.Int64Counter("mlgate.receipts.sealed",
		metric.WithDescription("Gate receipts sealed into the audit trail"),
		metric.WithUnit("{receipt}"),
	); err != nil {
		return nil, fmt.Errorf("observability: receipts counter: %w", err)
	}
	return &in, nil
}

func (in *GateInstruments) RecordEvaluation(ctx context.Context, stage, gateName, status string, d time.Duration) {
	attrs := metric.WithAttributes(AttrStage.String(stage), AttrGate.String(gateName), AttrStatus.String(status))
	in.evaluations.Add(ctx, 1, attrs)
	in.duration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrStage.String(stage), AttrGate.String(gateName)))
}

func (in *GateInstruments) RecordDecision(ctx context.Context, stage, decision string) {
	in.decisions.Add(ctx, 1, metric.WithAttributes(AttrStage.String(stage), AttrDecision.String(decision)))
}

func (in *GateInstruments) RecordReceipt(ctx context.Context, stage string) {
	in.receipts.Add(ctx, 1, metric.WithAttributes(AttrStage.String(stage)))
}
