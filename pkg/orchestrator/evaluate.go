package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/policy"
)

// evaluate is the safe wrapper around one gate. It always returns a
// well-formed result owned by the caller.
func (o *Orchestrator) evaluate(ctx context.Context, g gate.Gate, cfg *policy.GateConfiguration, op *gate.OperationContext) *gate.Result {
	name := g.Name()
	start := time.Now()

	var res *gate.Result
	if o.gateTimeout > 0 {
		res = o.evaluateWithDeadline(ctx, g, cfg, op)
	} else {
		res = o.invoke(ctx, g, cfg, op)
	}

	switch {
	case !res.Status.Valid():
		res = gate.Failed(name, fmt.Sprintf("gate returned invalid status %q", res.Status))
	case res.GateName != name:
		res.GateName = name
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = o.clock().UTC()
	}
	res.ExecutionTime = time.Since(start)
	if res.Status == gate.StatusFail && res.Error != "" {
		o.logger.Warn("gate failed", "gate", name, "stage", op.Stage, "error", res.Error)
	}
	return res
}

// evaluateWithDeadline bounds invoke by the gate timeout. An overrunning
// evaluation keeps its goroutine; its late result is discarded.
func (o *Orchestrator) evaluateWithDeadline(ctx context.Context, g gate.Gate, cfg *policy.GateConfiguration, op *gate.OperationContext) *gate.Result {
	ctx, cancel := context.WithTimeout(ctx, o.gateTimeout)
	defer cancel()

	// The evaluation may outlive this call while sequential runs keep
	// writing PreviousResults, so it reads its own copy.
	view := *op
	view.PreviousResults = maps.Clone(op.PreviousResults)

	done := make(chan *gate.Result, 1)
	go func() { done <- o.invoke(ctx, g, cfg, &view) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return gate.Failed(g.Name(), fmt.Sprintf("gate timed out after %s", o.gateTimeout))
		}
		return gate.Failed(g.Name(), "evaluation interrupted: "+ctx.Err().Error())
	}
}

// invoke runs configure, validate and evaluate, converting errors and
// panics into FAIL results.
func (o *Orchestrator) invoke(ctx context.Context, g gate.Gate, cfg *policy.GateConfiguration, op *gate.OperationContext) (res *gate.Result) {
	name := g.Name()
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("gate panicked", "gate", name, "panic", p)
			res = gate.Failed(name, fmt.Sprintf("gate panicked: %v", p))
		}
	}()

	if c, ok := g.(gate.Configurable); ok {
		if err := c.Configure(cfg.Params()); err != nil {
			return gate.Failed(name, "configure: "+err.Error())
		}
	}
	if !g.ValidateContext(op) {
		return gate.Failed(name, "context validation failed")
	}
	out, err := g.Evaluate(ctx, op)
	if err != nil {
		return gate.Failed(name, "evaluate: "+err.Error())
	}
	if out == nil {
		return gate.Failed(name, "gate returned no result")
	}
	return out.Clone()
}
