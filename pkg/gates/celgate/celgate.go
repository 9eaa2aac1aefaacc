// Package celgate is a gate whose verdict is written as CEL expressions in
// the policy document.
//
// A gate configuration such as
//
//	custom_parameters:
//	  fail_when: "metrics.accuracy < thresholds.min_accuracy"
//	  warn_when: ["metrics.accuracy < thresholds.min_accuracy + 0.02"]
//	  review_when: "data.row_count < 1000.0"
//	  required_metrics: [accuracy]
//
// is evaluated against the variables metrics, thresholds, data, custom,
// previous (status by gate name) and stage. Rules are checked fail first,
// then review, then warn. An expression that cannot be evaluated because an
// input is missing yields WARN rather than FAIL.
package celgate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
)

const (
	ParamFailWhen        = "fail_when"
	ParamWarnWhen        = "warn_when"
	ParamReviewWhen      = "review_when"
	ParamRequiredMetrics = "required_metrics"
	ParamReviewPriority  = "review_priority"

	// Cost ceiling per expression evaluation.
	costLimit = 10_000
)

var ErrNoRules = errors.New("celgate: at least one of fail_when, warn_when or review_when is required")

type rule struct {
	expr string
	prg  cel.Program
}

// Gate evaluates configured CEL rules.
type Gate struct {
	gate.Info

	env *cel.Env

	mu              sync.RWMutex
	fail            []rule
	warn            []rule
	review          []rule
	thresholds      map[string]float64
	requiredMetrics []string
	reviewPriority  string
}

var _ gate.Configurable = (*Gate)(nil)

// New returns an unconfigured gate. It must be configured before use.
func New(name, description string, stages ...gate.Stage) (*Gate, error) {
	if len(stages) == 0 {
		stages = gate.AllStages()
	}
	env, err := cel.NewEnv(
		cel.Variable("metrics", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("thresholds", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("custom", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("previous", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("stage", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("celgate: environment: %w", err)
	}
	return &Gate{
		Info: gate.Info{
			GateName:        name,
			GateDescription: description,
			GateVersion:     "1.0.0",
			Stages:          stages,
		},
		env: env,
	}, nil
}

// Configure compiles the rules in params.Custom.
func (g *Gate) Configure(params gate.Params) error {
	fail, err := g.compileAll(params.Custom[ParamFailWhen])
	if err != nil {
		return fmt.Errorf("celgate: %s: %w", ParamFailWhen, err)
	}
	warn, err := g.compileAll(params.Custom[ParamWarnWhen])
	if err != nil {
		return fmt.Errorf("celgate: %s: %w", ParamWarnWhen, err)
	}
	review, err := g.compileAll(params.Custom[ParamReviewWhen])
	if err != nil {
		return fmt.Errorf("celgate: %s: %w", ParamReviewWhen, err)
	}
	if len(fail)+len(warn)+len(review) == 0 {
		return ErrNoRules
	}
	required, err := stringList(params.Custom[ParamRequiredMetrics])
	if err != nil {
		return fmt.Errorf("celgate: %s: %w", ParamRequiredMetrics, err)
	}
	priority, _ := params.Custom[ParamReviewPriority].(string)

	thresholds := make(map[string]float64, len(params.Thresholds))
	for k, v := range params.Thresholds {
		thresholds[k] = v
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail, g.warn, g.review = fail, warn, review
	g.thresholds = thresholds
	g.requiredMetrics = required
	g.reviewPriority = priority
	return nil
}

func (g *Gate) compileAll(v any) ([]rule, error) {
	exprs, err := stringList(v)
	if err != nil {
		return nil, err
	}
	rules := make([]rule, 0, len(exprs))
	for _, expr := range exprs {
		ast, iss := g.env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("compile %q: %w", expr, iss.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("expression %q must be boolean, got %s", expr, out)
		}
		prg, err := g.env.Program(ast,
			cel.CostLimit(costLimit),
			cel.InterruptCheckFrequency(100),
		)
		if err != nil {
			return nil, fmt.Errorf("program %q: %w", expr, err)
		}
		rules = append(rules, rule{expr: expr, prg: prg})
	}
	return rules, nil
}

// stringList accepts a single string or a list of strings.
func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or list of strings, got %T", v)
	}
}

func (g *Gate) ValidateContext(op *gate.OperationContext) bool {
	return op != nil
}

func (g *Gate) Evaluate(ctx context.Context, op *gate.OperationContext) (*gate.Result, error) {
	g.mu.RLock()
	fail, warn, review := g.fail, g.warn, g.review
	thresholds := g.thresholds
	required := g.requiredMetrics
	priority := g.reviewPriority
	g.mu.RUnlock()

	if len(fail)+len(warn)+len(review) == 0 {
		return nil, ErrNoRules
	}
	if op == nil {
		return nil, errors.New("celgate: nil operation context")
	}

	res := gate.NewResult(g.Name(), gate.StatusPass)
	res.AppliedThresholds = thresholds
	res.Metrics["rules"] = len(fail) + len(warn) + len(review)

	var missing []string
	for _, m := range required {
		if _, ok := op.Metric(m); !ok {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		res.Status = gate.StatusWarn
		res.Metrics["missing_metrics"] = missing
		res.Recommendations = append(res.Recommendations, "insufficient data: supply metrics "+strings.Join(missing, ", "))
		return res, nil
	}

	previous := make(map[string]string, len(op.PreviousResults))
	for name, r := range op.PreviousResults {
		if r != nil {
			previous[name] = string(r.Status)
		}
	}
	vars := map[string]any{
		"metrics":    nonNil(op.PerformanceMetrics),
		"thresholds": nonNil(thresholds),
		"data":       nonNilAny(op.DataCharacteristics),
		"custom":     nonNilAny(op.Custom),
		"previous":   previous,
		"stage":      string(op.Stage),
	}

	var insufficient []string
	check := func(rules []rule) ([]string, error) {
		var hits []string
		for _, r := range rules {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out, _, err := r.prg.ContextEval(ctx, vars)
			if err != nil {
				insufficient = append(insufficient, fmt.Sprintf("%s: %v", r.expr, err))
				continue
			}
			if out == types.True {
				hits = append(hits, r.expr)
			}
		}
		return hits, nil
	}

	failed, err := check(fail)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		res.Status = gate.StatusFail
		res.Metrics["matched_rules"] = failed
		for _, e := range failed {
			res.RequiredActions = append(res.RequiredActions, "resolve: "+e)
		}
		return res, nil
	}

	reviews, err := check(review)
	if err != nil {
		return nil, err
	}
	if len(reviews) > 0 {
		res.Status = gate.StatusReview
		res.Metrics["matched_rules"] = reviews
		res.ReviewPriority = priority
		res.EscalationRequired = true
		return res, nil
	}

	warned, err := check(warn)
	if err != nil {
		return nil, err
	}
	switch {
	case len(warned) > 0:
		res.Status = gate.StatusWarn
		res.Metrics["matched_rules"] = warned
		for _, e := range warned {
			res.Recommendations = append(res.Recommendations, "investigate: "+e)
		}
	case len(insufficient) > 0:
		res.Status = gate.StatusWarn
	}
	if len(insufficient) > 0 {
		res.Metrics["unevaluated_rules"] = insufficient
		res.Recommendations = append(res.Recommendations, "insufficient data to evaluate every rule")
	}
	return res, nil
}

func nonNil(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func nonNilAny(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
