// Package gate defines the capability contract every compliance gate
// implements, the lifecycle stages gates bind to, and the context/result
// records exchanged with the orchestrator.
package gate

import (
	"context"
	"fmt"
	"slices"
)

// Stage is a phase of the ML lifecycle at which gates may run.
type Stage string

const (
	StageDataset       Stage = "dataset"
	StageTraining      Stage = "training"
	StagePreDeployment Stage = "pre_deployment"
	StageInference     Stage = "inference"
)

// AllStages returns the closed set of lifecycle stages.
func AllStages() []Stage {
	return []Stage{StageDataset, StageTraining, StagePreDeployment, StageInference}
}

// ParseStage maps a policy or CLI stage name onto a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("gate: unknown stage %q", s)
	}
	return st, nil
}

func (s Stage) Valid() bool {
	return slices.Contains(AllStages(), s)
}

func (s Stage) String() string { return string(s) }

// Gate is the interface every compliance gate must implement.
//
// Evaluate MUST NOT mutate orchestration state and SHOULD return a WARN
// result rather than an error when the context lacks the data it needs.
// Errors and panics are converted into FAIL results by the orchestrator.
type Gate interface {
	Name() string
	Description() string
	Version() string
	SupportedStages() []Stage

	Evaluate(ctx context.Context, op *OperationContext) (*Result, error)

	// ValidateContext is a pure predicate over the stage-specific inputs.
	ValidateContext(op *OperationContext) bool

	// RequiredArtifacts is informational; the orchestrator does not enforce it.
	RequiredArtifacts() []string
}

// Params carries the per-gate policy knobs handed to Configure.
type Params struct {
	Thresholds map[string]float64
	Custom     map[string]any
}

// Configurable gates receive their policy parameters once per orchestration call.
type Configurable interface {
	Configure(params Params) error
}

// Supports reports whether g declares support for stage.
func Supports(g Gate, stage Stage) bool {
	return slices.Contains(g.SupportedStages(), stage)
}

// Info implements the descriptive half of Gate and is meant to be embedded.
type Info struct {
	GateName        string
	GateDescription string
	GateVersion     string
	Stages          []Stage
	Artifacts       []string
}

func (i Info) Name() string                { return i.GateName }
func (i Info) Description() string         { return i.GateDescription }
func (i Info) Version() string             { return i.GateVersion }
func (i Info) SupportedStages() []Stage    { return i.Stages }
func (i Info) RequiredArtifacts() []string { return i.Artifacts }
