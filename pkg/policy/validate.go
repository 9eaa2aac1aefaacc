package policy

import (
	"math"
	"slices"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
)

// ApplyDefaults fills in the fields a document may omit. Zero escalation
// windows inherit the policy default; missing actions fail closed to block.
func ApplyDefaults(p *GatePolicy) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if p.GlobalEnforcementLevel == "" {
		p.GlobalEnforcementLevel = LevelStrict
	}
	if p.DefaultEscalationWindowHours == 0 {
		p.DefaultEscalationWindowHours = DefaultEscalationWindowHours
	}
	if p.AuditRetentionDays == 0 {
		p.AuditRetentionDays = DefaultAuditRetentionDays
	}
	for _, sp := range p.Stages {
		if sp == nil {
			continue
		}
		for _, cfg := range sp.Gates {
			if cfg == nil {
				continue
			}
			if cfg.EnforcementAction == "" {
				cfg.EnforcementAction = ActionBlock
			}
			if cfg.EscalationWindowHours == 0 {
				cfg.EscalationWindowHours = p.DefaultEscalationWindowHours
			}
		}
	}
}

// Validate checks the structural invariants of a policy and returns a
// *ValidationError listing every problem, or nil.
func Validate(p *GatePolicy) error {
	verr := &ValidationError{}
	if p == nil {
		verr.add("policy is nil")
		return verr
	}

	if p.PolicyID == "" {
		verr.add("policy_id is required")
	}
	if p.Version == "" {
		verr.add("version is required")
	} else if _, err := semver.NewVersion(p.Version); err != nil {
		verr.add("version %q is not a semantic version", p.Version)
	}
	if !p.UpdatedAt.IsZero() && p.UpdatedAt.Before(p.CreatedAt) {
		verr.add("updated_at precedes created_at")
	}
	if p.GlobalEnforcementLevel != "" && !p.GlobalEnforcementLevel.Valid() {
		verr.add("invalid global_enforcement_level %q", p.GlobalEnforcementLevel)
	}
	if p.DefaultEscalationWindowHours <= 0 {
		verr.add("default_escalation_window_hours must be positive")
	}
	if p.AuditRetentionDays < 0 {
		verr.add("audit_retention_days must not be negative")
	}
	if len(p.Stages) == 0 {
		verr.add("at least one stage is required")
	}

	stages := make([]gate.Stage, 0, len(p.Stages))
	for s := range p.Stages {
		stages = append(stages, s)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })

	for _, stage := range stages {
		validateStage(verr, stage, p.Stages[stage])
	}
	return verr.orNil()
}

func validateStage(verr *ValidationError, stage gate.Stage, sp *StagePolicy) {
	if !stage.Valid() {
		verr.add("unknown stage %q", stage)
		return
	}
	if sp == nil {
		verr.add("stages.%s is empty", stage)
		return
	}
	if sp.EnforcementLevel != "" && !sp.EnforcementLevel.Valid() {
		verr.add("stages.%s: invalid enforcement_level %q", stage, sp.EnforcementLevel)
	}

	seen := make(map[string]bool, len(sp.EnabledGates))
	for _, name := range sp.EnabledGates {
		if name == "" {
			verr.add("stages.%s: empty gate name in enabled_gates", stage)
			continue
		}
		if seen[name] {
			verr.add("stages.%s: gate %q listed twice in enabled_gates", stage, name)
		}
		seen[name] = true
		if _, ok := sp.Gate(name); !ok {
			verr.add("stages.%s: enabled gate %q has no configuration", stage, name)
		}
	}

	names := make([]string, 0, len(sp.Gates))
	for name := range sp.Gates {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		cfg := sp.Gates[name]
		if cfg == nil {
			continue
		}
		if !cfg.EnforcementAction.Valid() {
			verr.add("stages.%s.gates.%s: invalid enforcement_action %q", stage, name, cfg.EnforcementAction)
		}
		if cfg.EscalationWindowHours <= 0 {
			verr.add("stages.%s.gates.%s: escalation_window_hours must be positive", stage, name)
		}
		for k, v := range cfg.Thresholds {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				verr.add("stages.%s.gates.%s: threshold %q is not a finite number", stage, name, k)
			}
		}
	}
}
