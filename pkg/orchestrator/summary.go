package orchestrator

import (
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/policy"
)

// GateSummary describes one gate named by a stage policy.
type GateSummary struct {
	Name       string                   `json:"name"`
	Version    string                   `json:"version,omitempty"`
	Registered bool                     `json:"registered"`
	Supported  bool                     `json:"supported"`
	Enabled    bool                     `json:"enabled"`
	Runnable   bool                     `json:"runnable"`
	Action     policy.EnforcementAction `json:"enforcement_action,omitempty"`
	Reviewers  []string                 `json:"required_reviewers,omitempty"`
	Thresholds map[string]float64       `json:"thresholds,omitempty"`
}

// StageSummary is a read-only view of a stage for dashboards.
type StageSummary struct {
	Stage           gate.Stage              `json:"stage"`
	PolicyID        string                  `json:"policy_id"`
	PolicyVersion   string                  `json:"policy_version"`
	Level           policy.EnforcementLevel `json:"enforcement_level"`
	Parallel        bool                    `json:"parallel_execution"`
	FailFast        bool                    `json:"fail_fast"`
	SealBatchPerRun bool                    `json:"seal_batch_per_run"`
	Gates           []GateSummary           `json:"gates"`
	// Unreferenced lists registered gates supporting the stage that the
	// policy does not enable.
	Unreferenced   []string `json:"unreferenced,omitempty"`
	PendingReviews int      `json:"pending_reviews"`
}

func (o *Orchestrator) StageSummary(stage gate.Stage) (*StageSummary, error) {
	pol, sp, err := o.policies.StagePolicy(stage)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	s := &StageSummary{
		Stage:           stage,
		PolicyID:        pol.PolicyID,
		PolicyVersion:   pol.Version,
		Level:           pol.LevelFor(stage),
		Parallel:        sp.ParallelExecution,
		FailFast:        sp.FailFast,
		SealBatchPerRun: sp.AuditRequirements[policy.AuditSealBatchPerRun],
	}

	referenced := make(map[string]bool, len(sp.EnabledGates))
	for _, name := range sp.EnabledGates {
		referenced[name] = true
		gs := GateSummary{Name: name}
		if cfg, ok := sp.Gate(name); ok {
			gs.Enabled = cfg.Enabled
			gs.Action = cfg.EnforcementAction
			gs.Reviewers = append([]string(nil), cfg.RequiredReviewers...)
			if len(cfg.Thresholds) > 0 {
				gs.Thresholds = make(map[string]float64, len(cfg.Thresholds))
				for k, v := range cfg.Thresholds {
					gs.Thresholds[k] = v
				}
			}
		}
		if g, ok := o.lookup(name); ok {
			gs.Registered = true
			gs.Version = g.Version()
			gs.Supported = gate.Supports(g, stage)
		}
		gs.Runnable = gs.Registered && gs.Supported && gs.Enabled
		s.Gates = append(s.Gates, gs)
	}

	o.mu.RLock()
	for name, g := range o.gates {
		if !referenced[name] && gate.Supports(g, stage) {
			s.Unreferenced = append(s.Unreferenced, name)
		}
	}
	o.mu.RUnlock()
	sort.Strings(s.Unreferenced)

	for _, req := range o.enforcer.Queue().Pending() {
		if req.Stage == stage {
			s.PendingReviews++
		}
	}
	return s, nil
}
