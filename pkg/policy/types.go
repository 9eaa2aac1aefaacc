// Package policy defines gate policy documents, their validation, and the
// Manager that owns the active policy version.
package policy

import (
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
)

// EnforcementAction is the consequence of a FAIL result.
type EnforcementAction string

const (
	ActionBlock    EnforcementAction = "block"
	ActionWarn     EnforcementAction = "warn"
	ActionEscalate EnforcementAction = "escalate"
)

func (a EnforcementAction) Valid() bool {
	return a == ActionBlock || a == ActionWarn || a == ActionEscalate
}

// EnforcementLevel controls how strictly a stage applies gate actions.
type EnforcementLevel string

const (
	LevelStrict     EnforcementLevel = "strict"
	LevelPermissive EnforcementLevel = "permissive"
	LevelAdvisory   EnforcementLevel = "advisory"
)

func (l EnforcementLevel) Valid() bool {
	return l == LevelStrict || l == LevelPermissive || l == LevelAdvisory
}

const (
	DefaultEscalationWindowHours = 24.0
	DefaultAuditRetentionDays    = 2555 // seven years
)

// AuditSealBatchPerRun is the audit requirement that seals the receipt batch
// at the end of every stage run.
const AuditSealBatchPerRun = "seal_batch_per_run"

// GateConfiguration is the per-gate, per-stage policy.
type GateConfiguration struct {
	Enabled               bool               `json:"enabled"`
	Thresholds            map[string]float64 `json:"thresholds,omitempty"`
	EnforcementAction     EnforcementAction  `json:"enforcement_action,omitempty"`
	RequiredReviewers     []string           `json:"required_reviewers,omitempty"`
	EscalationWindowHours float64            `json:"escalation_window_hours,omitempty"`
	CustomParameters      map[string]any     `json:"custom_parameters,omitempty"`
}

// UnmarshalJSON defaults Enabled to true when the document omits it.
func (c *GateConfiguration) UnmarshalJSON(data []byte) error {
	type alias GateConfiguration
	a := alias{Enabled: true}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = GateConfiguration(a)
	return nil
}

// EscalationWindow returns the review deadline offset for this gate.
func (c *GateConfiguration) EscalationWindow() time.Duration {
	return time.Duration(c.EscalationWindowHours * float64(time.Hour))
}

// Params converts the configuration into what gate.Configurable receives.
func (c *GateConfiguration) Params() gate.Params {
	p := gate.Params{
		Thresholds: make(map[string]float64, len(c.Thresholds)),
		Custom:     make(map[string]any, len(c.CustomParameters)),
	}
	for k, v := range c.Thresholds {
		p.Thresholds[k] = v
	}
	for k, v := range c.CustomParameters {
		p.Custom[k] = v
	}
	return p
}

// StagePolicy is the per-stage aggregate.
type StagePolicy struct {
	EnabledGates      []string                      `json:"enabled_gates"`
	Gates             map[string]*GateConfiguration `json:"gates"`
	EnforcementLevel  EnforcementLevel              `json:"enforcement_level,omitempty"`
	ParallelExecution bool                          `json:"parallel_execution"`
	FailFast          bool                          `json:"fail_fast"`
	AuditRequirements map[string]bool               `json:"audit_requirements,omitempty"`
}

// Gate returns the configuration for name.
func (s *StagePolicy) Gate(name string) (*GateConfiguration, bool) {
	cfg, ok := s.Gates[name]
	return cfg, ok && cfg != nil
}

// ReviewerSettings lists who may review and how they are reached.
type ReviewerSettings struct {
	Reviewers            []string `json:"reviewers,omitempty"`
	NotificationChannels []string `json:"notification_channels,omitempty"`
	// PublicKeys maps reviewer id to a hex Ed25519 public key used to
	// verify reviewer tokens.
	PublicKeys map[string]string `json:"public_keys,omitempty"`
}

// GatePolicy is a complete policy document.
type GatePolicy struct {
	PolicyID  string    `json:"policy_id"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ApplicableRegulations []string `json:"applicable_regulations,omitempty"`
	RiskClassification    string   `json:"risk_classification,omitempty"`

	Stages map[gate.Stage]*StagePolicy `json:"stages"`

	GlobalEnforcementLevel       EnforcementLevel `json:"global_enforcement_level,omitempty"`
	DefaultEscalationWindowHours float64          `json:"default_escalation_window_hours,omitempty"`
	RequireCryptographicReceipts bool             `json:"require_cryptographic_receipts"`

	ReviewerSettings   ReviewerSettings `json:"reviewer_settings,omitempty"`
	AuditRetentionDays int              `json:"audit_retention_days,omitempty"`
}

// Stage returns the stage policy, or ErrStageNotConfigured.
func (p *GatePolicy) Stage(stage gate.Stage) (*StagePolicy, error) {
	sp, ok := p.Stages[stage]
	if !ok || sp == nil {
		return nil, ErrStageNotConfigured
	}
	return sp, nil
}

// LevelFor resolves a stage's enforcement level, falling back to the
// global level and finally to strict.
func (p *GatePolicy) LevelFor(stage gate.Stage) EnforcementLevel {
	if sp, ok := p.Stages[stage]; ok && sp != nil && sp.EnforcementLevel != "" {
		return sp.EnforcementLevel
	}
	if p.GlobalEnforcementLevel != "" {
		return p.GlobalEnforcementLevel
	}
	return LevelStrict
}

// Clone returns a deep copy of the policy.
func (p *GatePolicy) Clone() (*GatePolicy, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out GatePolicy
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
