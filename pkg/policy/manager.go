package policy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
)

// Manager owns the active policy and its history. Orchestrators consult it
// read-only; registration and reload may run concurrently with them.
type Manager struct {
	mu         sync.RWMutex
	active     *GatePolicy
	history    []*GatePolicy
	onActivate []func(*GatePolicy)
	logger     *slog.Logger
}

// NewManager creates a manager with no active policy.
func NewManager() *Manager {
	return &Manager{
		logger: slog.Default().With("component", "policy"),
	}
}

// WithLogger overrides the manager's logger.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger
	return m
}

// OnActivate registers a callback invoked whenever a policy becomes active.
func (m *Manager) OnActivate(fn func(*GatePolicy)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onActivate = append(m.onActivate, fn)
}

// Register validates p and makes a private copy of it the active policy.
// The previously active policy moves to history. On any error the previous
// active policy stays in force.
func (m *Manager) Register(p *GatePolicy) error {
	if p == nil {
		return &ValidationError{Problems: []string{"policy is nil"}}
	}
	cp, err := p.Clone()
	if err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}
	ApplyDefaults(cp)
	if err := Validate(cp); err != nil {
		return err
	}

	m.mu.Lock()
	if m.active != nil && m.active.PolicyID == cp.PolicyID {
		if older(cp.Version, m.active.Version) {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s < %s", ErrVersionRegression, cp.Version, m.active.Version)
		}
	}
	m.activateLocked(cp)
	callbacks := append([]func(*GatePolicy){}, m.onActivate...)
	m.mu.Unlock()

	m.logger.Info("policy activated", "policy_id", cp.PolicyID, "version", cp.Version, "stages", len(cp.Stages))
	for _, fn := range callbacks {
		fn(cp)
	}
	return nil
}

func (m *Manager) activateLocked(p *GatePolicy) {
	if m.active != nil {
		m.history = append(m.history, m.active)
	}
	m.active = p
}

// Active returns the active policy. Callers must treat it as read-only.
func (m *Manager) Active() (*GatePolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil, ErrNoActivePolicy
	}
	return m.active, nil
}

// StagePolicy resolves the active policy and its entry for stage.
func (m *Manager) StagePolicy(stage gate.Stage) (*GatePolicy, *StagePolicy, error) {
	p, err := m.Active()
	if err != nil {
		return nil, nil, err
	}
	sp, err := p.Stage(stage)
	if err != nil {
		return p, nil, fmt.Errorf("%w: %s", err, stage)
	}
	return p, sp, nil
}

// Archive deactivates the current policy into history.
func (m *Manager) Archive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ErrNoActivePolicy
	}
	m.history = append(m.history, m.active)
	m.logger.Info("policy archived", "policy_id", m.active.PolicyID, "version", m.active.Version)
	m.active = nil
	return nil
}

// History returns superseded policies, oldest first.
func (m *Manager) History() []*GatePolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*GatePolicy, len(m.history))
	copy(out, m.history)
	return out
}

// Rollback reactivates the most recent historical policy with version.
// Rollback deliberately bypasses the version regression check.
func (m *Manager) Rollback(version string) error {
	m.mu.Lock()
	idx := -1
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Version == version {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	target := m.history[idx]
	m.history = append(m.history[:idx:idx], m.history[idx+1:]...)
	m.activateLocked(target)
	callbacks := append([]func(*GatePolicy){}, m.onActivate...)
	m.mu.Unlock()

	m.logger.Warn("policy rolled back", "policy_id", target.PolicyID, "version", target.Version)
	for _, fn := range callbacks {
		fn(target)
	}
	return nil
}

// ReloadFile loads path and registers it.
func (m *Manager) ReloadFile(path string) error {
	p, err := LoadFile(path)
	if err != nil {
		m.logger.Error("policy reload failed", "path", path, "error", err)
		return err
	}
	return m.Register(p)
}

// older reports whether a < b. Unparseable versions never count as older;
// Validate has already rejected them.
func older(a, b string) bool {
	va, err := semver.NewVersion(a)
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false
	}
	return va.LessThan(vb)
}
