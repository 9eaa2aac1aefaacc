package policy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPolicyInvalid      = errors.New("policy: invalid policy")
	ErrNoActivePolicy     = errors.New("policy: no active policy")
	ErrStageNotConfigured = errors.New("policy: stage not configured")
	ErrVersionRegression  = errors.New("policy: version is older than the active version")
	ErrVersionNotFound    = errors.New("policy: version not found in history")
)

// ValidationError lists every problem found in a policy document.
// It unwraps to ErrPolicyInvalid.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "policy: invalid policy: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrPolicyInvalid }

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
