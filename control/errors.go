package control

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a control step failed
type FailureKind string

// Failure kinds
const (
	KindBackend         FailureKind = "backend_unavailable"
	KindInvalidForecast FailureKind = "invalid_forecast"
	KindDivergence      FailureKind = "numerical_divergence"
	KindCancelled       FailureKind = "cancelled"
	KindInternal        FailureKind = "internal"
)

// StepError is returned when a control step fails. The step's action was
// not applied.
type StepError struct {
	Step int // zero-based
	Kind FailureKind
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("control step %d failed (%s): %v", e.Step+1, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// FailureKindOf returns the failure kind of err, or "" when err is not a StepError
func FailureKindOf(err error) FailureKind {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Kind
	}
	return ""
}
