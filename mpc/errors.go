package mpc

import (
	"errors"
	"fmt"
)

// NumericalDivergenceError reports that the solver produced a non-finite value
type NumericalDivergenceError struct {
	Iteration int
	Variable  string
	Quantity  string // "gradient", "iterate" or "objective"
}

func (e *NumericalDivergenceError) Error() string {
	if e.Variable == "" {
		return fmt.Sprintf("numerical divergence at iteration %d: non-finite %s", e.Iteration, e.Quantity)
	}
	return fmt.Sprintf("numerical divergence at iteration %d: non-finite %s of %s", e.Iteration, e.Quantity, e.Variable)
}

// IsNumericalDivergence reports whether err wraps a NumericalDivergenceError
func IsNumericalDivergence(err error) bool {
	var target *NumericalDivergenceError
	return errors.As(err, &target)
}
