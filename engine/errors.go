package engine

import (
	"errors"
	"fmt"
)

// ErrDivergence is matched by every DivergenceError.
var ErrDivergence = errors.New("training diverged")

// DivergenceError reports a loss that became NaN or infinite. No optimizer
// step was taken for the phase that produced it.
type DivergenceError struct {
	Phase Phase
	Loss  string
	Value float32
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("training diverged in %s phase: %s = %v", e.Phase, e.Loss, e.Value)
}

func (e *DivergenceError) Unwrap() error {
	return ErrDivergence
}
