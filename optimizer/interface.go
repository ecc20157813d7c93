package optimizer

import (
	"fmt"

	"github.com/tsawler/go-srnet/checkpoints"
)

// Optimizer defines the common interface for all optimizers. State
// save/restore goes through checkpoints.OptimizerState.
type Optimizer interface {
	// Step applies one update to every parameter that requires grad and
	// holds a gradient.
	Step() error

	// ZeroGrad clears the gradients of all managed parameters.
	ZeroGrad()

	GetState() (*checkpoints.OptimizerState, error)

	// ValidateState reports whether LoadState would accept state, without
	// changing anything.
	ValidateState(state *checkpoints.OptimizerState) error

	LoadState(state *checkpoints.OptimizerState) error

	GetStepCount() uint64

	GetLearningRate() float32

	UpdateLearningRate(lr float32)
}

// extractBufferIndex extracts the buffer index from state tensor names like "m_0", "v_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
