package optimizer

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/checkpoints"
	"github.com/tsawler/go-layergan/tensor"
)

// Optimizer updates a fixed list of parameter tensors from their
// accumulated gradients.
type Optimizer interface {
	// Step applies one update. Parameters without a gradient (frozen or not
	// reached by the last backward pass) are left untouched.
	Step() error

	// ZeroGrad clears the gradients of every managed parameter.
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	Parameters() []*tensor.Tensor
}

// extractBufferIndex extracts the parameter index from state tensor names
// like "m_0" or "v_12".
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
		return errors.New("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// extractFloatParam reads a hyperparameter, falling back to defaultValue.
func extractFloatParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}
