package optimizer

import (
	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/checkpoints"
)

// extractBufferState copies one optimizer buffer into a checkpoint tensor.
func extractBufferState(buffer []float64, shape []int, name, stateType string) checkpoints.OptimizerTensor {
	data := make([]float64, len(buffer))
	copy(data, buffer)
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint data back into an optimizer buffer.
func restoreBufferState(buffer, data []float64, name string) error {
	if len(data) != len(buffer) {
		return errors.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}
