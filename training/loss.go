package training

import (
	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/tensor"
)

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if !predicted.SameShape(target) {
		return nil, errors.Errorf("predicted %v and target %v tensors must have the same shape", predicted.Shape, target.Shape)
	}

	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, errors.Wrap(err, "subtraction failed")
	}
	squared := tensor.Square(diff)

	switch mse.reduction {
	case "mean":
		return tensor.Mean(squared), nil
	case "sum":
		return tensor.Sum(squared), nil
	default:
		return nil, errors.Errorf("unknown reduction %q", mse.reduction)
	}
}
