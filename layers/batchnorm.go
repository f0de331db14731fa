package layers

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/tensor"
)

// BatchNormLayer normalises over every dimension except dimension 1, so it
// serves both [N, F] activations and [N, C, H, W] feature maps.
type BatchNormLayer struct {
	base
	Features int
	Eps      float64
	Momentum float64

	Gamma *tensor.Tensor
	Beta  *tensor.Tensor

	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
}

// NewBatchNorm creates a batch normalisation layer with eps 1e-5 and
// momentum 0.1.
func NewBatchNorm(name string, features int) (*BatchNormLayer, error) {
	if features <= 0 {
		return nil, errors.Errorf("batchnorm layer %s: invalid feature count %d", name, features)
	}
	gamma, _ := tensor.Ones([]int{features})
	beta, _ := tensor.Zeros([]int{features})
	runningMean, _ := tensor.Zeros([]int{features})
	runningVar, _ := tensor.Ones([]int{features})
	gamma.SetRequiresGrad(true)
	beta.SetRequiresGrad(true)

	return &BatchNormLayer{
		base:        base{name: name, training: true},
		Features:    features,
		Eps:         1e-5,
		Momentum:    0.1,
		Gamma:       gamma,
		Beta:        beta,
		RunningMean: runningMean,
		RunningVar:  runningVar,
	}, nil
}

func (bn *BatchNormLayer) Type() LayerType { return BatchNorm }

func (bn *BatchNormLayer) statShape(x *tensor.Tensor) []int {
	shape := make([]int, len(x.Shape))
	for i := range shape {
		shape[i] = 1
	}
	shape[1] = bn.Features
	return shape
}

func (bn *BatchNormLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) < 2 || x.Shape[1] != bn.Features {
		return nil, errors.Errorf("batchnorm layer %s expects %d features in dimension 1, got %v", bn.name, bn.Features, x.Shape)
	}
	statShape := bn.statShape(x)
	count := x.NumElems / bn.Features

	var centered, variance *tensor.Tensor
	if bn.training {
		sum, err := tensor.SumTo(x, statShape)
		if err != nil {
			return nil, err
		}
		mean := tensor.Scale(sum, 1/float64(count))
		if centered, err = tensor.Sub(x, mean); err != nil {
			return nil, err
		}
		sq, err := tensor.SumTo(tensor.Square(centered), statShape)
		if err != nil {
			return nil, err
		}
		variance = tensor.Scale(sq, 1/float64(count))
		bn.updateRunningStats(mean.Data, variance.Data, count)
	} else {
		mean, err := tensor.Reshape(bn.RunningMean.Detach(), statShape)
		if err != nil {
			return nil, err
		}
		if centered, err = tensor.Sub(x, mean); err != nil {
			return nil, err
		}
		if variance, err = tensor.Reshape(bn.RunningVar.Detach(), statShape); err != nil {
			return nil, err
		}
	}

	std, err := tensor.Sqrt(tensor.AddScalar(variance, bn.Eps))
	if err != nil {
		return nil, err
	}
	normalized, err := tensor.Div(centered, std)
	if err != nil {
		return nil, err
	}

	gamma, err := tensor.Reshape(bn.Gamma, statShape)
	if err != nil {
		return nil, err
	}
	beta, err := tensor.Reshape(bn.Beta, statShape)
	if err != nil {
		return nil, err
	}
	scaled, err := tensor.Mul(normalized, gamma)
	if err != nil {
		return nil, err
	}
	return tensor.Add(scaled, beta)
}

// updateRunningStats folds the batch statistics into the running estimates
// using the unbiased variance.
func (bn *BatchNormLayer) updateRunningStats(mean, variance []float64, count int) {
	correction := 1.0
	if count > 1 {
		correction = float64(count) / float64(count-1)
	}
	for i := 0; i < bn.Features; i++ {
		bn.RunningMean.Data[i] = (1-bn.Momentum)*bn.RunningMean.Data[i] + bn.Momentum*mean[i]
		v := variance[i] * correction
		if math.IsNaN(v) {
			continue
		}
		bn.RunningVar.Data[i] = (1-bn.Momentum)*bn.RunningVar.Data[i] + bn.Momentum*v
	}
}

func (bn *BatchNormLayer) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.Gamma, bn.Beta}
}

func (bn *BatchNormLayer) State() []NamedTensor {
	return []NamedTensor{
		{Name: bn.name + ".weight", Tensor: bn.Gamma},
		{Name: bn.name + ".bias", Tensor: bn.Beta},
		{Name: bn.name + ".running_mean", Tensor: bn.RunningMean},
		{Name: bn.name + ".running_var", Tensor: bn.RunningVar},
	}
}

func (bn *BatchNormLayer) Spec() LayerSpec {
	return LayerSpec{
		Type: BatchNorm,
		Name: bn.name,
		Parameters: map[string]interface{}{
			"num_features": bn.Features,
			"eps":          bn.Eps,
			"momentum":     bn.Momentum,
			"affine":       true,
		},
		ParameterShapes: [][]int{{bn.Features}, {bn.Features}},
		ParameterCount:  int64(2 * bn.Features),
	}
}
