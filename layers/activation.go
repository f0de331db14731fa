package layers

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/tensor"
)

// EluActivation computes relu(x) + exp(-relu(-x)) - 1, which equals x for
// positive inputs and exp(x) - 1 otherwise. Every piece is twice
// differentiable through the autograd graph.
func EluActivation(x *tensor.Tensor) (*tensor.Tensor, error) {
	pos := tensor.ReLU(x)
	neg := tensor.Exp(tensor.Neg(tensor.ReLU(tensor.Neg(x))))
	sum, err := tensor.Add(pos, neg)
	if err != nil {
		return nil, err
	}
	return tensor.AddScalar(sum, -1), nil
}

// ELULayer applies EluActivation element-wise.
type ELULayer struct {
	base
	stateless
}

func NewELU(name string) *ELULayer {
	return &ELULayer{base: base{name: name, training: true}}
}

func (e *ELULayer) Type() LayerType { return ELU }

func (e *ELULayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return EluActivation(x)
}

func (e *ELULayer) Spec() LayerSpec {
	return LayerSpec{Type: ELU, Name: e.name, Parameters: map[string]interface{}{"alpha": 1.0}}
}

// SigmoidLayer squashes its input into (0, 1).
type SigmoidLayer struct {
	base
	stateless
}

func NewSigmoid(name string) *SigmoidLayer {
	return &SigmoidLayer{base: base{name: name, training: true}}
}

func (s *SigmoidLayer) Type() LayerType { return Sigmoid }

func (s *SigmoidLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Sigmoid(x), nil
}

func (s *SigmoidLayer) Spec() LayerSpec {
	return LayerSpec{Type: Sigmoid, Name: s.name, Parameters: map[string]interface{}{}}
}

// FlattenLayer reshapes [N, ...] to [N, prod(...)].
type FlattenLayer struct {
	base
	stateless
}

func NewFlatten(name string) *FlattenLayer {
	return &FlattenLayer{base: base{name: name, training: true}}
}

func (f *FlattenLayer) Type() LayerType { return Flatten }

func (f *FlattenLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Flatten(x)
}

func (f *FlattenLayer) Spec() LayerSpec {
	return LayerSpec{Type: Flatten, Name: f.name, Parameters: map[string]interface{}{}}
}

// ReshapeLayer reshapes [N, ...] to [N, Target...].
type ReshapeLayer struct {
	base
	stateless
	Target []int
}

func NewReshape(name string, target []int) (*ReshapeLayer, error) {
	if len(target) == 0 {
		return nil, errors.Errorf("reshape layer %s: empty target shape", name)
	}
	for _, d := range target {
		if d <= 0 {
			return nil, errors.Errorf("reshape layer %s: invalid target shape %v", name, target)
		}
	}
	return &ReshapeLayer{base: base{name: name, training: true}, Target: append([]int(nil), target...)}, nil
}

func (r *ReshapeLayer) Type() LayerType { return Reshape }

func (r *ReshapeLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) == 0 {
		return nil, errors.Errorf("reshape layer %s: empty input shape", r.name)
	}
	if x.NumElems/x.Shape[0] != numel(r.Target) {
		return nil, errors.Errorf("reshape layer %s: cannot reshape %v to [N %v]", r.name, x.Shape, r.Target)
	}
	return tensor.Reshape(x, append([]int{x.Shape[0]}, r.Target...))
}

func (r *ReshapeLayer) Spec() LayerSpec {
	return LayerSpec{
		Type:        Reshape,
		Name:        r.name,
		Parameters:  map[string]interface{}{"target_shape": r.Target},
		OutputShape: append([]int(nil), r.Target...),
	}
}

// GaussianNoiseLayer adds N(0, Std) noise while training and is the identity
// in evaluation mode.
type GaussianNoiseLayer struct {
	base
	stateless
	Std float64
	rng *rand.Rand
}

func NewGaussianNoise(name string, std float64, rng *rand.Rand) (*GaussianNoiseLayer, error) {
	if std < 0 {
		return nil, errors.Errorf("gaussian noise layer %s: negative std %f", name, std)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &GaussianNoiseLayer{base: base{name: name, training: true}, Std: std, rng: rng}, nil
}

func (g *GaussianNoiseLayer) Type() LayerType { return GaussianNoise }

func (g *GaussianNoiseLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !g.training || g.Std == 0 {
		return x, nil
	}
	noise, err := tensor.RandomNormal(g.rng, x.Shape, 0, g.Std)
	if err != nil {
		return nil, err
	}
	return tensor.Add(x, noise)
}

func (g *GaussianNoiseLayer) Spec() LayerSpec {
	return LayerSpec{Type: GaussianNoise, Name: g.name, Parameters: map[string]interface{}{"std": g.Std}}
}
