package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/tensor"
)

// Linear is a fully-connected layer y = xW + b with W of shape [in, out].
type Linear struct {
	base
	In, Out int
	Weight  *tensor.Tensor
	Bias    *tensor.Tensor
}

// NewLinear initialises weights and bias from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(name string, in, out int, rng *rand.Rand) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, errors.Errorf("linear layer %s: invalid size %d -> %d", name, in, out)
	}
	bound := 1 / math.Sqrt(float64(in))
	w, err := tensor.RandomUniform(rng, []int{in, out}, -bound, bound)
	if err != nil {
		return nil, err
	}
	b, err := tensor.RandomUniform(rng, []int{1, out}, -bound, bound)
	if err != nil {
		return nil, err
	}
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)
	return &Linear{base: base{name: name, training: true}, In: in, Out: out, Weight: w, Bias: b}, nil
}

func (l *Linear) Type() LayerType { return Dense }

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != l.In {
		return nil, errors.Errorf("linear layer %s expects [N, %d], got %v", l.name, l.In, x.Shape)
	}
	h, err := tensor.MatMul(x, l.Weight)
	if err != nil {
		return nil, errors.Wrapf(err, "linear layer %s", l.name)
	}
	return tensor.Add(h, l.Bias)
}

func (l *Linear) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{l.Weight, l.Bias}
}

func (l *Linear) State() []NamedTensor {
	return []NamedTensor{
		{Name: l.name + ".weight", Tensor: l.Weight},
		{Name: l.name + ".bias", Tensor: l.Bias},
	}
}

func (l *Linear) Spec() LayerSpec {
	return LayerSpec{
		Type: Dense,
		Name: l.name,
		Parameters: map[string]interface{}{
			"input_size":  l.In,
			"output_size": l.Out,
			"use_bias":    true,
		},
		InputShape:      []int{l.In},
		OutputShape:     []int{l.Out},
		ParameterShapes: [][]int{{l.In, l.Out}, {1, l.Out}},
		ParameterCount:  int64(l.In*l.Out + l.Out),
	}
}
