package layers

import (
	"github.com/tsawler/go-layergan/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	BatchNorm
	ELU
	Sigmoid
	Flatten
	Reshape
	GaussianNoise
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case BatchNorm:
		return "BatchNorm"
	case ELU:
		return "ELU"
	case Sigmoid:
		return "Sigmoid"
	case Flatten:
		return "Flatten"
	case Reshape:
		return "Reshape"
	case GaussianNoise:
		return "GaussianNoise"
	default:
		return "Unknown"
	}
}

// LayerSpec describes one compiled layer. Shapes exclude the batch dimension.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec describes a compiled model.
type ModelSpec struct {
	Name            string      `json:"name"`
	Layers          []LayerSpec `json:"layers"`
	TotalParameters int64       `json:"total_parameters"`
	InputShape      []int       `json:"input_shape"`
	OutputShape     []int       `json:"output_shape"`
}

// NamedTensor pairs a tensor with its checkpoint name.
type NamedTensor struct {
	Name   string
	Tensor *tensor.Tensor
}

// Module is an executable layer.
type Module interface {
	Name() string
	Type() LayerType
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)

	// Parameters returns the trainable tensors.
	Parameters() []*tensor.Tensor

	// State returns parameters and non-trainable buffers (running
	// statistics) under stable names.
	State() []NamedTensor

	SetTraining(training bool)
	Spec() LayerSpec
}

// base carries the fields every layer shares.
type base struct {
	name     string
	training bool
}

func (b *base) Name() string              { return b.name }
func (b *base) SetTraining(training bool) { b.training = training }
func (b *base) Training() bool            { return b.training }

// stateless is embedded by layers without parameters.
type stateless struct{}

func (stateless) Parameters() []*tensor.Tensor { return nil }
func (stateless) State() []NamedTensor         { return nil }

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
