package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/tensor"
)

// Conv2DLayer is a 2-D convolution over NCHW input. The weight is stored
// flattened as [outChannels, inChannels*kernel*kernel].
type Conv2DLayer struct {
	base
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int

	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

// NewConv2D initialises the kernel and bias from U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func NewConv2D(name string, inChannels, outChannels, kernelSize, stride, padding int, rng *rand.Rand) (*Conv2DLayer, error) {
	if inChannels <= 0 || outChannels <= 0 {
		return nil, errors.Errorf("conv2d layer %s: invalid channels %d -> %d", name, inChannels, outChannels)
	}
	if kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, errors.Errorf("conv2d layer %s: invalid kernel %d stride %d padding %d", name, kernelSize, stride, padding)
	}

	fanIn := inChannels * kernelSize * kernelSize
	bound := 1 / math.Sqrt(float64(fanIn))
	w, err := tensor.RandomUniform(rng, []int{outChannels, fanIn}, -bound, bound)
	if err != nil {
		return nil, err
	}
	b, err := tensor.RandomUniform(rng, []int{1, outChannels}, -bound, bound)
	if err != nil {
		return nil, err
	}
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	return &Conv2DLayer{
		base:        base{name: name, training: true},
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		Stride:      stride,
		Padding:     padding,
		Weight:      w,
		Bias:        b,
	}, nil
}

func (c *Conv2DLayer) Type() LayerType { return Conv2D }

// OutputSize returns the spatial output size for a square input of the given size.
func (c *Conv2DLayer) OutputSize(inputSize int) int {
	return (inputSize+2*c.Padding-c.KernelSize)/c.Stride + 1
}

func (c *Conv2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != c.InChannels {
		return nil, errors.Errorf("conv2d layer %s expects [N, %d, H, W], got %v", c.name, c.InChannels, x.Shape)
	}
	g, err := tensor.NewConvGeometry(x.Shape, c.KernelSize, c.Stride, c.Padding)
	if err != nil {
		return nil, errors.Wrapf(err, "conv2d layer %s", c.name)
	}

	cols, err := tensor.Im2Col(x, g)
	if err != nil {
		return nil, err
	}
	wt, err := tensor.Transpose(c.Weight)
	if err != nil {
		return nil, err
	}
	h, err := tensor.MatMul(cols, wt)
	if err != nil {
		return nil, errors.Wrapf(err, "conv2d layer %s", c.name)
	}
	if h, err = tensor.Add(h, c.Bias); err != nil {
		return nil, err
	}

	// Rows of h are ordered (n, oh, ow).
	nhwc, err := tensor.Reshape(h, []int{g.N, g.OutH, g.OutW, c.OutChannels})
	if err != nil {
		return nil, err
	}
	return tensor.Permute(nhwc, 0, 3, 1, 2)
}

func (c *Conv2DLayer) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{c.Weight, c.Bias}
}

func (c *Conv2DLayer) State() []NamedTensor {
	return []NamedTensor{
		{Name: c.name + ".weight", Tensor: c.Weight},
		{Name: c.name + ".bias", Tensor: c.Bias},
	}
}

func (c *Conv2DLayer) Spec() LayerSpec {
	fanIn := c.InChannels * c.KernelSize * c.KernelSize
	return LayerSpec{
		Type: Conv2D,
		Name: c.name,
		Parameters: map[string]interface{}{
			"input_channels":  c.InChannels,
			"output_channels": c.OutChannels,
			"kernel_size":     c.KernelSize,
			"stride":          c.Stride,
			"padding":         c.Padding,
			"use_bias":        true,
		},
		ParameterShapes: [][]int{{c.OutChannels, fanIn}, {1, c.OutChannels}},
		ParameterCount:  int64(c.OutChannels*fanIn + c.OutChannels),
	}
}
