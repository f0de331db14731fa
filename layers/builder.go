package layers

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/tensor"
)

// ModelBuilder helps construct sequential models. Shapes exclude the batch
// dimension; the first error stops further layers from being added and is
// returned by Compile.
type ModelBuilder struct {
	name         string
	inputShape   []int
	currentShape []int
	layers       []Module
	specs        []LayerSpec
	rng          *rand.Rand
	err          error
}

// NewModelBuilder creates a new model builder. rng seeds every parameter
// initialisation and noise layer.
func NewModelBuilder(name string, inputShape []int, rng *rand.Rand) *ModelBuilder {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &ModelBuilder{
		name:         name,
		inputShape:   append([]int(nil), inputShape...),
		currentShape: append([]int(nil), inputShape...),
		rng:          rng,
	}
}

func (mb *ModelBuilder) layerName(name, kind string) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%s.%s%d", mb.name, kind, len(mb.layers))
}

func (mb *ModelBuilder) add(m Module, outputShape []int) *ModelBuilder {
	spec := m.Spec()
	spec.InputShape = append([]int(nil), mb.currentShape...)
	spec.OutputShape = append([]int(nil), outputShape...)
	mb.layers = append(mb.layers, m)
	mb.specs = append(mb.specs, spec)
	mb.currentShape = spec.OutputShape
	return mb
}

func (mb *ModelBuilder) fail(err error) *ModelBuilder {
	if mb.err == nil {
		mb.err = err
	}
	return mb
}

// AddDense adds a fully-connected layer. The current shape must be flat.
func (mb *ModelBuilder) AddDense(outputSize int, name string) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	if len(mb.currentShape) != 1 {
		return mb.fail(errors.Errorf("dense layer requires flat input, got %v", mb.currentShape))
	}
	l, err := NewLinear(mb.layerName(name, "dense"), mb.currentShape[0], outputSize, mb.rng)
	if err != nil {
		return mb.fail(err)
	}
	return mb.add(l, []int{outputSize})
}

// AddConv2D adds a square-kernel convolution over [C, H, W] input.
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, stride, padding int, name string) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	if len(mb.currentShape) != 3 {
		return mb.fail(errors.Errorf("conv2d layer requires [C, H, W] input, got %v", mb.currentShape))
	}
	c, err := NewConv2D(mb.layerName(name, "conv"), mb.currentShape[0], outputChannels, kernelSize, stride, padding, mb.rng)
	if err != nil {
		return mb.fail(err)
	}
	outH := c.OutputSize(mb.currentShape[1])
	outW := c.OutputSize(mb.currentShape[2])
	if outH <= 0 || outW <= 0 {
		return mb.fail(errors.Errorf("conv2d layer %s: kernel does not fit input %v", c.Name(), mb.currentShape))
	}
	return mb.add(c, []int{outputChannels, outH, outW})
}

// AddBatchNorm normalises over the leading (feature or channel) dimension.
func (mb *ModelBuilder) AddBatchNorm(name string) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	if len(mb.currentShape) == 0 {
		return mb.fail(errors.New("batchnorm layer requires a feature dimension"))
	}
	bn, err := NewBatchNorm(mb.layerName(name, "bn"), mb.currentShape[0])
	if err != nil {
		return mb.fail(err)
	}
	return mb.add(bn, mb.currentShape)
}

func (mb *ModelBuilder) AddELU(name string) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	return mb.add(NewELU(mb.layerName(name, "elu")), mb.currentShape)
}

func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	return mb.add(NewSigmoid(mb.layerName(name, "sigmoid")), mb.currentShape)
}

func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	return mb.add(NewFlatten(mb.layerName(name, "flatten")), []int{numel(mb.currentShape)})
}

func (mb *ModelBuilder) AddReshape(target []int, name string) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	r, err := NewReshape(mb.layerName(name, "reshape"), target)
	if err != nil {
		return mb.fail(err)
	}
	if numel(target) != numel(mb.currentShape) {
		return mb.fail(errors.Errorf("reshape layer %s: cannot reshape %v to %v", r.Name(), mb.currentShape, target))
	}
	return mb.add(r, target)
}

func (mb *ModelBuilder) AddGaussianNoise(std float64, name string) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	g, err := NewGaussianNoise(mb.layerName(name, "noise"), std, mb.rng)
	if err != nil {
		return mb.fail(err)
	}
	return mb.add(g, mb.currentShape)
}

// Compile returns the executable model together with its computed spec.
func (mb *ModelBuilder) Compile() (*Model, error) {
	if mb.err != nil {
		return nil, errors.Wrapf(mb.err, "failed to compile %s", mb.name)
	}
	if len(mb.layers) == 0 {
		return nil, errors.Errorf("cannot compile empty model %s", mb.name)
	}

	spec := ModelSpec{
		Name:        mb.name,
		Layers:      append([]LayerSpec(nil), mb.specs...),
		InputShape:  append([]int(nil), mb.inputShape...),
		OutputShape: append([]int(nil), mb.currentShape...),
	}
	for _, l := range spec.Layers {
		spec.TotalParameters += l.ParameterCount
	}

	return &Model{
		spec:   spec,
		layers: append([]Module(nil), mb.layers...),
	}, nil
}

// Model is a compiled sequential stack of modules.
type Model struct {
	spec   ModelSpec
	layers []Module
}

func (m *Model) Name() string    { return m.spec.Name }
func (m *Model) Spec() ModelSpec { return m.spec }
func (m *Model) Layers() []Module {
	return m.layers
}

// Forward runs x through every layer in order. x carries the batch dimension.
func (m *Model) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != len(m.spec.InputShape)+1 {
		return nil, errors.Errorf("model %s expects [N %v], got %v", m.spec.Name, m.spec.InputShape, x.Shape)
	}
	for i, d := range m.spec.InputShape {
		if x.Shape[i+1] != d {
			return nil, errors.Errorf("model %s expects [N %v], got %v", m.spec.Name, m.spec.InputShape, x.Shape)
		}
	}

	out := x
	var err error
	for _, layer := range m.layers {
		out, err = layer.Forward(out)
		if err != nil {
			return nil, errors.Wrapf(err, "model %s", m.spec.Name)
		}
	}
	return out, nil
}

func (m *Model) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, layer := range m.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

func (m *Model) State() []NamedTensor {
	var state []NamedTensor
	for _, layer := range m.layers {
		state = append(state, layer.State()...)
	}
	return state
}

func (m *Model) SetTraining(training bool) {
	for _, layer := range m.layers {
		layer.SetTraining(training)
	}
}

// SetRequiresGrad freezes or unfreezes every trainable parameter.
func (m *Model) SetRequiresGrad(requires bool) {
	tensor.SetRequiresGrad(m.Parameters(), requires)
}

// ZeroGrad clears the accumulated gradients of every parameter.
func (m *Model) ZeroGrad() {
	tensor.ZeroGrad(m.Parameters())
}

// Summary returns a human-readable model summary
func (m *Model) Summary() string {
	summary := fmt.Sprintf("Model Summary: %s\n", m.spec.Name)
	summary += fmt.Sprintf("Input Shape: %v\n", m.spec.InputShape)
	summary += fmt.Sprintf("Output Shape: %v\n", m.spec.OutputShape)
	summary += fmt.Sprintf("Total Parameters: %d\n", m.spec.TotalParameters)
	summary += fmt.Sprintf("Layers: %d\n\n", len(m.spec.Layers))

	for i, layer := range m.spec.Layers {
		summary += fmt.Sprintf("Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		summary += fmt.Sprintf("  Input:  %v\n", layer.InputShape)
		summary += fmt.Sprintf("  Output: %v\n", layer.OutputShape)
		summary += fmt.Sprintf("  Params: %d\n", layer.ParameterCount)
	}
	return summary
}
