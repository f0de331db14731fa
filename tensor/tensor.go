package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Operation is a recorded node of the autodiff graph. Backward returns one
// gradient per input (nil for inputs that need none). Backward passes are
// built from the public ops, so they are themselves differentiable when the
// graph is being recorded.
type Operation interface {
	Name() string
	Inputs() []*Tensor
	Backward(gradOut *Tensor) []*Tensor
}

// Tensor is a dense row-major float64 tensor that can take part in
// automatic differentiation.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float64
	NumElems int

	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	if t.creator != nil {
		return fmt.Sprintf("Tensor(shape=%v, elements=%d, op=%s)", t.Shape, t.NumElems, t.creator.Name())
	}
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// RequiresGrad reports whether gradients flow into or through t.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks a leaf tensor as trainable (or frozen). It has no
// effect on tensors produced by recorded operations.
func (t *Tensor) SetRequiresGrad(requires bool) {
	if t.creator != nil {
		return
	}
	t.requiresGrad = requires
}

// Grad returns the gradient accumulated by Backward, or nil.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// ZeroGrad drops the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

// IsLeaf reports whether t was created directly rather than by a recorded op.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// Creator returns the operation that produced t, or nil for leaves.
func (t *Tensor) Creator() Operation {
	return t.creator
}

// Detach returns a leaf tensor sharing t's data, cut from the graph.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    copyInts(t.Shape),
		Strides:  copyInts(t.Strides),
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Clone returns a detached deep copy of t.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    copyInts(t.Shape),
		Strides:  copyInts(t.Strides),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// Item returns the value of a one-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, errors.Errorf("Item requires a single-element tensor, got shape %v", t.Shape)
	}
	return t.Data[0], nil
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) (float64, error) {
	if len(indices) != len(t.Shape) {
		return 0, errors.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, errors.Errorf("index %d out of bounds for dimension %d with size %d", idx, i, t.Shape[i])
		}
	}
	return t.Data[coordsToIndex(indices, t.Strides)], nil
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return t.NumElems
}

// SameShape reports whether t and other have identical shapes.
func (t *Tensor) SameShape(other *Tensor) bool {
	return shapesEqual(t.Shape, other.Shape)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func coordsToIndex(coords []int, strides []int) int {
	index := 0
	for i, coord := range coords {
		index += coord * strides[i]
	}
	return index
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func copyInts(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}
