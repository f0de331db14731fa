package tensor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// PrintData renders up to maxElements values of t for logging.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor(shape=%v)\n", t.Shape))

	if maxElements <= 0 {
		maxElements = 20
	}
	elementsToShow := t.NumElems
	if elementsToShow > maxElements {
		elementsToShow = maxElements
	}

	sb.WriteString("[")
	for i := 0; i < elementsToShow; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", t.Data[i]))
	}
	if t.NumElems > maxElements {
		sb.WriteString(fmt.Sprintf(", ... (%d more elements)", t.NumElems-maxElements))
	}
	sb.WriteString("]")
	return sb.String()
}

// ZeroGrad clears the accumulated gradient of every tensor.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
	}
}

// SetRequiresGrad freezes or unfreezes every tensor.
func SetRequiresGrad(tensors []*Tensor, requires bool) {
	for _, t := range tensors {
		t.SetRequiresGrad(requires)
	}
}

// Slice returns a detached copy of sample i along the first dimension,
// keeping a leading dimension of 1.
func (t *Tensor) Slice(i int) (*Tensor, error) {
	if i < 0 || i >= t.Shape[0] {
		return nil, errors.Errorf("index %d out of range for leading dimension %d", i, t.Shape[0])
	}
	per := t.NumElems / t.Shape[0]
	data := make([]float64, per)
	copy(data, t.Data[i*per:(i+1)*per])
	shape := copyInts(t.Shape)
	shape[0] = 1
	return NewTensor(shape, data)
}

// Float32Data converts the values to float32.
func (t *Tensor) Float32Data() []float32 {
	out := make([]float32, len(t.Data))
	for i, v := range t.Data {
		out[i] = float32(v)
	}
	return out
}

// FromFloat32 builds a tensor from float32 values.
func FromFloat32(shape []int, data []float32) (*Tensor, error) {
	values := make([]float64, len(data))
	for i, v := range data {
		values[i] = float64(v)
	}
	return NewTensor(shape, values)
}
