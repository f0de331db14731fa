package tensor

import (
	"math/rand"

	"github.com/pkg/errors"
)

// NewTensor wraps data (which is not copied) in a tensor of the given shape.
// A nil data slice allocates zeros.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float64, numElems)
	}
	if len(data) != numElems {
		return nil, errors.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    copyInts(shape),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros returns a tensor filled with zeros.
func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

// Ones returns a tensor filled with ones.
func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

// Full returns a tensor filled with value.
func Full(shape []int, value float64) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// Scalar returns a one-element tensor of shape [1].
func Scalar(value float64) *Tensor {
	return &Tensor{
		Shape:    []int{1},
		Strides:  []int{1},
		Data:     []float64{value},
		NumElems: 1,
	}
}

// RandomNormal draws i.i.d. samples from N(mean, std²).
func RandomNormal(rng *rand.Rand, shape []int, mean, std float64) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()*std + mean
	}
	return t, nil
}

// RandomUniform draws i.i.d. samples from U(low, high).
func RandomUniform(rng *rand.Rand, shape []int, low, high float64) (*Tensor, error) {
	if high < low {
		return nil, errors.Errorf("invalid uniform range [%g, %g)", low, high)
	}
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = low + rng.Float64()*(high-low)
	}
	return t, nil
}

func mustZeros(shape []int) *Tensor {
	t, err := Zeros(shape)
	if err != nil {
		panic(err)
	}
	return t
}
