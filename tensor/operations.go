package tensor

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// The kernels in this file compute values only; the exported ops in
// autograd.go wrap them and record the graph.

func binaryKernel(a, b *Tensor, same func(dst, s, t []float64) []float64, f func(x, y float64) float64) (*Tensor, error) {
	if shapesEqual(a.Shape, b.Shape) {
		out := make([]float64, a.NumElems)
		same(out, a.Data, b.Data)
		return NewTensor(a.Shape, out)
	}

	outShape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	out := make([]float64, calculateNumElements(outShape))
	sa := expandStrides(a.Shape, outShape)
	sb := expandStrides(b.Shape, outShape)
	forEachIndex(outShape, [][]int{sa, sb}, func(i int, idx []int) {
		out[i] = f(a.Data[idx[0]], b.Data[idx[1]])
	})
	return NewTensor(outShape, out)
}

func addKernel(a, b *Tensor) (*Tensor, error) {
	return binaryKernel(a, b, floats.AddTo, func(x, y float64) float64 { return x + y })
}

func subKernel(a, b *Tensor) (*Tensor, error) {
	return binaryKernel(a, b, floats.SubTo, func(x, y float64) float64 { return x - y })
}

func mulKernel(a, b *Tensor) (*Tensor, error) {
	return binaryKernel(a, b, floats.MulTo, func(x, y float64) float64 { return x * y })
}

func divKernel(a, b *Tensor) (*Tensor, error) {
	return binaryKernel(a, b, floats.DivTo, func(x, y float64) float64 { return x / y })
}

func unaryKernel(t *Tensor, f func(float64) float64) *Tensor {
	out := make([]float64, t.NumElems)
	for i, v := range t.Data {
		out[i] = f(v)
	}
	return &Tensor{Shape: copyInts(t.Shape), Strides: calculateStrides(t.Shape), Data: out, NumElems: t.NumElems}
}

func scaleKernel(t *Tensor, c float64) *Tensor {
	out := make([]float64, t.NumElems)
	floats.ScaleTo(out, c, t.Data)
	return &Tensor{Shape: copyInts(t.Shape), Strides: calculateStrides(t.Shape), Data: out, NumElems: t.NumElems}
}

func addScalarKernel(t *Tensor, c float64) *Tensor {
	out := make([]float64, t.NumElems)
	copy(out, t.Data)
	floats.AddConst(c, out)
	return &Tensor{Shape: copyInts(t.Shape), Strides: calculateStrides(t.Shape), Data: out, NumElems: t.NumElems}
}

func expKernel(t *Tensor) *Tensor {
	return unaryKernel(t, math.Exp)
}

func sqrtKernel(t *Tensor) (*Tensor, error) {
	for _, v := range t.Data {
		if v < 0 {
			return nil, errors.Errorf("sqrt of negative value %g", v)
		}
	}
	return unaryKernel(t, math.Sqrt), nil
}

func stepKernel(t *Tensor) *Tensor {
	return unaryKernel(t, func(v float64) float64 {
		if v > 0 {
			return 1
		}
		return 0
	})
}

func reluKernel(t *Tensor) *Tensor {
	return unaryKernel(t, func(v float64) float64 {
		if v > 0 {
			return v
		}
		return 0
	})
}

func sigmoidKernel(t *Tensor) *Tensor {
	return unaryKernel(t, func(v float64) float64 {
		if v >= 0 {
			return 1 / (1 + math.Exp(-v))
		}
		e := math.Exp(v)
		return e / (1 + e)
	})
}

// HasNaN reports whether any element is NaN or infinite.
func HasNaN(t *Tensor) bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
