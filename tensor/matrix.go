package tensor

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func matmulKernel(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, errors.Errorf("MatMul requires 2-D tensors, got %v and %v", a.Shape, b.Shape)
	}
	m, k := a.Shape[0], a.Shape[1]
	k2, n := b.Shape[0], b.Shape[1]
	if k != k2 {
		return nil, errors.Errorf("MatMul inner dimensions do not match: %v x %v", a.Shape, b.Shape)
	}

	out := make([]float64, m*n)
	c := mat.NewDense(m, n, out)
	c.Mul(mat.NewDense(m, k, a.Data), mat.NewDense(k, n, b.Data))
	return NewTensor([]int{m, n}, out)
}

func permuteKernel(t *Tensor, axes []int) (*Tensor, error) {
	if len(axes) != len(t.Shape) {
		return nil, errors.Errorf("permutation %v does not match %d dimensions", axes, len(t.Shape))
	}
	seen := make([]bool, len(axes))
	outShape := make([]int, len(axes))
	st := make([]int, len(axes))
	for i, ax := range axes {
		if ax < 0 || ax >= len(axes) || seen[ax] {
			return nil, errors.Errorf("invalid permutation %v", axes)
		}
		seen[ax] = true
		outShape[i] = t.Shape[ax]
		st[i] = t.Strides[ax]
	}

	out := make([]float64, t.NumElems)
	forEachIndex(outShape, [][]int{st}, func(i int, idx []int) {
		out[i] = t.Data[idx[0]]
	})
	return NewTensor(outShape, out)
}

func inversePermutation(axes []int) []int {
	inv := make([]int, len(axes))
	for i, ax := range axes {
		inv[ax] = i
	}
	return inv
}

// ConvGeometry describes a square-kernel 2-D convolution over NCHW input.
type ConvGeometry struct {
	N, C, H, W     int
	Kernel, Stride int
	Padding        int
	OutH, OutW     int
}

// NewConvGeometry computes the output size of a convolution and validates it.
func NewConvGeometry(inputShape []int, kernel, stride, padding int) (ConvGeometry, error) {
	if len(inputShape) != 4 {
		return ConvGeometry{}, errors.Errorf("convolution input must be NCHW, got %v", inputShape)
	}
	if kernel <= 0 || stride <= 0 || padding < 0 {
		return ConvGeometry{}, errors.Errorf("invalid convolution kernel=%d stride=%d padding=%d", kernel, stride, padding)
	}
	g := ConvGeometry{
		N: inputShape[0], C: inputShape[1], H: inputShape[2], W: inputShape[3],
		Kernel: kernel, Stride: stride, Padding: padding,
	}
	g.OutH = (g.H+2*padding-kernel)/stride + 1
	g.OutW = (g.W+2*padding-kernel)/stride + 1
	if g.OutH <= 0 || g.OutW <= 0 {
		return ConvGeometry{}, errors.Errorf("kernel %d with stride %d does not fit input %v", kernel, stride, inputShape)
	}
	return g, nil
}

// ColumnShape is the [N*OutH*OutW, C*K*K] patch matrix shape.
func (g ConvGeometry) ColumnShape() []int {
	return []int{g.N * g.OutH * g.OutW, g.C * g.Kernel * g.Kernel}
}

// InputShape is the NCHW shape the geometry was built for.
func (g ConvGeometry) InputShape() []int {
	return []int{g.N, g.C, g.H, g.W}
}

// patchIndices calls fn for every (column row, column col, input offset)
// triple that lies inside the (unpadded) input.
func (g ConvGeometry) patchIndices(fn func(col int, in int)) {
	kk := g.Kernel * g.Kernel
	cols := g.C * kk
	for n := 0; n < g.N; n++ {
		for oh := 0; oh < g.OutH; oh++ {
			for ow := 0; ow < g.OutW; ow++ {
				row := (n*g.OutH+oh)*g.OutW + ow
				for c := 0; c < g.C; c++ {
					for kh := 0; kh < g.Kernel; kh++ {
						ih := oh*g.Stride - g.Padding + kh
						if ih < 0 || ih >= g.H {
							continue
						}
						for kw := 0; kw < g.Kernel; kw++ {
							iw := ow*g.Stride - g.Padding + kw
							if iw < 0 || iw >= g.W {
								continue
							}
							col := row*cols + c*kk + kh*g.Kernel + kw
							in := ((n*g.C+c)*g.H+ih)*g.W + iw
							fn(col, in)
						}
					}
				}
			}
		}
	}
}

func im2colKernel(t *Tensor, g ConvGeometry) (*Tensor, error) {
	if !shapesEqual(t.Shape, g.InputShape()) {
		return nil, errors.Errorf("Im2Col input shape %v does not match geometry %v", t.Shape, g.InputShape())
	}
	shape := g.ColumnShape()
	out := make([]float64, calculateNumElements(shape))
	g.patchIndices(func(col, in int) {
		out[col] = t.Data[in]
	})
	return NewTensor(shape, out)
}

func col2imKernel(t *Tensor, g ConvGeometry) (*Tensor, error) {
	if !shapesEqual(t.Shape, g.ColumnShape()) {
		return nil, errors.Errorf("Col2Im input shape %v does not match geometry %v", t.Shape, g.ColumnShape())
	}
	shape := g.InputShape()
	out := make([]float64, calculateNumElements(shape))
	g.patchIndices(func(col, in int) {
		out[in] += t.Data[col]
	})
	return NewTensor(shape, out)
}
