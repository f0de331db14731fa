package tensor

import (
	"github.com/pkg/errors"
)

// BroadcastShapes determines if two shapes are broadcastable and returns the resulting shape.
// Follows NumPy/PyTorch broadcasting rules:
// 1. Start from trailing dimensions and work backwards
// 2. Dimensions are compatible if they are equal, or one of them is 1, or one is missing
// 3. Result shape is the maximum of each dimension
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	maxDims := len(shape1)
	if len(shape2) > maxDims {
		maxDims = len(shape2)
	}

	resultShape := make([]int, maxDims)
	for i := 0; i < maxDims; i++ {
		dim1Idx := len(shape1) - 1 - i
		dim2Idx := len(shape2) - 1 - i

		dim1, dim2 := 1, 1
		if dim1Idx >= 0 {
			dim1 = shape1[dim1Idx]
		}
		if dim2Idx >= 0 {
			dim2 = shape2[dim2Idx]
		}

		switch {
		case dim1 == dim2:
			resultShape[maxDims-1-i] = dim1
		case dim1 == 1:
			resultShape[maxDims-1-i] = dim2
		case dim2 == 1:
			resultShape[maxDims-1-i] = dim1
		default:
			return nil, errors.Errorf("shapes %v and %v are not broadcastable: dimension %d (%d vs %d)",
				shape1, shape2, i, dim1, dim2)
		}
	}

	return resultShape, nil
}

// AreBroadcastable checks if two shapes can be broadcast together
func AreBroadcastable(shape1, shape2 []int) bool {
	_, err := BroadcastShapes(shape1, shape2)
	return err == nil
}

// canBroadcastTo reports whether from expands to exactly to.
func canBroadcastTo(from, to []int) bool {
	if len(from) > len(to) {
		return false
	}
	off := len(to) - len(from)
	for i, d := range from {
		if d != 1 && d != to[i+off] {
			return false
		}
	}
	return true
}

// expandStrides returns, for every dimension of outShape, the stride to use
// in a tensor of inShape. Broadcast dimensions get stride 0.
func expandStrides(inShape, outShape []int) []int {
	strides := make([]int, len(outShape))
	off := len(outShape) - len(inShape)
	inStrides := calculateStrides(inShape)
	for i, d := range inShape {
		if d != 1 {
			strides[i+off] = inStrides[i]
		}
	}
	return strides
}

// forEachIndex walks outShape in row-major order and hands fn the flat output
// index together with the matching flat index for every stride set.
func forEachIndex(outShape []int, strides [][]int, fn func(out int, idx []int)) {
	nd := len(outShape)
	total := calculateNumElements(outShape)
	coords := make([]int, nd)
	idx := make([]int, len(strides))
	for out := 0; out < total; out++ {
		fn(out, idx)
		for d := nd - 1; d >= 0; d-- {
			coords[d]++
			for k := range strides {
				idx[k] += strides[k][d]
			}
			if coords[d] < outShape[d] {
				break
			}
			for k := range strides {
				idx[k] -= strides[k][d] * outShape[d]
			}
			coords[d] = 0
		}
	}
}

func broadcastData(src *Tensor, targetShape []int) []float64 {
	out := make([]float64, calculateNumElements(targetShape))
	if shapesEqual(src.Shape, targetShape) {
		copy(out, src.Data)
		return out
	}
	st := expandStrides(src.Shape, targetShape)
	forEachIndex(targetShape, [][]int{st}, func(i int, idx []int) {
		out[i] = src.Data[idx[0]]
	})
	return out
}

func sumToData(src *Tensor, targetShape []int) []float64 {
	out := make([]float64, calculateNumElements(targetShape))
	if shapesEqual(src.Shape, targetShape) {
		copy(out, src.Data)
		return out
	}
	st := expandStrides(targetShape, src.Shape)
	forEachIndex(src.Shape, [][]int{st}, func(i int, idx []int) {
		out[idx[0]] += src.Data[i]
	})
	return out
}
