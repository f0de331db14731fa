package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// must unwraps op results inside backward passes. Shapes there were already
// validated by the forward pass, so a failure is a bug.
func must(t *Tensor, err error) *Tensor {
	if err != nil {
		panic(fmt.Sprintf("backward op failed: %v", err))
	}
	return t
}

// reduceGrad sums a broadcast gradient back down to the shape of target,
// or returns nil when target takes no gradient.
func reduceGrad(grad *Tensor, target *Tensor) *Tensor {
	if !target.requiresGrad {
		return nil
	}
	return must(SumTo(grad, target.Shape))
}

// AddOp implements a + b with broadcasting
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Name() string      { return "Add" }
func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{reduceGrad(gradOut, op.inputs[0]), reduceGrad(gradOut, op.inputs[1])}
}

// SubOp implements a - b with broadcasting
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Name() string      { return "Sub" }
func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	var gradB *Tensor
	if op.inputs[1].requiresGrad {
		gradB = reduceGrad(Neg(gradOut), op.inputs[1])
	}
	return []*Tensor{reduceGrad(gradOut, op.inputs[0]), gradB}
}

// MulOp implements elementwise a * b with broadcasting
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Name() string      { return "Mul" }
func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	grads := make([]*Tensor, 2)
	// ∂(a*b)/∂a = b, ∂(a*b)/∂b = a
	if a.requiresGrad {
		grads[0] = reduceGrad(must(Mul(gradOut, b)), a)
	}
	if b.requiresGrad {
		grads[1] = reduceGrad(must(Mul(gradOut, a)), b)
	}
	return grads
}

// DivOp implements elementwise a / b with broadcasting
type DivOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *DivOp) Name() string      { return "Div" }
func (op *DivOp) Inputs() []*Tensor { return op.inputs }

func (op *DivOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	grads := make([]*Tensor, 2)
	if a.requiresGrad {
		grads[0] = reduceGrad(must(Div(gradOut, b)), a)
	}
	if b.requiresGrad {
		// ∂(a/b)/∂b = -(a/b)/b
		scaled := must(Mul(gradOut, op.output))
		grads[1] = reduceGrad(Neg(must(Div(scaled, b))), b)
	}
	return grads
}

// ScaleOp multiplies by a constant
type ScaleOp struct {
	inputs []*Tensor
	factor float64
}

func (op *ScaleOp) Name() string      { return "Scale" }
func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Scale(gradOut, op.factor)}
}

// AddScalarOp adds a constant
type AddScalarOp struct {
	inputs []*Tensor
}

func (op *AddScalarOp) Name() string      { return "AddScalar" }
func (op *AddScalarOp) Inputs() []*Tensor { return op.inputs }

func (op *AddScalarOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut}
}

// ExpOp implements elementwise e^x
type ExpOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *ExpOp) Name() string      { return "Exp" }
func (op *ExpOp) Inputs() []*Tensor { return op.inputs }

func (op *ExpOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{must(Mul(gradOut, op.output))}
}

// SqrtOp implements elementwise square root
type SqrtOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SqrtOp) Name() string      { return "Sqrt" }
func (op *SqrtOp) Inputs() []*Tensor { return op.inputs }

func (op *SqrtOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{must(Div(gradOut, Scale(op.output, 2)))}
}

// ReLUOp implements max(x, 0)
type ReLUOp struct {
	inputs []*Tensor
	mask   *Tensor
}

func (op *ReLUOp) Name() string      { return "ReLU" }
func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	// ∂ReLU(x)/∂x = 1 if x > 0, else 0; the mask is a constant
	return []*Tensor{must(Mul(gradOut, op.mask))}
}

// SigmoidOp implements 1 / (1 + e^-x)
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Name() string      { return "Sigmoid" }
func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	// ∂σ(x)/∂x = σ(x) * (1 - σ(x))
	oneMinus := AddScalar(Neg(op.output), 1)
	local := must(Mul(op.output, oneMinus))
	return []*Tensor{must(Mul(gradOut, local))}
}

// MatMulOp implements 2-D matrix multiplication
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Name() string      { return "MatMul" }
func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	grads := make([]*Tensor, 2)
	// ∂(A @ B)/∂A = gradOut @ B^T, ∂(A @ B)/∂B = A^T @ gradOut
	if a.requiresGrad {
		grads[0] = must(MatMul(gradOut, must(Transpose(b))))
	}
	if b.requiresGrad {
		grads[1] = must(MatMul(must(Transpose(a)), gradOut))
	}
	return grads
}

// PermuteOp reorders dimensions
type PermuteOp struct {
	inputs []*Tensor
	axes   []int
}

func (op *PermuteOp) Name() string      { return "Permute" }
func (op *PermuteOp) Inputs() []*Tensor { return op.inputs }

func (op *PermuteOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{must(Permute(gradOut, inversePermutation(op.axes)...))}
}

// ReshapeOp changes the shape without touching data
type ReshapeOp struct {
	inputs []*Tensor
}

func (op *ReshapeOp) Name() string      { return "Reshape" }
func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{must(Reshape(gradOut, op.inputs[0].Shape))}
}

// SumToOp reduces broadcast dimensions
type SumToOp struct {
	inputs []*Tensor
}

func (op *SumToOp) Name() string      { return "SumTo" }
func (op *SumToOp) Inputs() []*Tensor { return op.inputs }

func (op *SumToOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{must(BroadcastTo(gradOut, op.inputs[0].Shape))}
}

// BroadcastToOp expands size-1 dimensions
type BroadcastToOp struct {
	inputs []*Tensor
}

func (op *BroadcastToOp) Name() string      { return "BroadcastTo" }
func (op *BroadcastToOp) Inputs() []*Tensor { return op.inputs }

func (op *BroadcastToOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{must(SumTo(gradOut, op.inputs[0].Shape))}
}

// Im2ColOp unfolds convolution patches into rows
type Im2ColOp struct {
	inputs []*Tensor
	geom   ConvGeometry
}

func (op *Im2ColOp) Name() string      { return "Im2Col" }
func (op *Im2ColOp) Inputs() []*Tensor { return op.inputs }

func (op *Im2ColOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{must(Col2Im(gradOut, op.geom))}
}

// Col2ImOp folds patch rows back into an image, summing overlaps
type Col2ImOp struct {
	inputs []*Tensor
	geom   ConvGeometry
}

func (op *Col2ImOp) Name() string      { return "Col2Im" }
func (op *Col2ImOp) Inputs() []*Tensor { return op.inputs }

func (op *Col2ImOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{must(Im2Col(gradOut, op.geom))}
}

// Add returns a + b, broadcasting as needed.
func Add(a, b *Tensor) (*Tensor, error) {
	out, err := addKernel(a, b)
	if err != nil {
		return nil, errors.Wrap(err, "Add")
	}
	return record(out, &AddOp{inputs: []*Tensor{a, b}}), nil
}

// Sub returns a - b, broadcasting as needed.
func Sub(a, b *Tensor) (*Tensor, error) {
	out, err := subKernel(a, b)
	if err != nil {
		return nil, errors.Wrap(err, "Sub")
	}
	return record(out, &SubOp{inputs: []*Tensor{a, b}}), nil
}

// Mul returns the elementwise product, broadcasting as needed.
func Mul(a, b *Tensor) (*Tensor, error) {
	out, err := mulKernel(a, b)
	if err != nil {
		return nil, errors.Wrap(err, "Mul")
	}
	return record(out, &MulOp{inputs: []*Tensor{a, b}}), nil
}

// Div returns the elementwise quotient, broadcasting as needed.
func Div(a, b *Tensor) (*Tensor, error) {
	out, err := divKernel(a, b)
	if err != nil {
		return nil, errors.Wrap(err, "Div")
	}
	op := &DivOp{inputs: []*Tensor{a, b}, output: out}
	return record(out, op), nil
}

// Neg returns -t.
func Neg(t *Tensor) *Tensor {
	return Scale(t, -1)
}

// Scale returns c * t.
func Scale(t *Tensor, c float64) *Tensor {
	return record(scaleKernel(t, c), &ScaleOp{inputs: []*Tensor{t}, factor: c})
}

// AddScalar returns t + c.
func AddScalar(t *Tensor, c float64) *Tensor {
	return record(addScalarKernel(t, c), &AddScalarOp{inputs: []*Tensor{t}})
}

// Square returns t * t.
func Square(t *Tensor) *Tensor {
	return must(Mul(t, t))
}

// Exp returns e^t elementwise.
func Exp(t *Tensor) *Tensor {
	out := expKernel(t)
	return record(out, &ExpOp{inputs: []*Tensor{t}, output: out})
}

// Sqrt returns the elementwise square root.
func Sqrt(t *Tensor) (*Tensor, error) {
	out, err := sqrtKernel(t)
	if err != nil {
		return nil, err
	}
	return record(out, &SqrtOp{inputs: []*Tensor{t}, output: out}), nil
}

// ReLU returns max(t, 0).
func ReLU(t *Tensor) *Tensor {
	return record(reluKernel(t), &ReLUOp{inputs: []*Tensor{t}, mask: stepKernel(t)})
}

// Sigmoid returns the logistic function of t.
func Sigmoid(t *Tensor) *Tensor {
	out := sigmoidKernel(t)
	return record(out, &SigmoidOp{inputs: []*Tensor{t}, output: out})
}

// MatMul multiplies two 2-D tensors.
func MatMul(a, b *Tensor) (*Tensor, error) {
	out, err := matmulKernel(a, b)
	if err != nil {
		return nil, err
	}
	return record(out, &MatMulOp{inputs: []*Tensor{a, b}}), nil
}

// Transpose swaps the two dimensions of a 2-D tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, errors.Errorf("Transpose requires a 2-D tensor, got %v", t.Shape)
	}
	return Permute(t, 1, 0)
}

// Permute reorders the dimensions of t.
func Permute(t *Tensor, axes ...int) (*Tensor, error) {
	out, err := permuteKernel(t, axes)
	if err != nil {
		return nil, err
	}
	return record(out, &PermuteOp{inputs: []*Tensor{t}, axes: copyInts(axes)}), nil
}

// Reshape returns t viewed with a new shape. One dimension may be -1.
func Reshape(t *Tensor, shape []int) (*Tensor, error) {
	resolved, err := resolveShape(shape, t.NumElems)
	if err != nil {
		return nil, err
	}
	if shapesEqual(resolved, t.Shape) {
		return t, nil
	}
	out := &Tensor{
		Shape:    resolved,
		Strides:  calculateStrides(resolved),
		Data:     t.Data,
		NumElems: t.NumElems,
	}
	return record(out, &ReshapeOp{inputs: []*Tensor{t}}), nil
}

// Flatten reshapes t to [t.Shape[0], rest].
func Flatten(t *Tensor) (*Tensor, error) {
	return Reshape(t, []int{t.Shape[0], -1})
}

// SumTo sums t down to shape, which must broadcast to t's shape.
func SumTo(t *Tensor, shape []int) (*Tensor, error) {
	if shapesEqual(t.Shape, shape) {
		return t, nil
	}
	if !canBroadcastTo(shape, t.Shape) {
		return nil, errors.Errorf("cannot sum shape %v down to %v", t.Shape, shape)
	}
	out, err := NewTensor(shape, sumToData(t, shape))
	if err != nil {
		return nil, err
	}
	return record(out, &SumToOp{inputs: []*Tensor{t}}), nil
}

// BroadcastTo expands t to shape.
func BroadcastTo(t *Tensor, shape []int) (*Tensor, error) {
	if shapesEqual(t.Shape, shape) {
		return t, nil
	}
	if !canBroadcastTo(t.Shape, shape) {
		return nil, errors.Errorf("cannot broadcast shape %v to %v", t.Shape, shape)
	}
	out, err := NewTensor(shape, broadcastData(t, shape))
	if err != nil {
		return nil, err
	}
	return record(out, &BroadcastToOp{inputs: []*Tensor{t}}), nil
}

// Sum reduces all elements to a tensor of shape [1].
func Sum(t *Tensor) *Tensor {
	ones := make([]int, len(t.Shape))
	for i := range ones {
		ones[i] = 1
	}
	return must(Reshape(must(SumTo(t, ones)), []int{1}))
}

// Mean averages all elements into a tensor of shape [1].
func Mean(t *Tensor) *Tensor {
	return Scale(Sum(t), 1/float64(t.NumElems))
}

// Im2Col unfolds NCHW input into a [N*OutH*OutW, C*K*K] patch matrix.
func Im2Col(t *Tensor, g ConvGeometry) (*Tensor, error) {
	out, err := im2colKernel(t, g)
	if err != nil {
		return nil, err
	}
	return record(out, &Im2ColOp{inputs: []*Tensor{t}, geom: g}), nil
}

// Col2Im is the adjoint of Im2Col.
func Col2Im(t *Tensor, g ConvGeometry) (*Tensor, error) {
	out, err := col2imKernel(t, g)
	if err != nil {
		return nil, err
	}
	return record(out, &Col2ImOp{inputs: []*Tensor{t}, geom: g}), nil
}

func resolveShape(shape []int, numElems int) ([]int, error) {
	resolved := copyInts(shape)
	infer := -1
	known := 1
	for i, d := range resolved {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, errors.Errorf("only one dimension can be inferred in %v", shape)
			}
			infer = i
		case d <= 0:
			return nil, errors.Errorf("invalid dimension %d in %v", d, shape)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || numElems%known != 0 {
			return nil, errors.Errorf("cannot reshape %d elements into %v", numElems, shape)
		}
		resolved[infer] = numElems / known
	}
	if calculateNumElements(resolved) != numElems {
		return nil, errors.Errorf("cannot reshape %d elements into %v", numElems, shape)
	}
	return resolved, nil
}
