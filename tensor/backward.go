package tensor

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// gradEnabled is process-wide: graphs are built from one goroutine.
var gradEnabled = true

// IsGradEnabled reports whether new operations are being recorded.
func IsGradEnabled() bool {
	return gradEnabled
}

// NoGrad runs fn without recording operations.
func NoGrad(fn func() error) error {
	prev := gradEnabled
	gradEnabled = false
	defer func() { gradEnabled = prev }()
	return fn()
}

func record(out *Tensor, op Operation) *Tensor {
	if !gradEnabled {
		return out
	}
	for _, in := range op.Inputs() {
		if in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}

// topoSort returns every tensor reachable from roots through gradient
// carrying edges, inputs before the tensors computed from them.
func topoSort(roots []*Tensor) []*Tensor {
	type frame struct {
		t    *Tensor
		next int
	}

	visited := make(map[*Tensor]bool)
	var order []*Tensor
	for _, root := range roots {
		if visited[root] || !root.requiresGrad {
			continue
		}
		visited[root] = true
		stack := []frame{{t: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			var inputs []*Tensor
			if top.t.creator != nil {
				inputs = top.t.creator.Inputs()
			}
			if top.next < len(inputs) {
				in := inputs[top.next]
				top.next++
				if !visited[in] && in.requiresGrad {
					visited[in] = true
					stack = append(stack, frame{t: in})
				}
				continue
			}
			order = append(order, top.t)
			stack = stack[:len(stack)-1]
		}
	}
	return order
}

func backprop(outputs, gradOutputs []*Tensor, createGraph bool) (grads map[*Tensor]*Tensor, err error) {
	if gradOutputs != nil && len(gradOutputs) != len(outputs) {
		return nil, errors.Errorf("got %d gradient outputs for %d outputs", len(gradOutputs), len(outputs))
	}

	grads = make(map[*Tensor]*Tensor)
	for i, out := range outputs {
		if !out.requiresGrad {
			return nil, errors.Errorf("output %d (%v) does not require grad", i, out)
		}
		var g *Tensor
		if gradOutputs != nil && gradOutputs[i] != nil {
			if !shapesEqual(gradOutputs[i].Shape, out.Shape) {
				return nil, errors.Errorf("gradient shape %v does not match output shape %v", gradOutputs[i].Shape, out.Shape)
			}
			g = gradOutputs[i]
		} else {
			if g, err = Ones(out.Shape); err != nil {
				return nil, err
			}
		}
		if prev, ok := grads[out]; ok {
			g = must(Add(prev, g))
		}
		grads[out] = g
	}

	prev := gradEnabled
	gradEnabled = createGraph
	defer func() {
		gradEnabled = prev
		if r := recover(); r != nil {
			grads = nil
			err = errors.Errorf("backward pass failed: %v", r)
		}
	}()

	order := topoSort(outputs)
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		g := grads[t]
		if g == nil || t.creator == nil {
			continue
		}
		inputs := t.creator.Inputs()
		inGrads := t.creator.Backward(g)
		for j, in := range inputs {
			if j >= len(inGrads) || inGrads[j] == nil || !in.requiresGrad {
				continue
			}
			if acc, ok := grads[in]; ok {
				grads[in] = must(Add(acc, inGrads[j]))
			} else {
				grads[in] = inGrads[j]
			}
		}
	}
	return grads, nil
}

// Backward computes the gradient of a single-element tensor with respect to
// every leaf that requires grad and accumulates it into the leaf's Grad.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return errors.Errorf("Backward requires a single-element tensor, got shape %v", t.Shape)
	}
	return BackwardWithGrad([]*Tensor{t}, nil)
}

// BackwardWithGrad is Backward for several outputs with explicit upstream
// gradients (nil entries mean ones).
func BackwardWithGrad(outputs, gradOutputs []*Tensor) error {
	grads, err := backprop(outputs, gradOutputs, false)
	if err != nil {
		return err
	}
	for leaf, g := range grads {
		if leaf.creator == nil && leaf.requiresGrad {
			leaf.accumulateGrad(g)
		}
	}
	return nil
}

// Grad returns d(sum of outputs)/d(input) for each input without touching
// any leaf's accumulated gradient. With createGraph the returned gradients
// are part of the graph and can be differentiated again.
func Grad(outputs, inputs []*Tensor, createGraph bool) ([]*Tensor, error) {
	for i, in := range inputs {
		if !in.requiresGrad {
			return nil, errors.Errorf("input %d (%v) does not require grad", i, in)
		}
	}
	grads, err := backprop(outputs, nil, createGraph)
	if err != nil {
		return nil, err
	}

	result := make([]*Tensor, len(inputs))
	for i, in := range inputs {
		if g, ok := grads[in]; ok {
			result[i] = g
			continue
		}
		result[i] = mustZeros(in.Shape)
	}
	return result, nil
}

func (t *Tensor) accumulateGrad(g *Tensor) {
	if t.grad == nil {
		t.grad = g.Clone()
		return
	}
	floats.Add(t.grad.Data, g.Data)
}
