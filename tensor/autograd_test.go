package tensor

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func numericGradient(f func([]float64) float64, x []float64) []float64 {
	return fd.Gradient(nil, f, x, &fd.Settings{Formula: fd.Central, Step: 1e-6})
}

func TestAutogradBasicOperations(t *testing.T) {
	t.Run("Addition forward", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 2}, []float64{1, 2, 3, 4})
		b, _ := NewTensor([]int{2, 2}, []float64{5, 6, 7, 8})
		a.SetRequiresGrad(true)
		b.SetRequiresGrad(true)

		result, err := Add(a, b)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if !result.RequiresGrad() {
			t.Error("Result should require gradients")
		}
		expected := []float64{6, 8, 10, 12}
		if !reflect.DeepEqual(result.Data, expected) {
			t.Errorf("Expected %v, got %v", expected, result.Data)
		}
	})

	t.Run("Broadcast backward reduces to input shape", func(t *testing.T) {
		a, _ := NewTensor([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
		bias, _ := NewTensor([]int{1, 3}, []float64{1, 1, 1})
		bias.SetRequiresGrad(true)

		sum, err := Add(a, bias)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if err := Sum(sum).Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if !reflect.DeepEqual(bias.Grad().Shape, []int{1, 3}) {
			t.Fatalf("Expected bias grad shape [1 3], got %v", bias.Grad().Shape)
		}
		for i, v := range bias.Grad().Data {
			if v != 2 {
				t.Errorf("bias grad[%d]: expected 2, got %f", i, v)
			}
		}
		if a.Grad() != nil {
			t.Error("Constant input should not receive a gradient")
		}
	})

	t.Run("Incompatible shapes", func(t *testing.T) {
		a, _ := Zeros([]int{2, 3})
		b, _ := Zeros([]int{3, 2})
		if _, err := Add(a, b); err == nil {
			t.Error("Expected error for non-broadcastable shapes")
		}
		if _, err := MatMul(a, a); err == nil {
			t.Error("Expected error for mismatched inner dimensions")
		}
	})
}

func TestAutogradBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	t.Run("MatMul sigmoid chain matches finite differences", func(t *testing.T) {
		w, _ := RandomNormal(rng, []int{3, 2}, 0, 1)
		xData := []float64{0.3, -0.2, 0.5, 1.1, -0.7, 0.05}

		loss := func(values []float64) float64 {
			x, _ := NewTensor([]int{2, 3}, values)
			h, _ := MatMul(x, w)
			return Sum(Sigmoid(h)).Data[0]
		}

		x, _ := NewTensor([]int{2, 3}, append([]float64(nil), xData...))
		x.SetRequiresGrad(true)
		h, err := MatMul(x, w)
		if err != nil {
			t.Fatalf("MatMul failed: %v", err)
		}
		if err := Sum(Sigmoid(h)).Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}

		expected := numericGradient(loss, xData)
		for i, g := range x.Grad().Data {
			if !approxEqual(g, expected[i], 1e-6) {
				t.Errorf("grad[%d]: expected %f, got %f", i, expected[i], g)
			}
		}
	})

	t.Run("Div, Exp and Sqrt gradients", func(t *testing.T) {
		xData := []float64{0.4, 1.3, 2.2}
		loss := func(values []float64) float64 {
			x, _ := NewTensor([]int{3}, values)
			s, _ := Sqrt(AddScalar(Square(x), 1))
			q, _ := Div(Exp(Scale(x, 0.5)), s)
			return Mean(q).Data[0]
		}

		x, _ := NewTensor([]int{3}, append([]float64(nil), xData...))
		x.SetRequiresGrad(true)
		s, _ := Sqrt(AddScalar(Square(x), 1))
		q, _ := Div(Exp(Scale(x, 0.5)), s)
		if err := Mean(q).Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}

		expected := numericGradient(loss, xData)
		for i, g := range x.Grad().Data {
			if !approxEqual(g, expected[i], 1e-6) {
				t.Errorf("grad[%d]: expected %f, got %f", i, expected[i], g)
			}
		}
	})

	t.Run("Gradients accumulate across calls", func(t *testing.T) {
		x, _ := NewTensor([]int{1}, []float64{2})
		x.SetRequiresGrad(true)
		for i := 0; i < 2; i++ {
			if err := Square(x).Backward(); err != nil {
				t.Fatalf("Backward failed: %v", err)
			}
		}
		if got := x.Grad().Data[0]; got != 8 {
			t.Errorf("Expected accumulated grad 8, got %f", got)
		}
		x.ZeroGrad()
		if x.Grad() != nil {
			t.Error("ZeroGrad should clear the gradient")
		}
	})

	t.Run("Backward requires a scalar", func(t *testing.T) {
		x, _ := Ones([]int{2})
		x.SetRequiresGrad(true)
		if err := Scale(x, 2).Backward(); err == nil {
			t.Error("Expected error for non-scalar Backward")
		}
	})
}

func TestSecondOrderGradient(t *testing.T) {
	// h(W) = sum_i (||d/dx_i sum(sigmoid(x W))|| - 1)^2 needs gradients of
	// gradients, the same path the critic's gradient penalty takes.
	rng := rand.New(rand.NewSource(11))
	x, _ := RandomNormal(rng, []int{4, 3}, 0, 1)
	wData := make([]float64, 6)
	for i := range wData {
		wData[i] = rng.NormFloat64()
	}

	penalty := func(w *Tensor, createGraph bool) (*Tensor, error) {
		in := x.Detach()
		in.SetRequiresGrad(true)
		h, err := MatMul(in, w)
		if err != nil {
			return nil, err
		}
		grads, err := Grad([]*Tensor{Sum(Sigmoid(h))}, []*Tensor{in}, createGraph)
		if err != nil {
			return nil, err
		}
		sq, err := SumTo(Square(grads[0]), []int{4, 1})
		if err != nil {
			return nil, err
		}
		norm, err := Sqrt(sq)
		if err != nil {
			return nil, err
		}
		return Mean(Square(AddScalar(norm, -1))), nil
	}

	numeric := numericGradient(func(values []float64) float64 {
		w, _ := NewTensor([]int{3, 2}, values)
		w.SetRequiresGrad(true)
		p, err := penalty(w, false)
		if err != nil {
			t.Fatalf("penalty failed: %v", err)
		}
		return p.Data[0]
	}, wData)

	w, _ := NewTensor([]int{3, 2}, append([]float64(nil), wData...))
	w.SetRequiresGrad(true)
	p, err := penalty(w, true)
	if err != nil {
		t.Fatalf("penalty failed: %v", err)
	}
	if !p.RequiresGrad() {
		t.Fatal("penalty should stay connected to W when the graph is created")
	}
	if err := p.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for i, g := range w.Grad().Data {
		if !approxEqual(g, numeric[i], 1e-5) {
			t.Errorf("dW[%d]: expected %f, got %f", i, numeric[i], g)
		}
	}
}

func TestNoGrad(t *testing.T) {
	x, _ := Ones([]int{2})
	x.SetRequiresGrad(true)

	var y *Tensor
	err := NoGrad(func() error {
		y = Scale(x, 3)
		return nil
	})
	if err != nil {
		t.Fatalf("NoGrad failed: %v", err)
	}
	if y.RequiresGrad() || y.Creator() != nil {
		t.Error("Operations inside NoGrad should not be recorded")
	}
	if !IsGradEnabled() {
		t.Error("Grad mode should be restored after NoGrad")
	}
}

func TestFrozenLeafStopsGradient(t *testing.T) {
	w, _ := Ones([]int{2, 2})
	x, _ := Ones([]int{1, 2})
	x.SetRequiresGrad(true)
	w.SetRequiresGrad(false)

	h, _ := MatMul(x, w)
	if err := Sum(h).Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if w.Grad() != nil {
		t.Error("Frozen tensor should not receive a gradient")
	}
	if x.Grad() == nil {
		t.Error("Trainable input should receive a gradient")
	}
}
