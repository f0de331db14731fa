package layers

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/tsawler/go-layergan/tensor"
	"gonum.org/v1/gonum/diff/fd"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func TestEluActivation(t *testing.T) {
	t.Run("Forward matches closed form", func(t *testing.T) {
		x, _ := tensor.NewTensor([]int{4}, []float64{-2, -0.5, 0, 1.5})
		y, err := EluActivation(x)
		if err != nil {
			t.Fatalf("EluActivation failed: %v", err)
		}
		expected := []float64{math.Exp(-2) - 1, math.Exp(-0.5) - 1, 0, 1.5}
		for i, v := range y.Data {
			if !approxEqual(v, expected[i], 1e-12) {
				t.Errorf("elu[%d]: expected %f, got %f", i, expected[i], v)
			}
		}
	})

	t.Run("Backward matches finite differences", func(t *testing.T) {
		xData := []float64{-1.3, -0.2, 0.4, 2.1}
		loss := func(values []float64) float64 {
			x, _ := tensor.NewTensor([]int{4}, values)
			y, _ := EluActivation(x)
			return tensor.Sum(tensor.Square(y)).Data[0]
		}

		x, _ := tensor.NewTensor([]int{4}, append([]float64(nil), xData...))
		x.SetRequiresGrad(true)
		y, err := EluActivation(x)
		if err != nil {
			t.Fatalf("EluActivation failed: %v", err)
		}
		if err := tensor.Sum(tensor.Square(y)).Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		expected := fd.Gradient(nil, loss, xData, &fd.Settings{Formula: fd.Central, Step: 1e-6})
		for i, g := range x.Grad().Data {
			if !approxEqual(g, expected[i], 1e-6) {
				t.Errorf("grad[%d]: expected %f, got %f", i, expected[i], g)
			}
		}
	})
}

func TestLinearForward(t *testing.T) {
	l, err := NewLinear("fc", 2, 3, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	copy(l.Weight.Data, []float64{1, 0, 2, 0, 1, -1})
	copy(l.Bias.Data, []float64{0.5, 0.5, 0.5})

	x, _ := tensor.NewTensor([]int{1, 2}, []float64{3, 4})
	y, err := l.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	expected := []float64{3.5, 4.5, 2.5}
	if !reflect.DeepEqual(y.Data, expected) {
		t.Errorf("Expected %v, got %v", expected, y.Data)
	}

	bad, _ := tensor.Zeros([]int{1, 3})
	if _, err := l.Forward(bad); err == nil {
		t.Error("Expected error for wrong input width")
	}
}

func TestConv2DMatchesDirectConvolution(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	conv, err := NewConv2D("conv", 2, 3, 3, 2, 0, rng)
	if err != nil {
		t.Fatalf("NewConv2D failed: %v", err)
	}
	x, _ := tensor.RandomNormal(rng, []int{2, 2, 7, 7}, 0, 1)

	y, err := conv.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(y.Shape, []int{2, 3, 3, 3}) {
		t.Fatalf("Expected shape [2 3 3 3], got %v", y.Shape)
	}

	for n := 0; n < 2; n++ {
		for oc := 0; oc < 3; oc++ {
			for oh := 0; oh < 3; oh++ {
				for ow := 0; ow < 3; ow++ {
					want := conv.Bias.Data[oc]
					for ic := 0; ic < 2; ic++ {
						for kh := 0; kh < 3; kh++ {
							for kw := 0; kw < 3; kw++ {
								v, _ := x.At(n, ic, oh*2+kh, ow*2+kw)
								want += v * conv.Weight.Data[oc*18+ic*9+kh*3+kw]
							}
						}
					}
					got, _ := y.At(n, oc, oh, ow)
					if !approxEqual(got, want, 1e-10) {
						t.Fatalf("y[%d,%d,%d,%d]: expected %f, got %f", n, oc, oh, ow, want, got)
					}
				}
			}
		}
	}
}

func TestBatchNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	bn, err := NewBatchNorm("bn", 2)
	if err != nil {
		t.Fatalf("NewBatchNorm failed: %v", err)
	}
	x, _ := tensor.RandomNormal(rng, []int{8, 2, 3, 3}, 4, 2)

	t.Run("Training normalises per channel", func(t *testing.T) {
		y, err := bn.Forward(x)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		for c := 0; c < 2; c++ {
			var sum, sq float64
			count := 0
			for n := 0; n < 8; n++ {
				for h := 0; h < 3; h++ {
					for w := 0; w < 3; w++ {
						v, _ := y.At(n, c, h, w)
						sum += v
						sq += v * v
						count++
					}
				}
			}
			mean := sum / float64(count)
			if math.Abs(mean) > 1e-9 {
				t.Errorf("channel %d: expected mean 0, got %f", c, mean)
			}
			if v := sq / float64(count); math.Abs(v-1) > 1e-3 {
				t.Errorf("channel %d: expected variance 1, got %f", c, v)
			}
		}
		for c, m := range bn.RunningMean.Data {
			if m == 0 {
				t.Errorf("channel %d: running mean was not updated", c)
			}
		}
	})

	t.Run("Eval uses running statistics", func(t *testing.T) {
		bn.SetTraining(false)
		defer bn.SetTraining(true)
		copy(bn.RunningMean.Data, []float64{1, 2})
		copy(bn.RunningVar.Data, []float64{4, 9})

		in, _ := tensor.Full([]int{1, 2}, 5)
		y, err := bn.Forward(in)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		expected := []float64{4 / math.Sqrt(4+1e-5), 3 / math.Sqrt(9+1e-5)}
		for i, v := range y.Data {
			if !approxEqual(v, expected[i], 1e-12) {
				t.Errorf("y[%d]: expected %f, got %f", i, expected[i], v)
			}
		}
	})

	t.Run("Wrong feature count", func(t *testing.T) {
		in, _ := tensor.Zeros([]int{4, 3})
		if _, err := bn.Forward(in); err == nil {
			t.Error("Expected error for mismatched features")
		}
	})
}

func TestGaussianNoiseOnlyInTraining(t *testing.T) {
	g, err := NewGaussianNoise("noise", 0.5, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("NewGaussianNoise failed: %v", err)
	}
	x, _ := tensor.Zeros([]int{2, 4})

	y, _ := g.Forward(x)
	if reflect.DeepEqual(y.Data, x.Data) {
		t.Error("Expected noise in training mode")
	}

	g.SetTraining(false)
	y, _ = g.Forward(x)
	if !reflect.DeepEqual(y.Data, x.Data) {
		t.Error("Expected identity in eval mode")
	}

	if _, err := NewGaussianNoise("bad", -1, nil); err == nil {
		t.Error("Expected error for negative std")
	}
}

func TestModelBuilder(t *testing.T) {
	rng := rand.New(rand.NewSource(4))

	t.Run("Compile computes shapes and parameters", func(t *testing.T) {
		model, err := NewModelBuilder("net", []int{1, 9, 9}, rng).
			AddConv2D(4, 3, 2, 0, "conv1").
			AddBatchNorm("bn1").
			AddELU("elu1").
			AddFlatten("flatten").
			AddDense(2, "fc").
			AddSigmoid("out").
			Compile()
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		spec := model.Spec()
		if !reflect.DeepEqual(spec.OutputShape, []int{2}) {
			t.Errorf("Expected output shape [2], got %v", spec.OutputShape)
		}
		if !reflect.DeepEqual(spec.Layers[0].OutputShape, []int{4, 4, 4}) {
			t.Errorf("Expected conv output [4 4 4], got %v", spec.Layers[0].OutputShape)
		}
		expectedParams := int64(4*9+4) + 8 + int64(64*2+2)
		if spec.TotalParameters != expectedParams {
			t.Errorf("Expected %d parameters, got %d", expectedParams, spec.TotalParameters)
		}
		if len(model.Parameters()) != 6 {
			t.Errorf("Expected 6 parameter tensors, got %d", len(model.Parameters()))
		}
		if len(model.State()) != 8 {
			t.Errorf("Expected 8 state tensors, got %d", len(model.State()))
		}

		x, _ := tensor.RandomNormal(rng, []int{3, 1, 9, 9}, 0, 1)
		y, err := model.Forward(x)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if !reflect.DeepEqual(y.Shape, []int{3, 2}) {
			t.Errorf("Expected [3 2], got %v", y.Shape)
		}
		for _, v := range y.Data {
			if v <= 0 || v >= 1 {
				t.Errorf("sigmoid output %f outside (0, 1)", v)
			}
		}
	})

	t.Run("Dense on unflattened input fails", func(t *testing.T) {
		_, err := NewModelBuilder("bad", []int{2, 3}, rng).AddDense(4, "").Compile()
		if err == nil {
			t.Error("Expected error for dense layer on 2-D feature shape")
		}
	})

	t.Run("Reshape must preserve size", func(t *testing.T) {
		_, err := NewModelBuilder("bad", []int{6}, rng).AddReshape([]int{4, 2}, "").Compile()
		if err == nil {
			t.Error("Expected error for size-changing reshape")
		}
	})

	t.Run("Empty model", func(t *testing.T) {
		if _, err := NewModelBuilder("empty", []int{3}, rng).Compile(); err == nil {
			t.Error("Expected error for empty model")
		}
	})

	t.Run("Wrong input shape", func(t *testing.T) {
		model, err := NewModelBuilder("net", []int{3}, rng).AddDense(2, "").Compile()
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		x, _ := tensor.Zeros([]int{1, 4})
		if _, err := model.Forward(x); err == nil {
			t.Error("Expected error for wrong input shape")
		}
	})
}
