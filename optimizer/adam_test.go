package optimizer

import (
	"math"
	"reflect"
	"testing"

	"github.com/tsawler/go-layergan/tensor"
)

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.5 {
		t.Errorf("Expected beta1 0.5, got %f", config.Beta1)
	}
	if config.Beta2 != 0.9 {
		t.Errorf("Expected beta2 0.9, got %f", config.Beta2)
	}

	bad := config
	bad.Beta1 = 1
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for beta1 = 1")
	}
	bad = config
	bad.LearningRate = 0
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for zero learning rate")
	}
}

func TestAdamStep(t *testing.T) {
	t.Run("First step moves by the learning rate", func(t *testing.T) {
		p, _ := tensor.NewTensor([]int{3}, []float64{1, -2, 0.5})
		p.SetRequiresGrad(true)
		adam, err := NewAdam(DefaultAdamConfig(), []*tensor.Tensor{p})
		if err != nil {
			t.Fatalf("NewAdam failed: %v", err)
		}

		if err := tensor.Sum(tensor.Square(p)).Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if err := adam.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		expected := []float64{1 - 0.001, -2 + 0.001, 0.5 - 0.001}
		for i, v := range p.Data {
			if math.Abs(v-expected[i]) > 1e-9 {
				t.Errorf("p[%d]: expected %f, got %f", i, expected[i], v)
			}
		}
		if adam.GetStepCount() != 1 {
			t.Errorf("Expected step count 1, got %d", adam.GetStepCount())
		}
	})

	t.Run("Minimises a quadratic", func(t *testing.T) {
		p, _ := tensor.NewTensor([]int{2}, []float64{3, -4})
		p.SetRequiresGrad(true)
		config := DefaultAdamConfig()
		config.LearningRate = 0.05
		adam, _ := NewAdam(config, []*tensor.Tensor{p})

		for i := 0; i < 500; i++ {
			adam.ZeroGrad()
			if err := tensor.Sum(tensor.Square(p)).Backward(); err != nil {
				t.Fatalf("Backward failed: %v", err)
			}
			if err := adam.Step(); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
		}
		for i, v := range p.Data {
			if math.Abs(v) > 0.25 {
				t.Errorf("p[%d]: expected near 0, got %f", i, v)
			}
		}
	})

	t.Run("Parameters without gradient are skipped", func(t *testing.T) {
		a, _ := tensor.NewTensor([]int{1}, []float64{1})
		b, _ := tensor.NewTensor([]int{1}, []float64{1})
		a.SetRequiresGrad(true)
		b.SetRequiresGrad(false)
		adam, _ := NewAdam(DefaultAdamConfig(), []*tensor.Tensor{a, b})

		prod, _ := tensor.Mul(a, b)
		if err := tensor.Sum(prod).Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if err := adam.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if b.Data[0] != 1 {
			t.Errorf("Frozen parameter changed to %f", b.Data[0])
		}
		if a.Data[0] == 1 {
			t.Error("Trainable parameter was not updated")
		}
	})
}

func TestAdamState(t *testing.T) {
	newParams := func() []*tensor.Tensor {
		w, _ := tensor.NewTensor([]int{2, 2}, []float64{1, 2, 3, 4})
		b, _ := tensor.NewTensor([]int{2}, []float64{0.5, -0.5})
		w.SetRequiresGrad(true)
		b.SetRequiresGrad(true)
		return []*tensor.Tensor{w, b}
	}
	params := newParams()
	adam, _ := NewAdam(DefaultAdamConfig(), params)
	for i := 0; i < 3; i++ {
		adam.ZeroGrad()
		for _, p := range params {
			if err := tensor.Sum(tensor.Square(p)).Backward(); err != nil {
				t.Fatalf("Backward failed: %v", err)
			}
		}
		if err := adam.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.StateData) != 4 {
		t.Fatalf("Expected 4 state tensors, got %d", len(state.StateData))
	}
	if state.Parameters["step_count"] != 3 {
		t.Errorf("Expected step_count 3, got %f", state.Parameters["step_count"])
	}

	restored, _ := NewAdam(AdamConfig{LearningRate: 0.1, Beta1: 0.1, Beta2: 0.2, Epsilon: 1e-3}, newParams())
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.GetStepCount() != 3 {
		t.Errorf("Expected step count 3, got %d", restored.GetStepCount())
	}
	if restored.Config() != adam.Config() {
		t.Errorf("Expected config %+v, got %+v", adam.Config(), restored.Config())
	}
	if !reflect.DeepEqual(restored.momentum, adam.momentum) || !reflect.DeepEqual(restored.variance, adam.variance) {
		t.Error("Moments were not restored")
	}

	t.Run("Wrong optimizer type", func(t *testing.T) {
		bad := *state
		bad.Type = "SGD"
		if err := restored.LoadState(&bad); err == nil {
			t.Error("Expected error for state type mismatch")
		}
	})

	t.Run("Wrong buffer size", func(t *testing.T) {
		bad := *state
		bad.StateData = append(bad.StateData[:0:0], bad.StateData...)
		bad.StateData[0].Data = []float64{1}
		if err := restored.LoadState(&bad); err == nil {
			t.Error("Expected error for size mismatch")
		}
	})
}

func TestExtractBufferIndex(t *testing.T) {
	tests := map[string]int{"m_0": 0, "v_12": 12, "momentum": -1, "m_x": -1}
	for name, want := range tests {
		if got := extractBufferIndex(name); got != want {
			t.Errorf("extractBufferIndex(%q): expected %d, got %d", name, want, got)
		}
	}
}
