package checkpoints

import (
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tsawler/go-layergan/layers"
)

func testModel(t *testing.T) *layers.Model {
	t.Helper()
	model, err := layers.NewModelBuilder("net", []int{3}, rand.New(rand.NewSource(1))).
		AddDense(4, "net.fc1").
		AddBatchNorm("net.bn1").
		AddELU("net.elu1").
		AddDense(2, "net.fc2").
		Compile()
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}
	return model
}

func testCheckpoint(t *testing.T) *Checkpoint {
	model := testModel(t)
	spec := model.Spec()
	return &Checkpoint{
		ModelSpec: &spec,
		Weights:   ExtractWeights(model.State()),
		TrainingState: TrainingState{
			Iteration:       300,
			TotalIterations: 100000,
			LearningRate:    0.001,
			Dataset:         "mnist",
			Size:            "wide7",
			Layer:           "conv2",
		},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]float64{"learning_rate": 0.001, "beta1": 0.5, "beta2": 0.9, "step_count": 301},
			StateData: []OptimizerTensor{
				{Name: "m_0", Shape: []int{3, 4}, Data: make([]float64, 12), StateType: "m"},
				{Name: "v_0", Shape: []int{3, 4}, Data: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, StateType: "v"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-layergan",
			CreatedAt:   time.Unix(1700000000, 0),
			Description: "Test checkpoint",
			Tags:        []string{"test", "mnist"},
		},
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatBinary} {
		t.Run(format.String(), func(t *testing.T) {
			original := testCheckpoint(t)
			path := filepath.Join(t.TempDir(), "nested", "wide7G_300")

			saver := NewCheckpointSaver(format)
			if err := saver.SaveCheckpoint(original, path); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}
			if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
				t.Error("Temporary file should be renamed away")
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}
			if !reflect.DeepEqual(loaded.Weights, original.Weights) {
				t.Error("Weights differ after round trip")
			}
			if loaded.TrainingState != original.TrainingState {
				t.Errorf("Expected training state %+v, got %+v", original.TrainingState, loaded.TrainingState)
			}
			if !reflect.DeepEqual(loaded.OptimizerState, original.OptimizerState) {
				t.Errorf("Expected optimizer state %+v, got %+v", original.OptimizerState, loaded.OptimizerState)
			}
			if !loaded.Metadata.CreatedAt.Equal(original.Metadata.CreatedAt) {
				t.Errorf("Expected created at %v, got %v", original.Metadata.CreatedAt, loaded.Metadata.CreatedAt)
			}
			if !reflect.DeepEqual(loaded.Metadata.Tags, original.Metadata.Tags) {
				t.Errorf("Expected tags %v, got %v", original.Metadata.Tags, loaded.Metadata.Tags)
			}
			if loaded.ModelSpec == nil || loaded.ModelSpec.TotalParameters != original.ModelSpec.TotalParameters {
				t.Error("Model spec was not restored")
			}
		})
	}
}

func TestLoadWeights(t *testing.T) {
	source := testModel(t)
	for _, nt := range source.State() {
		for i := range nt.Tensor.Data {
			nt.Tensor.Data[i] = float64(i) + 0.5
		}
	}
	weights := ExtractWeights(source.State())

	t.Run("Restores parameters and running statistics", func(t *testing.T) {
		target := testModel(t)
		if err := LoadWeights(weights, target.State()); err != nil {
			t.Fatalf("LoadWeights failed: %v", err)
		}
		for i, nt := range target.State() {
			if !reflect.DeepEqual(nt.Tensor.Data, source.State()[i].Tensor.Data) {
				t.Errorf("%s was not restored", nt.Name)
			}
		}
	})

	t.Run("Extracted weights are copies", func(t *testing.T) {
		source.State()[0].Tensor.Data[0] = 99
		if weights[0].Data[0] == 99 {
			t.Error("ExtractWeights should copy tensor data")
		}
	})

	t.Run("Missing tensor", func(t *testing.T) {
		if err := LoadWeights(weights[1:], testModel(t).State()); err == nil {
			t.Error("Expected error for missing tensor")
		}
	})

	t.Run("Shape mismatch", func(t *testing.T) {
		bad := append([]WeightTensor(nil), weights...)
		bad[0].Shape = []int{4, 3}
		if err := LoadWeights(bad, testModel(t).State()); err == nil {
			t.Error("Expected error for shape mismatch")
		}
	})
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken")
	if err := os.WriteFile(path, append(append([]byte(nil), binaryMagic...), 0xff, 0xff), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected error for truncated binary checkpoint")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"Binary", FormatBinary, false},
		{"onnx", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q): unexpected error state %v", tt.in, err)
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseFormat(%q): expected %s, got %s", tt.in, tt.want, got)
		}
	}
}
