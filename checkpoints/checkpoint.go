package checkpoints

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// ParseFormat maps "json" and "binary" to a CheckpointFormat.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "binary", "bin", "proto":
		return FormatBinary, nil
	default:
		return 0, errors.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint is one network's weights, its optimizer state and the
// iteration it was taken at.
type Checkpoint struct {
	ModelSpec *layers.ModelSpec `json:"model_spec,omitempty"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor is a named parameter or buffer tensor.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "running_mean", "running_var"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Iteration       int     `json:"iteration"`
	TotalIterations int     `json:"total_iterations"`
	LearningRate    float64 `json:"learning_rate"`
	Dataset         string  `json:"dataset"`
	Size            string  `json:"size"`
	Layer           string  `json:"layer"`
}

// OptimizerState captures optimizer-specific state (moments, step count).
type OptimizerState struct {
	Type       string             `json:"type"` // "Adam"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor is one per-parameter optimizer buffer.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path, creating parent directories.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-layergan"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatBinary:
		data, err = marshalBinary(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return errors.Wrapf(err, "failed to encode checkpoint %s", path)
	}

	// Readers only ever see a complete file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	return errors.Wrap(os.Rename(tmp, path), "failed to finalize checkpoint file")
}

// LoadCheckpoint reads a checkpoint in either format; the saver's format is
// only used for writing.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	return Load(path)
}

// Load reads a checkpoint, detecting its format from the file header.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	if bytes.HasPrefix(data, binaryMagic) {
		cp, err := unmarshalBinary(data)
		return cp, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	return &checkpoint, nil
}

// ExtractWeights copies a model's named state into checkpoint tensors.
func ExtractWeights(state []layers.NamedTensor) []WeightTensor {
	weights := make([]WeightTensor, 0, len(state))
	for _, nt := range state {
		layer, kind := splitName(nt.Name)
		data := make([]float64, len(nt.Tensor.Data))
		copy(data, nt.Tensor.Data)
		weights = append(weights, WeightTensor{
			Name:  nt.Name,
			Shape: append([]int(nil), nt.Tensor.Shape...),
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// LoadWeights copies checkpoint tensors into a model's named state. Every
// state tensor must be present with a matching shape.
func LoadWeights(weights []WeightTensor, state []layers.NamedTensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, nt := range state {
		w, ok := byName[nt.Name]
		if !ok {
			return errors.Errorf("checkpoint is missing tensor %s", nt.Name)
		}
		if !shapesEqual(w.Shape, nt.Tensor.Shape) {
			return errors.Errorf("shape mismatch for %s: checkpoint %v, model %v", nt.Name, w.Shape, nt.Tensor.Shape)
		}
		if len(w.Data) != len(nt.Tensor.Data) {
			return errors.Errorf("data size mismatch for %s: expected %d elements, got %d", nt.Name, len(nt.Tensor.Data), len(w.Data))
		}
		copy(nt.Tensor.Data, w.Data)
	}
	return nil
}

func splitName(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
