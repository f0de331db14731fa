package training

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/checkpoints"
	"github.com/tsawler/go-layergan/models"
	"github.com/tsawler/go-layergan/optimizer"
)

// Config holds every setting of a training run.
type Config struct {
	Dim        int     // latent size, must equal NF
	GPWeight   float64 // gradient penalty weight
	BatchSize  int
	Epochs     int // accepted for compatibility; Iterations bounds the loop
	Iterations int
	OutputDim  int
	Model      models.GeneratorKind
	Size       string // architecture tag used in checkpoint names
	Dataset    string
	Layer      string
	NF         int // encoder width
	Resume     bool
	Beta       float64 // classifier loss weight
	Comet      bool    // forward metrics to the HTTP tracking sink

	FeatureShape       models.FeatureShape
	CriticIters        int
	CheckpointInterval int
	LogInterval        int
	Seed               int64

	Adam       optimizer.AdamConfig
	LRSchedule ScheduleConfig

	CheckpointRoot   string
	SampleRoot       string
	CheckpointFormat checkpoints.CheckpointFormat
	SavePNG          bool
}

// DefaultConfig returns the defaults of the reference experiment: a conv
// generator on the conv2 layer of the wide7 MNIST classifier.
func DefaultConfig() Config {
	return Config{
		Dim:        128,
		GPWeight:   10,
		BatchSize:  256,
		Epochs:     200000,
		Iterations: 100000,
		OutputDim:  784,
		Model:      models.ConvGeneratorKind,
		Size:       "wide7",
		Dataset:    "mnist",
		Layer:      "conv2",
		NF:         128,
		Beta:       10.0,

		FeatureShape:       models.DefaultFeatureShape,
		CriticIters:        5,
		CheckpointInterval: 100,
		LogInterval:        10,
		Seed:               1,

		Adam:       optimizer.DefaultAdamConfig(),
		LRSchedule: ScheduleConfig{Kind: ConstantSchedule},

		CheckpointRoot:   ".",
		SampleRoot:       ".",
		CheckpointFormat: checkpoints.FormatJSON,
		SavePNG:          true,
	}
}

// Validate rejects configurations the trainer cannot run.
func (c Config) Validate() error {
	if c.Dim <= 0 {
		return errors.Errorf("latent dimension must be positive, got %d", c.Dim)
	}
	if c.NF <= 0 {
		return errors.Errorf("feature width must be positive, got %d", c.NF)
	}
	// G decodes both encoder output and noise.
	if c.Dim != c.NF {
		return errors.Errorf("latent dimension %d must equal the encoder width %d", c.Dim, c.NF)
	}
	if c.GPWeight < 0 {
		return errors.Errorf("gradient penalty weight cannot be negative, got %f", c.GPWeight)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Iterations <= 0 {
		return errors.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if c.CriticIters <= 0 {
		return errors.Errorf("critic iterations must be positive, got %d", c.CriticIters)
	}
	if c.CheckpointInterval <= 0 || c.LogInterval <= 0 {
		return errors.Errorf("intervals must be positive, got checkpoint %d log %d", c.CheckpointInterval, c.LogInterval)
	}
	if c.Beta < 0 {
		return errors.Errorf("beta cannot be negative, got %f", c.Beta)
	}
	if _, err := models.ParseGeneratorKind(string(c.Model)); err != nil {
		return err
	}
	if c.Size == "" || c.Dataset == "" || c.Layer == "" {
		return errors.New("size, dataset and layer tags are required")
	}
	if err := c.FeatureShape.Validate(); err != nil {
		return err
	}
	if err := c.Adam.Validate(); err != nil {
		return err
	}
	return c.LRSchedule.Validate()
}

// Layout returns where checkpoints of this run live.
func (c Config) Layout() checkpoints.Layout {
	return checkpoints.Layout{Root: c.CheckpointRoot, Dataset: c.Dataset, Size: c.Size}
}

// SampleDir is params/sampled/{dataset}/{size}/{layer} under SampleRoot.
func (c Config) SampleDir() string {
	return filepath.Join(c.SampleRoot, "params", "sampled", c.Dataset, c.Size, c.Layer)
}

// RunName labels this run in metric stores.
func (c Config) RunName() string {
	return c.Dataset + "-" + c.Size + "-" + c.Layer + "-" + string(c.Model)
}
