package training

import (
	"os"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/checkpoints"
	"github.com/tsawler/go-layergan/models"
	"github.com/tsawler/go-layergan/optimizer"
)

// checkpointEntry pairs a network with its optimizer and checkpoint path.
type checkpointEntry struct {
	role     string
	network  models.Network
	opt      optimizer.Optimizer
	path     func(iteration int) string
	optional bool // missing files are skipped on restore
}

// CheckpointManager saves and restores the three networks of a run.
type CheckpointManager struct {
	layout  checkpoints.Layout
	saver   *checkpoints.CheckpointSaver
	entries []checkpointEntry
	config  Config
}

func newCheckpointManager(config Config, e, g, d models.Network, optE, optG, optD optimizer.Optimizer) *CheckpointManager {
	layout := config.Layout()
	return &CheckpointManager{
		layout: layout,
		saver:  checkpoints.NewCheckpointSaver(config.CheckpointFormat),
		config: config,
		entries: []checkpointEntry{
			{role: "generator", network: g, opt: optG, path: layout.GeneratorPath},
			{role: "discriminator", network: d, opt: optD, path: layout.DiscriminatorPath},
			{role: "encoder", network: e, opt: optE, path: layout.EncoderPath, optional: true},
		},
	}
}

// Save writes one checkpoint per network for iteration.
func (cm *CheckpointManager) Save(iteration int) error {
	for _, entry := range cm.entries {
		state, err := entry.opt.GetState()
		if err != nil {
			return errors.Wrapf(err, "failed to get %s optimizer state", entry.role)
		}
		spec := entry.network.Spec()
		cp := &checkpoints.Checkpoint{
			ModelSpec: &spec,
			Weights:   checkpoints.ExtractWeights(entry.network.State()),
			TrainingState: checkpoints.TrainingState{
				Iteration:       iteration,
				TotalIterations: cm.config.Iterations,
				LearningRate:    state.Parameters["learning_rate"],
				Dataset:         cm.config.Dataset,
				Size:            cm.config.Size,
				Layer:           cm.config.Layer,
			},
			OptimizerState: state,
		}
		cp.Metadata.Description = entry.role
		cp.Metadata.Tags = []string{cm.config.Dataset, cm.config.Size, cm.config.Layer, string(cm.config.Model)}

		if err := cm.saver.SaveCheckpoint(cp, entry.path(iteration)); err != nil {
			return errors.Wrapf(err, "failed to save %s checkpoint", entry.role)
		}
	}
	return nil
}

// Restore loads the newest complete checkpoint set and returns its
// iteration. ok is false when there is nothing to resume from.
func (cm *CheckpointManager) Restore() (iteration int, ok bool, err error) {
	iteration, ok, err = cm.layout.LatestIteration()
	if err != nil || !ok {
		return 0, false, err
	}

	for _, entry := range cm.entries {
		path := entry.path(iteration)
		if entry.optional {
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				continue
			}
		}
		cp, err := cm.saver.LoadCheckpoint(path)
		if err != nil {
			return 0, false, err
		}
		if cp.TrainingState.Iteration != iteration {
			return 0, false, errors.Errorf("%s checkpoint %s records iteration %d", entry.role, path, cp.TrainingState.Iteration)
		}
		if err := checkpoints.LoadWeights(cp.Weights, entry.network.State()); err != nil {
			return 0, false, errors.Wrapf(err, "failed to restore %s weights", entry.role)
		}
		if cp.OptimizerState != nil {
			if err := entry.opt.LoadState(cp.OptimizerState); err != nil {
				return 0, false, errors.Wrapf(err, "failed to restore %s optimizer", entry.role)
			}
		}
	}
	return iteration, true, nil
}
