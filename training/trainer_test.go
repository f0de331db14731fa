package training

import (
	"bytes"
	"context"
	"io"
	"log"
	"math"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-layergan/async"
	"github.com/tsawler/go-layergan/checkpoints"
	"github.com/tsawler/go-layergan/classifier"
	"github.com/tsawler/go-layergan/models"
	"github.com/tsawler/go-layergan/tensor"
	"github.com/tsawler/go-layergan/tracking"
)

type recordingSink struct {
	iterations []int
	snapshots  []map[string]float64
}

func (r *recordingSink) LogMetrics(ctx context.Context, iteration int, metrics map[string]float64) error {
	r.iterations = append(r.iterations, iteration)
	r.snapshots = append(r.snapshots, metrics)
	return nil
}

func (r *recordingSink) Close() error { return nil }

type countingClassifier struct {
	calls int
	score classifier.Score
}

func (c *countingClassifier) Evaluate(ctx context.Context, batch *tensor.Tensor, iteration int) (classifier.Score, error) {
	c.calls++
	return c.score, nil
}

func (c *countingClassifier) Close() error { return nil }

func smallConfig(t *testing.T) Config {
	t.Helper()
	config := DefaultConfig()
	config.FeatureShape = models.FeatureShape{Channels: 2, Height: 3, Width: 3}
	config.Model = models.FCGeneratorKind
	config.Dim = 4
	config.NF = 4
	config.BatchSize = 4
	config.Iterations = 3
	config.CheckpointRoot = t.TempDir()
	config.SampleRoot = t.TempDir()
	return config
}

func sources(t *testing.T, config Config) (async.BatchSource, async.BatchSource) {
	t.Helper()
	train, err := async.NewGaussianSource(config.FeatureShape.Dims(), async.GaussianSourceConfig{
		BatchSize: config.BatchSize, Std: 1, Seed: 1,
	})
	if err != nil {
		t.Fatalf("NewGaussianSource failed: %v", err)
	}
	dev, err := async.NewGaussianSource(config.FeatureShape.Dims(), async.GaussianSourceConfig{
		BatchSize: config.BatchSize, Std: 1, Batches: 2, Seed: 2,
	})
	if err != nil {
		t.Fatalf("NewGaussianSource failed: %v", err)
	}
	return train, dev
}

func newTestTrainer(t *testing.T, config Config, opts Options) *Trainer {
	t.Helper()
	if opts.Train == nil {
		opts.Train, opts.Dev = sources(t, config)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	trainer, err := NewTrainer(config, opts)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	t.Cleanup(func() { trainer.Close() })
	return trainer
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func TestPhaseRatio(t *testing.T) {
	config := smallConfig(t)
	clf := &countingClassifier{}
	trainer := newTestTrainer(t, config, Options{Classifier: clf})

	if err := trainer.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	counts := trainer.PhaseCounts()
	expected := PhaseCounts{Autoencoder: 3, Discriminator: 15, Generator: 3}
	if counts != expected {
		t.Errorf("Expected %+v, got %+v", expected, counts)
	}
	if counts.Discriminator != config.CriticIters*counts.Generator {
		t.Errorf("Expected %d critic steps per generator step", config.CriticIters)
	}
	if trainer.Iteration() != 3 {
		t.Errorf("Expected iteration 3, got %d", trainer.Iteration())
	}
	// One call per critic step plus the sample batch at iteration 0.
	if clf.calls != 16 {
		t.Errorf("Expected 16 classifier calls, got %d", clf.calls)
	}
}

func TestEndToEndStep(t *testing.T) {
	config := DefaultConfig()
	config.BatchSize = 4
	config.Dim = 8
	config.NF = 8
	config.Seed = 7
	config.CheckpointRoot = t.TempDir()
	config.SampleRoot = t.TempDir()

	for _, kind := range []models.GeneratorKind{models.ConvGeneratorKind, models.FCGeneratorKind} {
		t.Run(string(kind), func(t *testing.T) {
			config := config
			config.Model = kind
			if kind == models.FCGeneratorKind {
				// The fc generator's hidden widths scale with C*H*W; a
				// narrow layer keeps the test fast.
				config.FeatureShape = models.FeatureShape{Channels: 4, Height: 7, Width: 7}
			}

			var logs bytes.Buffer
			sink := &recordingSink{}
			trainer := newTestTrainer(t, config, Options{
				Logger:     log.New(&logs, "", 0),
				Sink:       sink,
				Classifier: &countingClassifier{score: classifier.Score{Accuracy: 0.5, Loss: 0.25}},
			})

			res, err := trainer.Step(context.Background())
			if err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if !finite(res.AECost, res.DCost, res.GCost, res.W1Distance, res.Penalty) {
				t.Fatalf("Expected finite costs, got %+v", res)
			}
			if res.Penalty < 0 {
				t.Errorf("Expected non-negative penalty, got %f", res.Penalty)
			}
			wantD := -res.W1Distance + res.Penalty + config.Beta*0.25
			if math.Abs(res.DCost-wantD) > 1e-9 {
				t.Errorf("Expected D cost %f, got %f", wantD, res.DCost)
			}
			if res.GCost >= 0 || res.GCost <= -1 {
				t.Errorf("Expected G cost in (-1, 0), got %f", res.GCost)
			}

			if len(sink.iterations) != 1 || sink.iterations[0] != 0 {
				t.Fatalf("Expected one metrics snapshot at iteration 0, got %v", sink.iterations)
			}
			snapshot := sink.snapshots[0]
			for _, name := range []string{tracking.TrainDCost, tracking.TrainGCost, tracking.AECost,
				tracking.W1Distance, tracking.DevDCost, "mnist accuracy", "mnist loss"} {
				if _, ok := snapshot[name]; !ok {
					t.Errorf("Expected metric %q in snapshot", name)
				}
			}
			if dev := snapshot[tracking.DevDCost]; dev >= 0 || dev <= -1 {
				t.Errorf("Expected dev D cost in (-1, 0), got %f", dev)
			}

			out := logs.String()
			for _, want := range []string{"==> iter: 0", "==> saved model instances", "Iter 0 Beta 10", "clf loss 0.250000"} {
				if !strings.Contains(out, want) {
					t.Errorf("Expected log to contain %q", want)
				}
			}

			layout := config.Layout()
			for _, path := range []string{layout.GeneratorPath(0), layout.DiscriminatorPath(0), layout.EncoderPath(0)} {
				if _, err := os.Stat(path); err != nil {
					t.Errorf("Expected checkpoint %s: %v", path, err)
				}
			}
		})
	}
}

func TestResume(t *testing.T) {
	config := smallConfig(t)
	config.Iterations = 1
	config.CheckpointFormat = checkpoints.FormatBinary

	first := newTestTrainer(t, config, Options{})
	if err := first.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	config.Resume = true
	config.Iterations = 2
	config.Seed = 99
	second := newTestTrainer(t, config, Options{})
	if second.Iteration() != 1 {
		t.Fatalf("Expected to resume at iteration 1, got %d", second.Iteration())
	}

	pairs := []struct {
		name string
		a, b models.Network
	}{
		{"encoder", first.Encoder(), second.Encoder()},
		{"generator", first.Generator(), second.Generator()},
		{"discriminator", first.Discriminator(), second.Discriminator()},
	}
	for _, p := range pairs {
		sa, sb := p.a.State(), p.b.State()
		for i := range sa {
			if !reflect.DeepEqual(sa[i].Tensor.Data, sb[i].Tensor.Data) {
				t.Errorf("%s: %s differs after resume", p.name, sa[i].Name)
			}
		}
	}
	if got, want := second.optG.GetStepCount(), first.optG.GetStepCount(); got != want {
		t.Errorf("Expected generator optimizer step %d, got %d", want, got)
	}
	if got, want := second.optD.GetStepCount(), first.optD.GetStepCount(); got != want {
		t.Errorf("Expected discriminator optimizer step %d, got %d", want, got)
	}

	if _, err := second.Step(context.Background()); err != nil {
		t.Fatalf("Step after resume failed: %v", err)
	}
	if second.Iteration() != 2 {
		t.Errorf("Expected iteration 2, got %d", second.Iteration())
	}

	t.Run("Nothing to resume", func(t *testing.T) {
		config := smallConfig(t)
		config.Resume = true
		trainer := newTestTrainer(t, config, Options{})
		if trainer.Iteration() != 0 {
			t.Errorf("Expected a fresh start, got iteration %d", trainer.Iteration())
		}
	})
}

func TestPhasesInIsolation(t *testing.T) {
	config := smallConfig(t)
	trainer := newTestTrainer(t, config, Options{})
	real, _ := tensor.RandomNormal(trainer.rng, config.FeatureShape.BatchShape(3), 0, 1)

	t.Run("Autoencoder phase leaves D untouched", func(t *testing.T) {
		before := trainer.Discriminator().State()[0].Tensor.Clone()
		loss, err := trainer.autoencoderPhase(real)
		if err != nil {
			t.Fatalf("autoencoderPhase failed: %v", err)
		}
		if loss <= 0 {
			t.Errorf("Expected positive reconstruction error, got %f", loss)
		}
		if !reflect.DeepEqual(before.Data, trainer.Discriminator().State()[0].Tensor.Data) {
			t.Error("Expected discriminator weights to be unchanged")
		}
	})

	t.Run("Discriminator phase handles a partial batch", func(t *testing.T) {
		var res StepResult
		if err := trainer.discriminatorPhase(context.Background(), real, 0, &res); err != nil {
			t.Fatalf("discriminatorPhase failed: %v", err)
		}
		if !finite(res.DCost, res.W1Distance, res.Penalty) {
			t.Errorf("Expected finite costs, got %+v", res)
		}
	})

	t.Run("Generator phase leaves D untouched", func(t *testing.T) {
		before := trainer.Discriminator().State()[0].Tensor.Clone()
		if _, err := trainer.generatorPhase(5); err != nil {
			t.Fatalf("generatorPhase failed: %v", err)
		}
		if !reflect.DeepEqual(before.Data, trainer.Discriminator().State()[0].Tensor.Data) {
			t.Error("Expected discriminator weights to be unchanged")
		}
		for _, p := range trainer.Discriminator().Parameters() {
			if !p.RequiresGrad() {
				t.Fatal("Expected discriminator to be unfrozen after the generator phase")
			}
		}
	})
}

func TestTrainerRejectsWrongBatchShape(t *testing.T) {
	config := smallConfig(t)
	train, err := async.NewGaussianSource([]int{3, 3, 3}, async.GaussianSourceConfig{BatchSize: 4, Std: 1})
	if err != nil {
		t.Fatalf("NewGaussianSource failed: %v", err)
	}
	_, dev := sources(t, config)
	trainer := newTestTrainer(t, config, Options{Train: train, Dev: dev})
	if _, err := trainer.Step(context.Background()); err == nil {
		t.Error("Expected error for a batch of the wrong feature shape")
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	config := smallConfig(t)
	trainer := newTestTrainer(t, config, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := trainer.Run(ctx); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if trainer.Iteration() != 0 {
		t.Errorf("Expected no iterations, got %d", trainer.Iteration())
	}
}

func TestCloseWhileFeedRefills(t *testing.T) {
	config := smallConfig(t)
	config.BatchSize = 4096
	train, dev := sources(t, config)
	trainer, err := NewTrainer(config, Options{Train: train, Dev: dev, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := trainer.Run(ctx); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- trainer.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}
