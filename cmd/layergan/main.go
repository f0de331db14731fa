// Command layergan trains a WGAN-GP on the activations of one layer of a
// pretrained classifier.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/async"
	"github.com/tsawler/go-layergan/checkpoints"
	"github.com/tsawler/go-layergan/classifier"
	"github.com/tsawler/go-layergan/models"
	"github.com/tsawler/go-layergan/tracking"
	"github.com/tsawler/go-layergan/training"
)

type options struct {
	config training.Config

	model    string
	shape    string
	format   string
	schedule string

	dataDir string
	devDir  string
	pattern string
	devSize int
	cache   int

	onnxModel string
	onnxLib   string
	threshold float64

	trackingURL string
	experiment  string
	sqlitePath  string

	quiet bool
}

// intFlag registers a short and a long name for the same value.
func intFlag(fs *flag.FlagSet, p *int, short, long string, value int, usage string) {
	fs.IntVar(p, short, value, usage)
	fs.IntVar(p, long, value, usage)
}

func floatFlag(fs *flag.FlagSet, p *float64, short, long string, value float64, usage string) {
	fs.Float64Var(p, short, value, usage)
	fs.Float64Var(p, long, value, usage)
}

func stringFlag(fs *flag.FlagSet, p *string, short, long string, value string, usage string) {
	fs.StringVar(p, short, value, usage)
	fs.StringVar(p, long, value, usage)
}

func parseFlags(args []string) (*options, error) {
	o := &options{config: training.DefaultConfig()}
	c := &o.config
	fs := flag.NewFlagSet("layergan", flag.ContinueOnError)

	intFlag(fs, &c.Dim, "z", "dim", c.Dim, "latent size")
	floatFlag(fs, &c.GPWeight, "g", "gp", c.GPWeight, "gradient penalty weight")
	intFlag(fs, &c.BatchSize, "b", "batch_size", c.BatchSize, "batch size")
	intFlag(fs, &c.Epochs, "e", "epochs", c.Epochs, "epochs (informational)")
	intFlag(fs, &c.OutputDim, "o", "output_dim", c.OutputDim, "flattened input size of the classifier")
	stringFlag(fs, &o.model, "m", "model", string(c.Model), "generator: fc or conv")
	stringFlag(fs, &c.Size, "s", "size", c.Size, "classifier architecture tag")
	stringFlag(fs, &c.Dataset, "d", "dataset", c.Dataset, "dataset name")
	stringFlag(fs, &c.Layer, "l", "layer", c.Layer, "modelled layer")
	fs.IntVar(&c.NF, "nf", c.NF, "encoder width")
	fs.BoolVar(&c.Resume, "resume", c.Resume, "continue from the newest checkpoint")
	fs.Float64Var(&c.Beta, "beta", c.Beta, "classifier loss weight")
	fs.BoolVar(&c.Comet, "comet", c.Comet, "forward metrics to the tracking service")

	fs.IntVar(&c.Iterations, "iterations", c.Iterations, "outer iterations")
	fs.IntVar(&c.CriticIters, "critic_iters", c.CriticIters, "critic steps per iteration")
	fs.IntVar(&c.CheckpointInterval, "save_every", c.CheckpointInterval, "iterations between checkpoints and samples")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed")
	fs.StringVar(&o.shape, "shape", c.FeatureShape.String(), "feature map shape CxHxW")
	fs.Float64Var(&c.Adam.LearningRate, "lr", c.Adam.LearningRate, "Adam learning rate")
	fs.StringVar(&o.schedule, "lr_schedule", string(c.LRSchedule.Kind), "constant, step, exponential or cosine")
	fs.IntVar(&c.LRSchedule.StepSize, "lr_step", 10000, "step schedule period")
	fs.Float64Var(&c.LRSchedule.Gamma, "lr_gamma", 0.5, "step/exponential decay")
	fs.IntVar(&c.LRSchedule.TMax, "lr_tmax", 0, "cosine schedule length (0 spans -iterations)")
	fs.Float64Var(&c.LRSchedule.EtaMin, "lr_min", 0, "cosine final learning rate")
	fs.StringVar(&c.CheckpointRoot, "checkpoint_root", c.CheckpointRoot, "root of WGAN/")
	fs.StringVar(&c.SampleRoot, "sample_root", c.SampleRoot, "root of params/sampled/")
	fs.StringVar(&o.format, "format", c.CheckpointFormat.String(), "checkpoint format: json or binary")
	fs.BoolVar(&c.SavePNG, "png", c.SavePNG, "write a PNG preview with every sample file")

	fs.StringVar(&o.dataDir, "data", "", "directory of training tensor files (synthetic data when empty)")
	fs.StringVar(&o.devDir, "dev", "", "directory of dev tensor files (synthetic data when empty)")
	fs.StringVar(&o.pattern, "pattern", "*.tensor", "tensor file pattern")
	fs.IntVar(&o.devSize, "dev_batches", 4, "synthetic dev batches")
	fs.IntVar(&o.cache, "cache_values", 1<<26, "values of decoded tensor files kept in memory (0 disables)")

	fs.StringVar(&o.onnxModel, "classifier", "", "ONNX model of the classifier tail")
	fs.StringVar(&o.onnxLib, "onnx_lib", "", "path to libonnxruntime")
	fs.Float64Var(&o.threshold, "threshold", 0.9, "confidence counted as a hit without labels")

	fs.StringVar(&o.trackingURL, "tracking_url", tracking.DefaultHTTPSinkConfig().BaseURL, "tracking service URL")
	fs.StringVar(&o.experiment, "experiment", "", "tracking experiment name (run name when empty)")
	fs.StringVar(&o.sqlitePath, "sqlite", "", "SQLite metrics database")
	fs.BoolVar(&o.quiet, "quiet", false, "disable the progress bar")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if c.LRSchedule.TMax == 0 {
		c.LRSchedule.TMax = c.Iterations
	}

	var err error
	if c.Model, err = models.ParseGeneratorKind(o.model); err != nil {
		return nil, err
	}
	if c.FeatureShape, err = models.ParseFeatureShape(o.shape); err != nil {
		return nil, err
	}
	if c.CheckpointFormat, err = checkpoints.ParseFormat(o.format); err != nil {
		return nil, err
	}
	if c.LRSchedule.Kind, err = training.ParseScheduleKind(o.schedule); err != nil {
		return nil, err
	}
	return o, c.Validate()
}

func (o *options) sources() (train, dev async.BatchSource, err error) {
	c := o.config
	var cache *async.FileCache
	if o.cache > 0 {
		cache = async.NewFileCache(o.cache)
	}
	if o.dataDir != "" {
		ds, err := async.NewDirSource(o.dataDir, o.pattern, c.BatchSize, true)
		if err != nil {
			return nil, nil, errors.Wrap(err, "training data")
		}
		train = ds.UseCache(cache)
	} else {
		log.Printf("No -data directory, training on N(0, 1) batches of %s", c.FeatureShape)
		if train, err = async.NewGaussianSource(c.FeatureShape.Dims(), async.GaussianSourceConfig{
			BatchSize: c.BatchSize, Mean: 0, Std: 1, Seed: c.Seed,
		}); err != nil {
			return nil, nil, err
		}
	}

	if o.devDir != "" {
		ds, err := async.NewDirSource(o.devDir, o.pattern, c.BatchSize, false)
		if err != nil {
			return nil, nil, errors.Wrap(err, "dev data")
		}
		return train, ds.UseCache(cache), nil
	}
	dev, err = async.NewGaussianSource(c.FeatureShape.Dims(), async.GaussianSourceConfig{
		BatchSize: c.BatchSize, Mean: 0, Std: 1, Batches: o.devSize, Seed: c.Seed + 1,
	})
	return train, dev, err
}

func (o *options) classifier() (classifier.Classifier, error) {
	if o.onnxModel == "" {
		log.Printf("No -classifier model, classifier scores are zero")
		return classifier.Constant{}, nil
	}
	return classifier.NewONNXClassifier(classifier.ONNXConfig{
		ModelPath:   o.onnxModel,
		LibraryPath: o.onnxLib,
		Threshold:   o.threshold,
	})
}

func (o *options) sinks(ctx context.Context) (tracking.Sink, error) {
	var sinks tracking.MultiSink
	if o.config.Comet {
		cfg := tracking.DefaultHTTPSinkConfig()
		cfg.BaseURL = o.trackingURL
		cfg.Experiment = o.experiment
		if cfg.Experiment == "" {
			cfg.Experiment = o.config.RunName()
		}
		sink := tracking.NewHTTPSink(cfg)
		if err := sink.CheckHealth(ctx); err != nil {
			log.Printf("Warning: tracking service unavailable, metrics stay local: %v", err)
			sink.Disable()
		}
		sinks = append(sinks, sink)
	}
	if o.sqlitePath != "" {
		store, err := tracking.OpenSQLiteStore(o.sqlitePath, o.config.RunName())
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, store)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err == flag.ErrHelp {
		return
	}
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	train, dev, err := o.sources()
	if err != nil {
		log.Fatalf("Failed to open data: %v", err)
	}
	clf, err := o.classifier()
	if err != nil {
		log.Fatalf("Failed to load classifier: %v", err)
	}
	defer clf.Close()

	sink, err := o.sinks(ctx)
	if err != nil {
		log.Fatalf("Failed to open metric sinks: %v", err)
	}
	if sink != nil {
		defer sink.Close()
	}

	opts := training.Options{Train: train, Dev: dev, Classifier: clf, Sink: sink}
	if !o.quiet {
		opts.Progress = os.Stderr
	}
	trainer, err := training.NewTrainer(o.config, opts)
	if err != nil {
		log.Fatalf("Failed to create trainer: %v", err)
	}
	defer trainer.Close()

	fmt.Printf("=== layergan: %s %s %s, %s generator ===\n", o.config.Dataset, o.config.Size, o.config.Layer, o.config.Model)
	trainer.PrintArchitecture(os.Stdout)

	if err := trainer.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("Interrupted at iteration %d", trainer.Iteration())
			return
		}
		log.Fatalf("Training failed: %v", err)
	}
	log.Printf("Finished %d iterations", o.config.Iterations)
}
