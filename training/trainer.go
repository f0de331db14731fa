// Package training runs the feature-layer WGAN-GP: an autoencoder phase, a
// number of critic phases and a generator phase per outer iteration.
package training

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/async"
	"github.com/tsawler/go-layergan/classifier"
	"github.com/tsawler/go-layergan/models"
	"github.com/tsawler/go-layergan/optimizer"
	"github.com/tsawler/go-layergan/tensor"
	"github.com/tsawler/go-layergan/tracking"
)

// Options carries the collaborators of a Trainer.
type Options struct {
	Train async.BatchSource // cycled forever
	Dev   async.BatchSource // replayed in full every checkpoint interval

	Classifier classifier.Classifier // nil scores every batch as zero
	Sink       tracking.Sink         // nil disables metric forwarding
	Logger     *log.Logger           // nil uses log.Default()
	Progress   io.Writer             // nil disables the progress bar

	PrefetchDepth int
}

// PhaseCounts counts completed phases since the trainer was created.
type PhaseCounts struct {
	Autoencoder   int
	Discriminator int
	Generator     int
}

// Trainer owns E, G and D, their optimizers and the iteration counter.
type Trainer struct {
	config Config
	shape  models.FeatureShape
	rng    *rand.Rand

	encoder       *models.Encoder
	generator     models.Generator
	discriminator *models.Discriminator

	optE *optimizer.Adam
	optG *optimizer.Adam
	optD *optimizer.Adam

	mse         *MSELoss
	scheduler   LRScheduler
	checkpoints *CheckpointManager

	feed       *async.Feed
	dev        *async.DevSet
	classifier classifier.Classifier
	sink       tracking.Sink
	logger     *log.Logger
	progress   io.Writer

	iteration int // next iteration to run
	counts    PhaseCounts
	last      StepResult
}

// NewTrainer builds the networks and optimizers and starts prefetching the
// training source. With config.Resume it continues from the newest
// checkpoint set. Close releases the feed.
func NewTrainer(config Config, opts Options) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid training config")
	}
	if opts.Train == nil || opts.Dev == nil {
		return nil, errors.New("training and dev sources are required")
	}

	t := &Trainer{
		config:     config,
		shape:      config.FeatureShape,
		rng:        rand.New(rand.NewSource(config.Seed)),
		mse:        NewMSELoss("mean"),
		classifier: opts.Classifier,
		sink:       opts.Sink,
		logger:     opts.Logger,
		progress:   opts.Progress,
	}
	if t.classifier == nil {
		t.classifier = classifier.Constant{}
	}
	if t.logger == nil {
		t.logger = log.Default()
	}

	var err error
	if t.encoder, err = models.NewEncoder(t.shape, config.NF, t.rng); err != nil {
		return nil, err
	}
	if t.generator, err = models.NewGenerator(config.Model, config.Dim, t.shape, t.rng); err != nil {
		return nil, err
	}
	if t.discriminator, err = models.NewDiscriminator(t.shape, t.rng); err != nil {
		return nil, err
	}

	if t.optE, err = optimizer.NewAdam(config.Adam, t.encoder.Parameters()); err != nil {
		return nil, errors.Wrap(err, "encoder optimizer")
	}
	if t.optG, err = optimizer.NewAdam(config.Adam, t.generator.Parameters()); err != nil {
		return nil, errors.Wrap(err, "generator optimizer")
	}
	if t.optD, err = optimizer.NewAdam(config.Adam, t.discriminator.Parameters()); err != nil {
		return nil, errors.Wrap(err, "discriminator optimizer")
	}
	if t.scheduler, err = NewScheduler(config.LRSchedule); err != nil {
		return nil, err
	}
	t.checkpoints = newCheckpointManager(config, t.encoder, t.generator, t.discriminator, t.optE, t.optG, t.optD)

	if config.Resume {
		it, ok, err := t.checkpoints.Restore()
		if err != nil {
			return nil, errors.Wrap(err, "failed to resume")
		}
		if ok {
			t.iteration = it + 1
			t.logger.Printf("==> resumed from iteration %d", it)
		} else {
			t.logger.Printf("==> no checkpoint under %s, starting from scratch", config.Layout().GeneratorDir())
		}
	}

	if t.dev, err = async.NewDevSet(opts.Dev); err != nil {
		return nil, err
	}
	if t.feed, err = async.NewFeed(opts.Train, async.FeedConfig{PrefetchDepth: opts.PrefetchDepth}); err != nil {
		return nil, err
	}
	if err := t.feed.Start(context.Background()); err != nil {
		return nil, err
	}
	return t, nil
}

// Close stops the training feed. Collaborators passed in Options are owned
// by the caller.
func (t *Trainer) Close() error {
	return t.feed.Stop()
}

func (t *Trainer) Iteration() int                       { return t.iteration }
func (t *Trainer) PhaseCounts() PhaseCounts             { return t.counts }
func (t *Trainer) LastResult() StepResult               { return t.last }
func (t *Trainer) Encoder() *models.Encoder             { return t.encoder }
func (t *Trainer) Generator() models.Generator          { return t.generator }
func (t *Trainer) Discriminator() *models.Discriminator { return t.discriminator }
func (t *Trainer) Checkpoints() *CheckpointManager      { return t.checkpoints }

// PrintArchitecture writes the three network summaries to out.
func (t *Trainer) PrintArchitecture(out io.Writer) {
	printer := NewModelArchitecturePrinter(out)
	printer.PrintArchitecture(t.encoder.Spec())
	printer.PrintArchitecture(t.generator.Spec())
	printer.PrintArchitecture(t.discriminator.Spec())
}

// Run steps until config.Iterations or until ctx is cancelled, in which
// case it returns ctx.Err().
func (t *Trainer) Run(ctx context.Context) error {
	var bar *ProgressBar
	if t.progress != nil {
		bar = NewProgressBar(t.progress, "Training", t.iteration, t.config.Iterations)
		defer bar.Finish()
	}

	for t.iteration < t.config.Iterations {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := t.Step(ctx)
		if err != nil {
			return errors.Wrapf(err, "iteration %d", res.Iteration)
		}
		if bar != nil {
			bar.Update(t.iteration, map[string]float64{
				"D":  res.DCost,
				"G":  res.GCost,
				"AE": res.AECost,
			})
		}
	}
	return nil
}

// Step runs one outer iteration and its periodic side effects.
func (t *Trainer) Step(ctx context.Context) (StepResult, error) {
	it := t.iteration
	res := StepResult{Iteration: it}
	t.applySchedule(it)

	batch, err := t.feed.Next(ctx)
	if err != nil {
		return res, err
	}
	real := batch.Tensor
	if err := t.checkBatch(real); err != nil {
		return res, err
	}

	if res.AECost, err = t.autoencoderPhase(real); err != nil {
		return res, errors.Wrap(err, "autoencoder phase")
	}
	for i := 0; i < t.config.CriticIters; i++ {
		if err := t.discriminatorPhase(ctx, real, it, &res); err != nil {
			return res, errors.Wrap(err, "discriminator phase")
		}
	}
	if res.GCost, err = t.generatorPhase(t.config.BatchSize); err != nil {
		return res, errors.Wrap(err, "generator phase")
	}
	t.last = res

	if it%t.config.LogInterval == 0 {
		t.logger.Printf("==> iter: %d", it)
	}
	if it%t.config.CheckpointInterval == 0 {
		if err := t.periodic(ctx, res); err != nil {
			return res, err
		}
	}
	t.iteration++
	return res, nil
}

func (t *Trainer) checkBatch(real *tensor.Tensor) error {
	want := t.shape.Dims()
	if real.Dim() != len(want)+1 {
		return errors.Errorf("expected batch [N %v], got %v", want, real.Shape)
	}
	for i, d := range want {
		if real.Shape[i+1] != d {
			return errors.Errorf("expected batch [N %v], got %v", want, real.Shape)
		}
	}
	return nil
}

func (t *Trainer) applySchedule(iteration int) {
	if _, constant := t.scheduler.(NoOpScheduler); constant {
		return
	}
	lr := t.scheduler.GetLR(iteration, t.config.Adam.LearningRate)
	t.optE.UpdateLearningRate(lr)
	t.optG.UpdateLearningRate(lr)
	t.optD.UpdateLearningRate(lr)
}

func (t *Trainer) noise(n int) (*tensor.Tensor, error) {
	return tensor.RandomNormal(t.rng, []int{n, t.config.Dim}, 0, 1)
}

// autoencoderPhase fits G(E(real)) to real with D frozen and returns the
// reconstruction error.
func (t *Trainer) autoencoderPhase(real *tensor.Tensor) (float64, error) {
	t.discriminator.SetRequiresGrad(false)
	t.encoder.SetRequiresGrad(true)
	t.generator.SetRequiresGrad(true)
	t.encoder.ZeroGrad()
	t.generator.ZeroGrad()

	code, err := t.encoder.Forward(real)
	if err != nil {
		return 0, err
	}
	recon, err := t.generator.Forward(code)
	if err != nil {
		return 0, err
	}
	loss, err := t.mse.Forward(recon, real)
	if err != nil {
		return 0, err
	}
	if err := loss.Backward(); err != nil {
		return 0, err
	}
	if err := t.optE.Step(); err != nil {
		return 0, err
	}
	if err := t.optG.Step(); err != nil {
		return 0, err
	}
	t.counts.Autoencoder++
	return loss.Data[0], nil
}

// discriminatorPhase runs one critic update and overwrites the critic
// fields of res. The fake batch matches the real batch size so the penalty
// can interpolate between them.
func (t *Trainer) discriminatorPhase(ctx context.Context, real *tensor.Tensor, iteration int, res *StepResult) error {
	t.discriminator.SetRequiresGrad(true)
	t.discriminator.ZeroGrad()

	realOut, err := t.discriminator.Forward(real)
	if err != nil {
		return err
	}
	dReal := tensor.Mean(realOut)

	z, err := t.noise(real.Shape[0])
	if err != nil {
		return err
	}
	var fake *tensor.Tensor
	err = tensor.NoGrad(func() error {
		var err error
		fake, err = t.generator.Forward(z)
		return err
	})
	if err != nil {
		return err
	}
	fakeOut, err := t.discriminator.Forward(fake)
	if err != nil {
		return err
	}
	dFake := tensor.Mean(fakeOut)

	penalty, err := GradientPenalty(t.discriminator, real, fake, t.config.GPWeight, t.rng)
	if err != nil {
		return err
	}

	// D ascends D_real and descends D_fake and the penalty.
	wgan, err := tensor.Sub(dFake, dReal)
	if err != nil {
		return err
	}
	loss, err := tensor.Add(wgan, penalty)
	if err != nil {
		return err
	}
	if err := loss.Backward(); err != nil {
		return err
	}

	score, err := t.classifier.Evaluate(ctx, fake, iteration)
	if err != nil {
		return errors.Wrap(err, "classifier")
	}
	if err := t.optD.Step(); err != nil {
		return err
	}

	res.Penalty = penalty.Data[0]
	res.W1Distance = dReal.Data[0] - dFake.Data[0]
	res.DCost = dFake.Data[0] - dReal.Data[0] + res.Penalty + t.config.Beta*score.Loss
	res.Classifier = score
	t.counts.Discriminator++
	return nil
}

// generatorPhase pushes mean D(G(z)) up with D frozen and returns the
// generator cost, the negated mean score.
func (t *Trainer) generatorPhase(n int) (float64, error) {
	t.discriminator.SetRequiresGrad(false)
	defer t.discriminator.SetRequiresGrad(true)
	t.generator.SetRequiresGrad(true)
	t.generator.ZeroGrad()

	z, err := t.noise(n)
	if err != nil {
		return 0, err
	}
	fake, err := t.generator.Forward(z)
	if err != nil {
		return 0, err
	}
	out, err := t.discriminator.Forward(fake)
	if err != nil {
		return 0, err
	}
	score := tensor.Mean(out)
	if err := tensor.Neg(score).Backward(); err != nil {
		return 0, err
	}
	if err := t.optG.Step(); err != nil {
		return 0, err
	}
	t.counts.Generator++
	return -score.Data[0], nil
}

// periodic measures the dev cost, draws and scores a sample batch, saves
// checkpoints and reports the metrics. Sampling runs G in training mode and
// moves its batch statistics, so checkpoints are written after it.
func (t *Trainer) periodic(ctx context.Context, res StepResult) error {
	devCost, err := t.DevCost(ctx)
	if err != nil {
		return err
	}

	samples, err := t.Sample(t.config.BatchSize)
	if err != nil {
		return err
	}
	score, err := t.classifier.Evaluate(ctx, samples, res.Iteration)
	if err != nil {
		return errors.Wrap(err, "classifier")
	}
	if _, err := SaveSamples(t.config.SampleDir(), res.Iteration, samples, t.config.SavePNG); err != nil {
		return err
	}
	if err := t.checkpoints.Save(res.Iteration); err != nil {
		return err
	}
	t.logger.Print("==> saved model instances")

	m := Metrics{
		StepResult: res,
		Beta:       t.config.Beta,
		DevDCost:   devCost,
		Sample:     score,
		Filter:     formatFilter(samples),
	}
	if t.sink != nil {
		if err := t.sink.LogMetrics(ctx, res.Iteration, m.Map(t.config.Dataset)); err != nil {
			return errors.Wrap(err, "failed to report metrics")
		}
	}
	t.logger.Print(m.Report())
	return nil
}

// DevCost is the mean over every dev batch of -mean D(batch).
func (t *Trainer) DevCost(ctx context.Context) (float64, error) {
	var total float64
	var batches int
	err := tensor.NoGrad(func() error {
		return t.dev.Batches(ctx, func(b *tensor.Tensor) error {
			if err := t.checkBatch(b); err != nil {
				return err
			}
			out, err := t.discriminator.Forward(b)
			if err != nil {
				return err
			}
			total -= tensor.Mean(out).Data[0]
			batches++
			return nil
		})
	})
	if err != nil {
		return 0, errors.Wrap(err, "dev pass")
	}
	if batches == 0 {
		return 0, errors.New("dev source produced no batches")
	}
	return total / float64(batches), nil
}

// Sample draws n generated feature maps from fresh noise.
func (t *Trainer) Sample(n int) (*tensor.Tensor, error) {
	z, err := t.noise(n)
	if err != nil {
		return nil, err
	}
	var samples *tensor.Tensor
	err = tensor.NoGrad(func() error {
		var err error
		samples, err = t.generator.Forward(z)
		return err
	})
	return samples, err
}

// formatFilter renders samples[0, 0, :, :] one row per line.
func formatFilter(samples *tensor.Tensor) string {
	if samples.Dim() != 4 {
		return samples.PrintData(16)
	}
	h, w := samples.Shape[2], samples.Shape[3]
	var b strings.Builder
	for y := 0; y < h; y++ {
		b.WriteString("\n  [")
		for x := 0; x < w; x++ {
			if x > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%8.4f", samples.Data[y*w+x])
		}
		b.WriteByte(']')
	}
	return b.String()
}
