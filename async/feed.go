package async

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/tensor"
)

// Batch is one prefetched batch.
type Batch struct {
	Tensor  *tensor.Tensor
	BatchID uint64
	Epoch   uint64 // completed passes over the source when the batch was read
}

type batchResult struct {
	batch *Batch
	err   error
}

// FeedConfig holds configuration for a Feed
type FeedConfig struct {
	PrefetchDepth int // Number of batches to prefetch (default: 3)
}

// Feed cycles a BatchSource forever, prefetching batches on a background
// goroutine. It is the endless training sequence.
type Feed struct {
	source        BatchSource
	prefetchDepth int

	batches chan batchResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// The worker only touches the counters, so Stop can hold mutex while it
	// waits for the worker to exit.
	batchCounter atomic.Uint64
	epochs       atomic.Uint64
	isRunning    bool
	mutex        sync.RWMutex
}

// NewFeed creates a feed over source. Call Start before Next.
func NewFeed(source BatchSource, config FeedConfig) (*Feed, error) {
	if source == nil {
		return nil, errors.New("data source cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}
	return &Feed{
		source:        source,
		prefetchDepth: config.PrefetchDepth,
	}, nil
}

// Start begins prefetching. The feed stops when ctx is cancelled or Stop is
// called.
func (f *Feed) Start(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.isRunning {
		return errors.New("feed is already running")
	}

	f.ctx, f.cancel = context.WithCancel(ctx)
	f.batches = make(chan batchResult, f.prefetchDepth)
	f.wg.Add(1)
	go f.worker(f.ctx, f.batches)

	f.isRunning = true
	return nil
}

// Stop stops the prefetching goroutine and discards queued batches.
func (f *Feed) Stop() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if !f.isRunning {
		return nil
	}
	f.cancel()
	f.wg.Wait()
	for range f.batches {
	}
	f.isRunning = false
	return nil
}

// Next returns the next batch, blocking until one is ready.
func (f *Feed) Next(ctx context.Context) (*Batch, error) {
	f.mutex.RLock()
	running := f.isRunning
	batches := f.batches
	f.mutex.RUnlock()
	if !running {
		return nil, errors.New("feed is not running")
	}

	select {
	case res, ok := <-batches:
		if !ok {
			return nil, errors.New("feed has been stopped")
		}
		if res.err != nil {
			return nil, errors.Wrap(res.err, "feed error")
		}
		return res.batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker reads the source and restarts it at the end of every pass. A pass
// that yields nothing is an error; the feed would otherwise spin forever.
func (f *Feed) worker(ctx context.Context, out chan<- batchResult) {
	defer f.wg.Done()
	defer close(out)
	send := func(res batchResult) bool {
		select {
		case out <- res:
			return true
		case <-ctx.Done():
			return false
		}
	}

	emptyPass := true
	for ctx.Err() == nil {
		data, shape, err := f.source.Next()
		if err == io.EOF {
			if emptyPass {
				send(batchResult{err: errors.New("data source produced no batches")})
				return
			}
			f.epochs.Add(1)
			if err := f.source.Reset(); err != nil {
				send(batchResult{err: errors.Wrap(err, "failed to reset data source")})
				return
			}
			emptyPass = true
			continue
		}
		if err != nil {
			send(batchResult{err: errors.Wrap(err, "failed to get batch from data source")})
			return
		}

		t, err := tensor.NewTensor(shape, data)
		if err != nil {
			send(batchResult{err: err})
			return
		}
		emptyPass = false

		id := f.batchCounter.Add(1) - 1
		batch := &Batch{Tensor: t, BatchID: id, Epoch: f.epochs.Load()}

		if !send(batchResult{batch: batch}) {
			return
		}
	}
}

// Stats returns statistics about the feed
func (f *Feed) Stats() FeedStats {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	stats := FeedStats{
		IsRunning:       f.isRunning,
		BatchesProduced: f.batchCounter.Load(),
		Epochs:          f.epochs.Load(),
		QueueCapacity:   f.prefetchDepth,
	}
	if f.batches != nil {
		stats.QueuedBatches = len(f.batches)
	}
	return stats
}

// FeedStats provides statistics about the feed
type FeedStats struct {
	IsRunning       bool
	BatchesProduced uint64
	Epochs          uint64
	QueuedBatches   int
	QueueCapacity   int
}

// DevSet replays a finite source from the start on every call to Batches.
type DevSet struct {
	source BatchSource
}

func NewDevSet(source BatchSource) (*DevSet, error) {
	if source == nil {
		return nil, errors.New("data source cannot be nil")
	}
	if gs, ok := source.(*GaussianSource); ok && gs.Len() < 0 {
		return nil, errors.New("dev set needs a bounded gaussian source")
	}
	return &DevSet{source: source}, nil
}

// Batches calls fn for every batch of one full pass. A source without a
// known length is read until io.EOF.
func (d *DevSet) Batches(ctx context.Context, fn func(*tensor.Tensor) error) error {
	if err := d.source.Reset(); err != nil {
		return errors.Wrap(err, "failed to reset dev source")
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, shape, err := d.source.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to read dev batch")
		}
		t, err := tensor.NewTensor(shape, data)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
}
