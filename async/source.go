package async

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/checkpoints"
)

// BatchSource yields batches of feature maps. Sources are not safe for
// concurrent use; a Feed owns its source exclusively.
type BatchSource interface {
	// Next returns the next batch and its shape [n, ...]. It returns io.EOF
	// once a pass over the data is complete.
	Next() (data []float64, shape []int, err error)

	// Reset rewinds the source to the beginning of a new pass.
	Reset() error

	// Len returns the number of batches per pass, or -1 if unknown or
	// unbounded.
	Len() int
}

// MemorySource batches an in-memory [N, ...] tensor.
type MemorySource struct {
	data       []float64
	sampleDims []int
	sampleSize int
	numSamples int
	batchSize  int
	dropLast   bool

	rng   *rand.Rand
	order []int
	pos   int
}

// MemorySourceConfig holds configuration for a MemorySource
type MemorySourceConfig struct {
	BatchSize int
	DropLast  bool       // skip the final partial batch
	Shuffle   *rand.Rand // reshuffle on every Reset when non-nil
}

// NewMemorySource creates a source over data of the given [N, ...] shape.
// data is not copied.
func NewMemorySource(data []float64, shape []int, config MemorySourceConfig) (*MemorySource, error) {
	if len(shape) < 2 {
		return nil, errors.Errorf("memory source needs a batched shape, got %v", shape)
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	sampleSize := 1
	for _, d := range shape[1:] {
		if d <= 0 {
			return nil, errors.Errorf("invalid shape %v", shape)
		}
		sampleSize *= d
	}
	if shape[0] <= 0 || len(data) != shape[0]*sampleSize {
		return nil, errors.Errorf("shape %v needs %d values, got %d", shape, shape[0]*sampleSize, len(data))
	}

	ms := &MemorySource{
		data:       data,
		sampleDims: append([]int(nil), shape[1:]...),
		sampleSize: sampleSize,
		numSamples: shape[0],
		batchSize:  config.BatchSize,
		dropLast:   config.DropLast,
		rng:        config.Shuffle,
		order:      make([]int, shape[0]),
	}
	for i := range ms.order {
		ms.order[i] = i
	}
	if ms.Len() == 0 {
		return nil, errors.Errorf("%d samples do not fill a batch of %d", ms.numSamples, ms.batchSize)
	}
	ms.shuffle()
	return ms, nil
}

func (ms *MemorySource) shuffle() {
	if ms.rng == nil {
		return
	}
	ms.rng.Shuffle(len(ms.order), func(i, j int) {
		ms.order[i], ms.order[j] = ms.order[j], ms.order[i]
	})
}

func (ms *MemorySource) Next() ([]float64, []int, error) {
	remaining := ms.numSamples - ms.pos
	if remaining <= 0 || (ms.dropLast && remaining < ms.batchSize) {
		return nil, nil, io.EOF
	}
	n := ms.batchSize
	if remaining < n {
		n = remaining
	}

	out := make([]float64, n*ms.sampleSize)
	for i := 0; i < n; i++ {
		src := ms.order[ms.pos+i] * ms.sampleSize
		copy(out[i*ms.sampleSize:(i+1)*ms.sampleSize], ms.data[src:src+ms.sampleSize])
	}
	ms.pos += n
	return out, append([]int{n}, ms.sampleDims...), nil
}

func (ms *MemorySource) Reset() error {
	ms.pos = 0
	ms.shuffle()
	return nil
}

func (ms *MemorySource) Len() int {
	if ms.dropLast {
		return ms.numSamples / ms.batchSize
	}
	return (ms.numSamples + ms.batchSize - 1) / ms.batchSize
}

// GaussianSource produces synthetic N(Mean, Std) batches.
type GaussianSource struct {
	sampleDims []int
	batchSize  int
	mean, std  float64
	batches    int
	seed       int64

	rng     *rand.Rand
	emitted int
}

// GaussianSourceConfig holds configuration for a GaussianSource
type GaussianSourceConfig struct {
	BatchSize int
	Mean      float64
	Std       float64
	Batches   int // batches per pass; 0 means unbounded
	Seed      int64
}

// NewGaussianSource creates a synthetic source of per-sample shape dims.
// Every pass replays the same values.
func NewGaussianSource(dims []int, config GaussianSourceConfig) (*GaussianSource, error) {
	if len(dims) == 0 {
		return nil, errors.New("gaussian source needs a sample shape")
	}
	for _, d := range dims {
		if d <= 0 {
			return nil, errors.Errorf("invalid sample shape %v", dims)
		}
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Std < 0 || config.Batches < 0 {
		return nil, errors.Errorf("invalid gaussian source std=%g batches=%d", config.Std, config.Batches)
	}
	return &GaussianSource{
		sampleDims: append([]int(nil), dims...),
		batchSize:  config.BatchSize,
		mean:       config.Mean,
		std:        config.Std,
		batches:    config.Batches,
		seed:       config.Seed,
		rng:        rand.New(rand.NewSource(config.Seed)),
	}, nil
}

func (gs *GaussianSource) Next() ([]float64, []int, error) {
	if gs.batches > 0 && gs.emitted >= gs.batches {
		return nil, nil, io.EOF
	}
	size := gs.batchSize
	for _, d := range gs.sampleDims {
		size *= d
	}
	out := make([]float64, size)
	for i := range out {
		out[i] = gs.mean + gs.std*gs.rng.NormFloat64()
	}
	gs.emitted++
	return out, append([]int{gs.batchSize}, gs.sampleDims...), nil
}

func (gs *GaussianSource) Reset() error {
	gs.emitted = 0
	gs.rng = rand.New(rand.NewSource(gs.seed))
	return nil
}

func (gs *GaussianSource) Len() int {
	if gs.batches == 0 {
		return -1
	}
	return gs.batches
}

// DirSource streams tensor files (see checkpoints.WriteTensorFile) from a
// directory in name order and re-batches their samples.
type DirSource struct {
	files     []string
	batchSize int
	dropLast  bool
	cache     *FileCache

	fileIdx    int
	pending    []float64
	sampleDims []int
	sampleSize int
}

// NewDirSource lists the files matching pattern (for example "*.tensor")
// under dir.
func NewDirSource(dir, pattern string, batchSize int, dropLast bool) (*DirSource, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrap(err, "failed to open data directory")
	}
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid pattern %q", pattern)
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no files matching %s in %s", pattern, dir)
	}
	sort.Strings(files)
	return &DirSource{files: files, batchSize: batchSize, dropLast: dropLast}, nil
}

// UseCache reads files through c. Later passes over the directory then
// skip decoding.
func (ds *DirSource) UseCache(c *FileCache) *DirSource {
	ds.cache = c
	return ds
}

func (ds *DirSource) pendingSamples() int {
	if ds.sampleSize == 0 {
		return 0
	}
	return len(ds.pending) / ds.sampleSize
}

func (ds *DirSource) load(path string) error {
	var rec checkpoints.TensorRecord
	var err error
	if ds.cache != nil {
		rec, err = ds.cache.Load(path)
	} else {
		rec, err = checkpoints.ReadTensorFile(path)
	}
	if err != nil {
		return err
	}
	if len(rec.Shape) < 2 {
		return errors.Errorf("%s: expected a batched tensor, got shape %v", path, rec.Shape)
	}
	dims := rec.Shape[1:]
	if ds.sampleDims == nil {
		ds.sampleDims = append([]int(nil), dims...)
		ds.sampleSize = len(rec.Data) / rec.Shape[0]
	} else if !equalInts(ds.sampleDims, dims) {
		return errors.Errorf("%s: sample shape %v differs from %v", path, dims, ds.sampleDims)
	}
	ds.pending = append(ds.pending, rec.Data...)
	return nil
}

func (ds *DirSource) Next() ([]float64, []int, error) {
	for ds.pendingSamples() < ds.batchSize && ds.fileIdx < len(ds.files) {
		if err := ds.load(ds.files[ds.fileIdx]); err != nil {
			return nil, nil, err
		}
		ds.fileIdx++
	}

	n := ds.pendingSamples()
	if n == 0 || (ds.dropLast && n < ds.batchSize) {
		return nil, nil, io.EOF
	}
	if n > ds.batchSize {
		n = ds.batchSize
	}

	size := n * ds.sampleSize
	out := make([]float64, size)
	copy(out, ds.pending[:size])
	ds.pending = append(ds.pending[:0], ds.pending[size:]...)
	return out, append([]int{n}, ds.sampleDims...), nil
}

func (ds *DirSource) Reset() error {
	ds.fileIdx = 0
	ds.pending = ds.pending[:0]
	return nil
}

func (ds *DirSource) Len() int { return -1 }

func equalInts(a, b []int) bool {
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
