package classifier

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/tensor"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig configures an ONNXClassifier.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string // libonnxruntime; empty searches common locations
	InputName   string // default "input"
	OutputName  string // default "logits"

	// Labels, when set, are the targets for the first len(Labels) samples
	// of every batch.
	Labels []int

	// Threshold is the softmax confidence counted as a hit when no labels
	// are set (default 0.9).
	Threshold float64

	IntraOpThreads int
}

// ONNXClassifier runs the tail of a pretrained network, exported to ONNX,
// on generated feature maps.
type ONNXClassifier struct {
	config  ONNXConfig
	session *ort.DynamicAdvancedSession
	mu      sync.Mutex
}

// FindLibrary looks for libonnxruntime in common locations
func FindLibrary() string {
	candidates := []string{
		os.Getenv("ONNXRUNTIME_LIB"),
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// NewONNXClassifier initialises the ONNX Runtime environment and opens a
// session on config.ModelPath.
func NewONNXClassifier(config ONNXConfig) (*ONNXClassifier, error) {
	if config.InputName == "" {
		config.InputName = "input"
	}
	if config.OutputName == "" {
		config.OutputName = "logits"
	}
	if config.Threshold == 0 {
		config.Threshold = 0.9
	}
	if config.Threshold < 0 || config.Threshold > 1 {
		return nil, errors.Errorf("confidence threshold %g outside [0, 1]", config.Threshold)
	}
	if _, err := os.Stat(config.ModelPath); err != nil {
		return nil, errors.Wrap(err, "classifier model")
	}
	if config.LibraryPath == "" {
		config.LibraryPath = FindLibrary()
	}
	if config.LibraryPath == "" {
		return nil, errors.New("libonnxruntime not found; set ONNXRUNTIME_LIB")
	}

	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(config.LibraryPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "ORT init")
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "session options")
	}
	defer opts.Destroy()
	if config.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(config.IntraOpThreads); err != nil {
			return nil, errors.Wrap(err, "session options")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		config.ModelPath,
		[]string{config.InputName},
		[]string{config.OutputName},
		opts,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "classifier session %s", config.ModelPath)
	}
	return &ONNXClassifier{config: config, session: session}, nil
}

func (c *ONNXClassifier) Evaluate(ctx context.Context, batch *tensor.Tensor, iteration int) (Score, error) {
	if err := ctx.Err(); err != nil {
		return Score{}, err
	}
	if len(batch.Shape) < 2 {
		return Score{}, errors.Errorf("classifier expects a batched input, got %v", batch.Shape)
	}

	dims := make([]int64, len(batch.Shape))
	for i, d := range batch.Shape {
		dims[i] = int64(d)
	}
	input, err := ort.NewTensor(ort.NewShape(dims...), batch.Float32Data())
	if err != nil {
		return Score{}, errors.Wrap(err, "input tensor")
	}
	defer input.Destroy()

	c.mu.Lock()
	outputs := make([]ort.Value, 1)
	err = c.session.Run([]ort.Value{input}, outputs)
	c.mu.Unlock()
	if err != nil {
		return Score{}, errors.Wrapf(err, "classifier run at iteration %d", iteration)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return Score{}, errors.Errorf("unsupported output tensor type %T", outputs[0])
	}
	shape := out.GetShape()
	if len(shape) != 2 {
		return Score{}, errors.Errorf("classifier output must be [N, classes], got %v", shape)
	}
	raw := out.GetData()
	logits := make([]float64, len(raw))
	for i, v := range raw {
		logits[i] = float64(v)
	}

	var labels []int
	if c.config.Labels != nil {
		n := int(shape[0])
		if len(c.config.Labels) < n {
			return Score{}, errors.Errorf("%d labels configured for a batch of %d", len(c.config.Labels), n)
		}
		labels = c.config.Labels[:n]
	}
	return ScoreLogits(logits, int(shape[0]), int(shape[1]), labels, c.config.Threshold)
}

func (c *ONNXClassifier) Close() error {
	if c.session == nil {
		return nil
	}
	err := c.session.Destroy()
	c.session = nil
	return errors.Wrap(err, "classifier session")
}
