package checkpoints

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

var tensorMagic = []byte("LGTN\x01")

const (
	trShape protowire.Number = iota + 1
	trData
	trLabels
)

// TensorRecord is a batch of samples stored on disk: a [N, ...] tensor and
// optional per-sample labels.
type TensorRecord struct {
	Shape  []int
	Data   []float64
	Labels []int
}

func (r TensorRecord) Validate() error {
	if len(r.Shape) == 0 {
		return errors.New("tensor record has no shape")
	}
	n := 1
	for _, d := range r.Shape {
		if d <= 0 {
			return errors.Errorf("tensor record has invalid shape %v", r.Shape)
		}
		n *= d
	}
	if n != len(r.Data) {
		return errors.Errorf("tensor record shape %v needs %d values, has %d", r.Shape, n, len(r.Data))
	}
	if len(r.Labels) != 0 && len(r.Labels) != r.Shape[0] {
		return errors.Errorf("tensor record has %d labels for %d samples", len(r.Labels), r.Shape[0])
	}
	return nil
}

// WriteTensorFile writes r to path, creating parent directories.
func WriteTensorFile(path string, r TensorRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create tensor directory")
	}

	b := append([]byte(nil), tensorMagic...)
	b = appendPackedInts(b, trShape, r.Shape)
	b = appendPackedDoubles(b, trData, r.Data)
	if len(r.Labels) > 0 {
		b = appendPackedInts(b, trLabels, r.Labels)
	}
	return errors.Wrapf(os.WriteFile(path, b, 0o644), "failed to write tensor file %s", path)
}

// ReadTensorFile reads a file written by WriteTensorFile.
func ReadTensorFile(path string) (TensorRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TensorRecord{}, errors.Wrap(err, "failed to open tensor file")
	}
	if !bytes.HasPrefix(data, tensorMagic) {
		return TensorRecord{}, errors.Errorf("%s is not a tensor file", path)
	}

	var r TensorRecord
	err = consumeFields(data[len(tensorMagic):], func(num protowire.Number, typ protowire.Type, v []byte) error {
		var err error
		switch num {
		case trShape:
			r.Shape, err = parsePackedInts(v)
		case trData:
			r.Data, err = parsePackedDoubles(v)
		case trLabels:
			r.Labels, err = parsePackedInts(v)
		}
		return err
	})
	if err != nil {
		return TensorRecord{}, errors.Wrapf(err, "failed to decode tensor file %s", path)
	}
	if err := r.Validate(); err != nil {
		return TensorRecord{}, errors.Wrap(err, path)
	}
	return r, nil
}
