// Package models defines the autoencoder, generator and critic networks of
// the feature-layer GAN.
package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/layers"
	"github.com/tsawler/go-layergan/tensor"
)

// Network is the capability shared by every model in this package.
type Network interface {
	Name() string
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	State() []layers.NamedTensor
	SetTraining(training bool)
	SetRequiresGrad(requires bool)
	ZeroGrad()
	Spec() layers.ModelSpec
	Summary() string
}

// FeatureShape is the per-sample shape of the modelled feature layer.
type FeatureShape struct {
	Channels int
	Height   int
	Width    int
}

// DefaultFeatureShape is the conv2 activation shape of the wide classifier.
var DefaultFeatureShape = FeatureShape{Channels: 256, Height: 7, Width: 7}

func (fs FeatureShape) Dims() []int {
	return []int{fs.Channels, fs.Height, fs.Width}
}

// Size is the number of values in one sample.
func (fs FeatureShape) Size() int {
	return fs.Channels * fs.Height * fs.Width
}

// BatchShape returns [n, C, H, W].
func (fs FeatureShape) BatchShape(n int) []int {
	return []int{n, fs.Channels, fs.Height, fs.Width}
}

func (fs FeatureShape) String() string {
	return fmt.Sprintf("%dx%dx%d", fs.Channels, fs.Height, fs.Width)
}

// ParseFeatureShape reads a "CxHxW" string such as "256x7x7".
func ParseFeatureShape(s string) (FeatureShape, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 3 {
		return FeatureShape{}, errors.Errorf("feature shape %q is not CxHxW", s)
	}
	dims := make([]int, 3)
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil {
			return FeatureShape{}, errors.Wrapf(err, "feature shape %q", s)
		}
		dims[i] = d
	}
	fs := FeatureShape{Channels: dims[0], Height: dims[1], Width: dims[2]}
	return fs, fs.Validate()
}

func (fs FeatureShape) Validate() error {
	if fs.Channels <= 0 || fs.Height <= 0 || fs.Width <= 0 {
		return errors.Errorf("invalid feature shape %v", fs.Dims())
	}
	return nil
}

// squareSide returns the spatial side length generators produce.
func (fs FeatureShape) squareSide() (int, error) {
	if err := fs.Validate(); err != nil {
		return 0, err
	}
	if fs.Height != fs.Width {
		return 0, errors.Errorf("generators need a square feature map, got %dx%d", fs.Height, fs.Width)
	}
	return fs.Height, nil
}
