package models

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/layers"
)

// EncoderNoiseStd is the standard deviation of the input noise added while
// training.
const EncoderNoiseStd = 0.01

// Encoder maps a feature batch [N, C, H, W] to a latent code [N, nf].
type Encoder struct {
	*layers.Model
	Width int
}

// NewEncoder builds flatten, input noise, then three Linear layers of width
// 4nf, 2nf and nf, each followed by BatchNorm and ELU.
func NewEncoder(shape FeatureShape, nf int, rng *rand.Rand) (*Encoder, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if nf <= 0 {
		return nil, errors.Errorf("invalid encoder width %d", nf)
	}

	model, err := layers.NewModelBuilder("encoder", shape.Dims(), rng).
		AddFlatten("encoder.flatten").
		AddGaussianNoise(EncoderNoiseStd, "encoder.noise").
		AddDense(4*nf, "encoder.fc1").
		AddBatchNorm("encoder.bn1").
		AddELU("encoder.elu1").
		AddDense(2*nf, "encoder.fc2").
		AddBatchNorm("encoder.bn2").
		AddELU("encoder.elu2").
		AddDense(nf, "encoder.fc3").
		AddBatchNorm("encoder.bn3").
		AddELU("encoder.elu3").
		Compile()
	if err != nil {
		return nil, err
	}
	return &Encoder{Model: model, Width: nf}, nil
}
