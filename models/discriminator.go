package models

import (
	"math/rand"

	"github.com/tsawler/go-layergan/layers"
)

// DiscriminatorWidth is the hidden width of the critic.
const DiscriminatorWidth = 512

// Discriminator scores a feature batch [N, C, H, W] with one value in (0, 1)
// per sample. The score is used as a critic value, not a probability.
type Discriminator struct {
	*layers.Model
}

func NewDiscriminator(shape FeatureShape, rng *rand.Rand) (*Discriminator, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	model, err := layers.NewModelBuilder("discriminator", shape.Dims(), rng).
		AddFlatten("discriminator.flatten").
		AddDense(DiscriminatorWidth, "discriminator.fc1").
		AddELU("discriminator.elu1").
		AddDense(DiscriminatorWidth, "discriminator.fc2").
		AddELU("discriminator.elu2").
		AddDense(1, "discriminator.fc3").
		AddELU("discriminator.elu3").
		AddSigmoid("discriminator.sigmoid").
		Compile()
	if err != nil {
		return nil, err
	}
	return &Discriminator{Model: model}, nil
}
