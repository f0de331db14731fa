package models

import (
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/layers"
)

// GeneratorKind selects the generator architecture.
type GeneratorKind string

const (
	FCGeneratorKind   GeneratorKind = "fc"
	ConvGeneratorKind GeneratorKind = "conv"
)

// ParseGeneratorKind accepts the kind names used on the command line.
func ParseGeneratorKind(s string) (GeneratorKind, error) {
	switch strings.ToLower(s) {
	case "fc", "linear", "dense":
		return FCGeneratorKind, nil
	case "conv", "conv2d", "cnn":
		return ConvGeneratorKind, nil
	default:
		return "", errors.Errorf("unknown generator kind %q", s)
	}
}

// Generator maps a latent code [N, dim] to a feature batch [N, C, H, W].
type Generator interface {
	Network
	Kind() GeneratorKind
	LatentDim() int
	OutputShape() FeatureShape
}

// NewGenerator builds the generator for kind.
func NewGenerator(kind GeneratorKind, dim int, shape FeatureShape, rng *rand.Rand) (Generator, error) {
	switch kind {
	case FCGeneratorKind:
		return NewFCGenerator(dim, shape, rng)
	case ConvGeneratorKind:
		return NewConvGenerator(dim, shape, rng)
	default:
		return nil, errors.Errorf("unknown generator kind %q", kind)
	}
}

type generator struct {
	*layers.Model
	kind  GeneratorKind
	dim   int
	shape FeatureShape
}

func (g *generator) Kind() GeneratorKind       { return g.kind }
func (g *generator) LatentDim() int            { return g.dim }
func (g *generator) OutputShape() FeatureShape { return g.shape }

// FCGenerator expands the latent code through Linear layers of width 8s²,
// 4s² and 2s² (BatchNorm, ELU) and projects to C·s² values.
type FCGenerator struct {
	generator
}

func NewFCGenerator(dim int, shape FeatureShape, rng *rand.Rand) (*FCGenerator, error) {
	s, err := shape.squareSide()
	if err != nil {
		return nil, err
	}
	if dim <= 0 {
		return nil, errors.Errorf("invalid latent dimension %d", dim)
	}
	s2 := s * s

	model, err := layers.NewModelBuilder("generator", []int{dim}, rng).
		AddDense(8*s2, "generator.fc1").
		AddBatchNorm("generator.bn1").
		AddELU("generator.elu1").
		AddDense(4*s2, "generator.fc2").
		AddBatchNorm("generator.bn2").
		AddELU("generator.elu2").
		AddDense(2*s2, "generator.fc3").
		AddBatchNorm("generator.bn3").
		AddELU("generator.elu3").
		AddDense(shape.Size(), "generator.fc4").
		AddReshape(shape.Dims(), "generator.reshape").
		Compile()
	if err != nil {
		return nil, err
	}
	return &FCGenerator{generator{Model: model, kind: FCGeneratorKind, dim: dim, shape: shape}}, nil
}

// ConvGenerator projects the latent code to a single-channel P×P image,
// P = 8(s+1), and reduces it with three 3x3 stride-2 convolutions to
// [N, C, s, s].
type ConvGenerator struct {
	generator
	Projection int
}

// convProjectionSide is the smallest square that three unpadded 3x3
// stride-2 convolutions reduce to exactly s.
func convProjectionSide(s int) int {
	return 8 * (s + 1)
}

func NewConvGenerator(dim int, shape FeatureShape, rng *rand.Rand) (*ConvGenerator, error) {
	s, err := shape.squareSide()
	if err != nil {
		return nil, err
	}
	if dim <= 0 {
		return nil, errors.Errorf("invalid latent dimension %d", dim)
	}
	p := convProjectionSide(s)

	model, err := layers.NewModelBuilder("generator", []int{dim}, rng).
		AddDense(p*p, "generator.fc").
		AddELU("generator.elu0").
		AddReshape([]int{1, p, p}, "generator.reshape").
		AddConv2D(32, 3, 2, 0, "generator.conv1").
		AddBatchNorm("generator.bn1").
		AddELU("generator.elu1").
		AddConv2D(64, 3, 2, 0, "generator.conv2").
		AddBatchNorm("generator.bn2").
		AddELU("generator.elu2").
		AddConv2D(shape.Channels, 3, 2, 0, "generator.conv3").
		Compile()
	if err != nil {
		return nil, err
	}

	out := model.Spec().OutputShape
	if len(out) != 3 || out[0] != shape.Channels || out[1] != s || out[2] != s {
		return nil, errors.Errorf("conv generator produces %v, want %v", out, shape.Dims())
	}
	return &ConvGenerator{
		generator:  generator{Model: model, kind: ConvGeneratorKind, dim: dim, shape: shape},
		Projection: p,
	}, nil
}
