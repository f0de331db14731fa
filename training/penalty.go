package training

import (
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/tensor"
)

// normEps keeps the norm differentiable when a sample's gradient is zero.
const normEps = 1e-12

// Critic is the part of the discriminator the penalty needs.
type Critic interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// GradientPenalty returns weight * mean_i (||dD(x_i)/dx_i||_2 - 1)^2 over
// points x_i = a_i*real_i + (1-a_i)*fake_i with a_i ~ U(0, 1) drawn once per
// sample. real and fake are treated as constants. The result stays in the
// graph, so its backward pass reaches the critic's parameters.
func GradientPenalty(d Critic, real, fake *tensor.Tensor, weight float64, rng *rand.Rand) (*tensor.Tensor, error) {
	if !real.SameShape(fake) {
		return nil, errors.Errorf("real %v and fake %v batches differ in shape", real.Shape, fake.Shape)
	}
	if real.Dim() < 2 {
		return nil, errors.Errorf("gradient penalty needs a batched input, got %v", real.Shape)
	}
	n := real.Shape[0]

	alphaShape := make([]int, real.Dim())
	for i := range alphaShape {
		alphaShape[i] = 1
	}
	alphaShape[0] = n
	alpha, err := tensor.RandomUniform(rng, alphaShape, 0, 1)
	if err != nil {
		return nil, err
	}

	var mixed *tensor.Tensor
	err = tensor.NoGrad(func() error {
		a, err := tensor.Mul(alpha, real.Detach())
		if err != nil {
			return err
		}
		b, err := tensor.Mul(tensor.AddScalar(tensor.Neg(alpha), 1), fake.Detach())
		if err != nil {
			return err
		}
		mixed, err = tensor.Add(a, b)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to interpolate")
	}
	interpolates := mixed.Detach()
	interpolates.SetRequiresGrad(true)

	scores, err := d.Forward(interpolates)
	if err != nil {
		return nil, err
	}
	grads, err := tensor.Grad([]*tensor.Tensor{tensor.Sum(scores)}, []*tensor.Tensor{interpolates}, true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to differentiate critic")
	}

	flat, err := tensor.Reshape(grads[0], []int{n, -1})
	if err != nil {
		return nil, err
	}
	sq, err := tensor.SumTo(tensor.Square(flat), []int{n, 1})
	if err != nil {
		return nil, err
	}
	norms, err := tensor.Sqrt(tensor.AddScalar(sq, normEps))
	if err != nil {
		return nil, err
	}
	penalty := tensor.Mean(tensor.Square(tensor.AddScalar(norms, -1)))
	return tensor.Scale(penalty, weight), nil
}
