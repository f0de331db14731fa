package optimizer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/checkpoints"
	"github.com/tsawler/go-layergan/tensor"
	"gonum.org/v1/gonum/floats"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the GAN setting: lr 1e-3, betas (0.5, 0.9).
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.5,
		Beta2:        0.9,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

func (c AdamConfig) Validate() error {
	if c.LearningRate <= 0 {
		return errors.Errorf("invalid learning rate %g", c.LearningRate)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return errors.Errorf("invalid betas (%g, %g)", c.Beta1, c.Beta2)
	}
	if c.Epsilon <= 0 {
		return errors.Errorf("invalid epsilon %g", c.Epsilon)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("invalid weight decay %g", c.WeightDecay)
	}
	return nil
}

// Adam keeps first and second moment estimates per parameter.
type Adam struct {
	config AdamConfig
	params []*tensor.Tensor

	momentum [][]float64
	variance [][]float64

	// Step tracking for bias correction
	stepCount uint64

	scratch []float64
}

// NewAdam creates an Adam optimizer over params.
func NewAdam(config AdamConfig, params []*tensor.Tensor) (*Adam, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}

	adam := &Adam{
		config:   config,
		params:   params,
		momentum: make([][]float64, len(params)),
		variance: make([][]float64, len(params)),
	}
	for i, p := range params {
		if p == nil {
			return nil, errors.Errorf("parameter %d is nil", i)
		}
		adam.momentum[i] = make([]float64, len(p.Data))
		adam.variance[i] = make([]float64, len(p.Data))
	}
	return adam, nil
}

func (a *Adam) Parameters() []*tensor.Tensor { return a.params }

func (a *Adam) Config() AdamConfig { return a.config }

// Step performs one bias-corrected Adam update.
func (a *Adam) Step() error {
	a.stepCount++
	bc1 := 1 - math.Pow(a.config.Beta1, float64(a.stepCount))
	bc2 := 1 - math.Pow(a.config.Beta2, float64(a.stepCount))
	stepSize := a.config.LearningRate / bc1
	sqrtBC2 := math.Sqrt(bc2)

	for i, p := range a.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if len(grad.Data) != len(p.Data) {
			return errors.Errorf("gradient for parameter %d has %d elements, expected %d", i, len(grad.Data), len(p.Data))
		}

		g := grad.Data
		if a.config.WeightDecay != 0 {
			if cap(a.scratch) < len(g) {
				a.scratch = make([]float64, len(g))
			}
			a.scratch = a.scratch[:len(g)]
			copy(a.scratch, g)
			floats.AddScaled(a.scratch, a.config.WeightDecay, p.Data)
			g = a.scratch
		}

		m, v := a.momentum[i], a.variance[i]
		for j, gj := range g {
			m[j] = a.config.Beta1*m[j] + (1-a.config.Beta1)*gj
			v[j] = a.config.Beta2*v[j] + (1-a.config.Beta2)*gj*gj
			p.Data[j] -= stepSize * m[j] / (math.Sqrt(v[j])/sqrtBC2 + a.config.Epsilon)
		}
	}
	return nil
}

func (a *Adam) ZeroGrad() {
	tensor.ZeroGrad(a.params)
}

// GetState extracts optimizer state for checkpointing
func (a *Adam) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    float64(a.stepCount),
		},
		StateData: make([]checkpoints.OptimizerTensor, 0, 2*len(a.params)),
	}

	for i, p := range a.params {
		state.StateData = append(state.StateData,
			extractBufferState(a.momentum[i], p.Shape, fmt.Sprintf("m_%d", i), "m"),
			extractBufferState(a.variance[i], p.Shape, fmt.Sprintf("v_%d", i), "v"),
		)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (a *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(a.params) {
			return errors.Errorf("invalid parameter index %d in %s", idx, st.Name)
		}
		switch st.StateType {
		case "m":
			if err := restoreBufferState(a.momentum[idx], st.Data, st.Name); err != nil {
				return err
			}
		case "v":
			if err := restoreBufferState(a.variance[idx], st.Data, st.Name); err != nil {
				return err
			}
		default:
			return errors.Errorf("unknown Adam state type %q", st.StateType)
		}
	}

	a.config.LearningRate = extractFloatParam(state.Parameters, "learning_rate", a.config.LearningRate)
	a.config.Beta1 = extractFloatParam(state.Parameters, "beta1", a.config.Beta1)
	a.config.Beta2 = extractFloatParam(state.Parameters, "beta2", a.config.Beta2)
	a.config.Epsilon = extractFloatParam(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", a.config.WeightDecay)
	a.stepCount = uint64(extractFloatParam(state.Parameters, "step_count", float64(a.stepCount)))
	return nil
}

// GetStepCount returns the current optimization step number
func (a *Adam) GetStepCount() uint64 {
	return a.stepCount
}

// UpdateLearningRate updates the learning rate
func (a *Adam) UpdateLearningRate(lr float64) {
	a.config.LearningRate = lr
}
