package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// ScheduleKind names a learning rate schedule.
type ScheduleKind string

const (
	ConstantSchedule    ScheduleKind = "constant"
	StepSchedule        ScheduleKind = "step"
	ExponentialSchedule ScheduleKind = "exponential"
	CosineSchedule      ScheduleKind = "cosine"
)

// ScheduleConfig selects and parameterises the schedule applied to all three
// optimizers. Iteration counts are outer iterations.
type ScheduleConfig struct {
	Kind     ScheduleKind
	StepSize int     // step: iterations between decays
	Gamma    float64 // step, exponential: multiplicative decay
	TMax     int     // cosine: iterations to reach EtaMin
	EtaMin   float64 // cosine: final learning rate
}

func ParseScheduleKind(s string) (ScheduleKind, error) {
	switch k := ScheduleKind(strings.ToLower(s)); k {
	case "", ConstantSchedule:
		return ConstantSchedule, nil
	case StepSchedule, ExponentialSchedule, CosineSchedule:
		return k, nil
	default:
		return "", errors.Errorf("unknown learning rate schedule %q", s)
	}
}

func (sc ScheduleConfig) Validate() error {
	kind, err := ParseScheduleKind(string(sc.Kind))
	if err != nil {
		return err
	}
	switch kind {
	case StepSchedule:
		if sc.StepSize <= 0 || sc.Gamma <= 0 || sc.Gamma >= 1 {
			return errors.Errorf("step schedule needs step size > 0 and gamma in (0, 1), got %d and %f", sc.StepSize, sc.Gamma)
		}
	case ExponentialSchedule:
		if sc.Gamma <= 0 || sc.Gamma >= 1 {
			return errors.Errorf("exponential schedule needs gamma in (0, 1), got %f", sc.Gamma)
		}
	case CosineSchedule:
		if sc.TMax <= 0 || sc.EtaMin < 0 {
			return errors.Errorf("cosine schedule needs t_max > 0 and eta_min >= 0, got %d and %f", sc.TMax, sc.EtaMin)
		}
	}
	return nil
}

// LRScheduler maps an iteration to a learning rate. Implementations are
// stateless so a resumed run picks up the same rate.
type LRScheduler interface {
	GetLR(iteration int, baseLR float64) float64
	GetName() string
}

// NewScheduler builds the schedule described by config.
func NewScheduler(config ScheduleConfig) (LRScheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	kind, _ := ParseScheduleKind(string(config.Kind))
	switch kind {
	case StepSchedule:
		return &StepLRScheduler{StepSize: config.StepSize, Gamma: config.Gamma}, nil
	case ExponentialSchedule:
		return &ExponentialLRScheduler{Gamma: config.Gamma}, nil
	case CosineSchedule:
		return &CosineAnnealingLRScheduler{TMax: config.TMax, EtaMin: config.EtaMin}, nil
	default:
		return NoOpScheduler{}, nil
	}
}

// StepLRScheduler multiplies the rate by Gamma every StepSize iterations.
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

func (s *StepLRScheduler) GetLR(iteration int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(iteration/s.StepSize))
}

func (s *StepLRScheduler) GetName() string { return "StepLR" }

type ExponentialLRScheduler struct {
	Gamma float64
}

func (s *ExponentialLRScheduler) GetLR(iteration int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(iteration))
}

func (s *ExponentialLRScheduler) GetName() string { return "ExponentialLR" }

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax
// iterations and stays there.
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

func (s *CosineAnnealingLRScheduler) GetLR(iteration int, baseLR float64) float64 {
	if iteration >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(iteration)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string { return "CosineAnnealingLR" }

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (NoOpScheduler) GetLR(iteration int, baseLR float64) float64 { return baseLR }
func (NoOpScheduler) GetName() string                            { return "ConstantLR" }
