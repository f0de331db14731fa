package training

import (
	"math"
	"testing"
)

func TestSchedulers(t *testing.T) {
	baseLR := 0.1
	tests := []struct {
		name      string
		config    ScheduleConfig
		iteration int
		expected  float64
	}{
		{"constant", ScheduleConfig{Kind: ConstantSchedule}, 5000, 0.1},
		{"default kind", ScheduleConfig{}, 10, 0.1},
		{"step before decay", ScheduleConfig{Kind: StepSchedule, StepSize: 2, Gamma: 0.1}, 1, 0.1},
		{"step after two decays", ScheduleConfig{Kind: StepSchedule, StepSize: 2, Gamma: 0.1}, 5, 0.001},
		{"exponential", ScheduleConfig{Kind: ExponentialSchedule, Gamma: 0.9}, 2, 0.081},
		{"cosine midpoint", ScheduleConfig{Kind: CosineSchedule, TMax: 100, EtaMin: 0.0}, 50, 0.05},
		{"cosine end", ScheduleConfig{Kind: CosineSchedule, TMax: 100, EtaMin: 0.001}, 200, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewScheduler(tt.config)
			if err != nil {
				t.Fatalf("NewScheduler failed: %v", err)
			}
			if lr := s.GetLR(tt.iteration, baseLR); math.Abs(lr-tt.expected) > 1e-9 {
				t.Errorf("Expected LR %f, got %f", tt.expected, lr)
			}
		})
	}
}

func TestScheduleValidation(t *testing.T) {
	invalid := []ScheduleConfig{
		{Kind: "linear"},
		{Kind: StepSchedule, StepSize: 0, Gamma: 0.5},
		{Kind: StepSchedule, StepSize: 10, Gamma: 1.5},
		{Kind: ExponentialSchedule, Gamma: 0},
		{Kind: CosineSchedule, TMax: 0},
	}
	for _, config := range invalid {
		if _, err := NewScheduler(config); err == nil {
			t.Errorf("Expected error for %+v", config)
		}
	}
}
