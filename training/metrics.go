package training

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-layergan/classifier"
	"github.com/tsawler/go-layergan/tracking"
)

// StepResult holds the costs of one outer iteration. The discriminator
// values come from the last critic step.
type StepResult struct {
	Iteration  int
	AECost     float64
	DCost      float64 // D_fake - D_real + penalty + beta*classifier loss
	GCost      float64 // -mean D(G(z))
	W1Distance float64 // D_real - D_fake
	Penalty    float64
	Classifier classifier.Score // score of the last critic step's fake batch
}

// Metrics is the record reported every checkpoint interval.
type Metrics struct {
	StepResult
	Beta     float64
	DevDCost float64
	Sample   classifier.Score // score of the freshly drawn sample batch
	Filter   string           // first channel of the first sample
}

// Map returns the metrics under their tracking names.
func (m Metrics) Map(dataset string) map[string]float64 {
	return map[string]float64{
		tracking.TrainDCost:              m.DCost,
		tracking.TrainGCost:              m.GCost,
		tracking.AECost:                  m.AECost,
		tracking.W1Distance:              m.W1Distance,
		tracking.DevDCost:                m.DevDCost,
		tracking.AccuracyMetric(dataset): m.Sample.Accuracy,
		tracking.LossMetric(dataset):     m.Sample.Loss,
	}
}

// Report formats the block printed every checkpoint interval.
func (m Metrics) Report() string {
	var b strings.Builder
	b.WriteString("****************\n")
	fmt.Fprintf(&b, "Iter %d Beta %g\n", m.Iteration, m.Beta)
	fmt.Fprintf(&b, "D cost %.6f\n", m.DCost)
	fmt.Fprintf(&b, "G cost %.6f\n", m.GCost)
	fmt.Fprintf(&b, "AE cost %.6f\n", m.AECost)
	fmt.Fprintf(&b, "W1 distance %.6f\n", m.W1Distance)
	fmt.Fprintf(&b, "clf accuracy %.6f\n", m.Classifier.Accuracy)
	fmt.Fprintf(&b, "clf loss %.6f\n", m.Classifier.Loss)
	fmt.Fprintf(&b, "filter 1: %s\n", m.Filter)
	b.WriteString("****************")
	return b.String()
}
