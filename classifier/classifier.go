// Package classifier scores generated feature batches with a fixed,
// pretrained classifier.
package classifier

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-layergan/tensor"
	"gonum.org/v1/gonum/floats"
)

// Score is the classifier's verdict on one batch.
type Score struct {
	Accuracy float64
	Loss     float64
}

// Classifier evaluates a generated batch [N, C, H, W].
type Classifier interface {
	Evaluate(ctx context.Context, batch *tensor.Tensor, iteration int) (Score, error)
	Close() error
}

// Constant returns the same score for every batch. It stands in when no
// classifier model is configured.
type Constant struct {
	Score Score
}

func (c Constant) Evaluate(ctx context.Context, batch *tensor.Tensor, iteration int) (Score, error) {
	if err := ctx.Err(); err != nil {
		return Score{}, err
	}
	return c.Score, nil
}

func (c Constant) Close() error { return nil }

// ScoreLogits turns row-major logits [n, k] into a Score.
//
// With labels, Accuracy is the fraction of argmax predictions equal to the
// label and Loss is the mean cross-entropy. Without labels, Accuracy is the
// fraction of samples whose top softmax probability reaches threshold and
// Loss is the mean predictive entropy in nats.
func ScoreLogits(logits []float64, n, k int, labels []int, threshold float64) (Score, error) {
	if n <= 0 || k <= 0 || len(logits) != n*k {
		return Score{}, errors.Errorf("logits of length %d do not form [%d, %d]", len(logits), n, k)
	}
	if labels != nil && len(labels) < n {
		return Score{}, errors.Errorf("%d labels for %d samples", len(labels), n)
	}

	var hits, loss float64
	logProbs := make([]float64, k)
	for i := 0; i < n; i++ {
		row := logits[i*k : (i+1)*k]
		lse := floats.LogSumExp(row)
		for j, v := range row {
			logProbs[j] = v - lse
		}
		top := floats.MaxIdx(row)

		if labels != nil {
			label := labels[i]
			if label < 0 || label >= k {
				return Score{}, errors.Errorf("label %d out of range for %d classes", label, k)
			}
			if top == label {
				hits++
			}
			loss -= logProbs[label]
			continue
		}

		if math.Exp(logProbs[top]) >= threshold {
			hits++
		}
		for _, lp := range logProbs {
			loss -= math.Exp(lp) * lp
		}
	}
	return Score{Accuracy: hits / float64(n), Loss: loss / float64(n)}, nil
}
