// Package tracking records named scalar training metrics.
package tracking

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Metric names reported every checkpoint interval.
const (
	TrainDCost = "train D cost"
	TrainGCost = "train G cost"
	AECost     = "AE cost"
	W1Distance = "W1 distance"
	DevDCost   = "dev D cost"
)

// AccuracyMetric and LossMetric name the classifier metrics of a dataset.
func AccuracyMetric(dataset string) string { return dataset + " accuracy" }
func LossMetric(dataset string) string     { return dataset + " loss" }

// Sink receives metric snapshots.
type Sink interface {
	LogMetrics(ctx context.Context, iteration int, metrics map[string]float64) error
	Close() error
}

// MultiSink fans a snapshot out to every sink and joins their errors.
type MultiSink []Sink

func (ms MultiSink) LogMetrics(ctx context.Context, iteration int, metrics map[string]float64) error {
	var msgs []string
	for _, s := range ms {
		if err := s.LogMetrics(ctx, iteration, metrics); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) > 0 {
		return errors.Errorf("%d sink(s) failed: %s", len(msgs), strings.Join(msgs, "; "))
	}
	return nil
}

func (ms MultiSink) Close() error {
	var first error
	for _, s := range ms {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogSink writes snapshots to a logger, one metric per line in name order.
type LogSink struct {
	Logger *log.Logger
}

func (ls LogSink) LogMetrics(ctx context.Context, iteration int, metrics map[string]float64) error {
	logger := ls.Logger
	if logger == nil {
		logger = log.Default()
	}
	for _, name := range SortedNames(metrics) {
		logger.Print(fmt.Sprintf("[%d] %s: %.6f", iteration, name, metrics[name]))
	}
	return nil
}

func (ls LogSink) Close() error { return nil }

// SortedNames returns the metric names in lexical order.
func SortedNames(metrics map[string]float64) []string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
