// Package detectors provides unsupervised anomaly detection algorithms.
package detectors

import (
	"context"
	"errors"
)

// Errors shared by all detectors.
var (
	ErrNotTrained        = errors.New("model not trained")
	ErrEmptyData         = errors.New("empty training data")
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
)

// Detector is the common interface for all anomaly detection algorithms.
type Detector interface {
	// Fit trains the detector on historical data.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// Predict returns anomaly scores for the given samples.
	// Higher values indicate anomalies; the range depends on the detector.
	Predict(data [][]float64) ([]float64, error)

	// PredictOne returns the anomaly score for a single sample.
	PredictOne(sample []float64) (float64, error)

	// Threshold returns the score above which a sample is anomalous.
	Threshold() float64

	// SetThreshold updates the anomaly threshold.
	SetThreshold(t float64)

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// StreamDetector extends Detector with streaming capabilities.
type StreamDetector interface {
	Detector

	// PredictStream processes samples from a channel and outputs scores.
	PredictStream(ctx context.Context, input <-chan []float64, output chan<- Score) error
}

// Score represents an anomaly detection result.
type Score struct {
	// Value is the anomaly score.
	Value float64
	// IsAnomaly indicates if the score exceeds the threshold.
	IsAnomaly bool
	// Features contains the original input features.
	Features []float64
	// Metadata contains additional information.
	Metadata map[string]any
}

// Stream drives d.PredictOne over input and closes output when input is
// drained or ctx is done. Samples that fail to score are dropped.
func Stream(ctx context.Context, d Detector, input <-chan []float64, output chan<- Score) error {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-input:
			if !ok {
				return nil
			}

			score, err := d.PredictOne(sample)
			if err != nil {
				if errors.Is(err, ErrNotTrained) {
					return err
				}
				continue
			}

			select {
			case output <- Score{
				Value:     score,
				IsAnomaly: score > d.Threshold(),
				Features:  sample,
			}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
