package evaluate

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrDuplicatePercentile is returned when a sweep lists a percentile twice.
var ErrDuplicatePercentile = errors.New("duplicate percentile")

// DefaultPercentiles is the candidate set swept when none is configured.
var DefaultPercentiles = []float64{50, 55, 60, 65, 70, 75, 80, 85, 90, 95}

// Percentile returns the p-th percentile (0..100) of values using linear
// interpolation between the two closest ranks. values need not be sorted.
func Percentile(values []float64, p float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("percentile of empty slice")
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) (float64, error) {
	if p < 0 || p > 100 || math.IsNaN(p) {
		return 0, fmt.Errorf("percentile %v out of range [0, 100]", p)
	}

	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo], nil
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac, nil
}

// Point is the evaluation of one candidate percentile.
type Point struct {
	Percentile float64   `json:"percentile"`
	Threshold  float64   `json:"threshold"`
	Confusion  Confusion `json:"confusion"`
	Precision  float64   `json:"precision"`
	Recall     float64   `json:"recall"`
	F1         float64   `json:"f1"`
}

// SweepResult holds every evaluated candidate in input order and the index
// of the best one.
type SweepResult struct {
	Points []Point `json:"points"`
	Best   int     `json:"best"`
}

// BestPoint returns the candidate with the highest F1.
func (r SweepResult) BestPoint() Point {
	return r.Points[r.Best]
}

// Sweep evaluates each candidate percentile of the score distribution as a
// threshold, classifying scores above it as anomalous. Every percentile is
// evaluated exactly once, in input order; Best is the first argmax of F1.
func Sweep(scores []float64, labels []bool, percentiles []float64) (SweepResult, error) {
	if len(scores) != len(labels) {
		return SweepResult{}, fmt.Errorf("%w: %d scores, %d labels", ErrLengthMismatch, len(scores), len(labels))
	}
	if len(scores) == 0 {
		return SweepResult{}, errors.New("sweep over empty scores")
	}
	if len(percentiles) == 0 {
		return SweepResult{}, errors.New("sweep without candidate percentiles")
	}

	seen := make(map[float64]struct{}, len(percentiles))
	for _, p := range percentiles {
		if _, ok := seen[p]; ok {
			return SweepResult{}, fmt.Errorf("%w: %v", ErrDuplicatePercentile, p)
		}
		seen[p] = struct{}{}
	}

	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)

	res := SweepResult{Points: make([]Point, 0, len(percentiles))}
	for i, p := range percentiles {
		threshold, err := percentileSorted(sorted, p)
		if err != nil {
			return SweepResult{}, err
		}

		c, err := Confuse(labels, Classify(scores, threshold))
		if err != nil {
			return SweepResult{}, err
		}

		res.Points = append(res.Points, Point{
			Percentile: p,
			Threshold:  threshold,
			Confusion:  c,
			Precision:  c.Precision(),
			Recall:     c.Recall(),
			F1:         c.F1(),
		})
		if res.Points[i].F1 > res.Points[res.Best].F1 {
			res.Best = i
		}
	}

	return res, nil
}
