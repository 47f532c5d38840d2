package evaluate

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/kddbench/pkg/kdd"
)

func TestConfusionMetrics(t *testing.T) {
	c := Confusion{TP: 90, FP: 4, FN: 9, TN: 97}

	assert.InDelta(t, 90.0/94.0, c.Precision(), 1e-12)
	assert.InDelta(t, 90.0/99.0, c.Recall(), 1e-12)
	assert.InDelta(t, 180.0/193.0, c.F1(), 1e-12)
	assert.InDelta(t, 187.0/200.0, c.Accuracy(), 1e-12)
	assert.InDelta(t, 4.0/101.0, c.FalsePositiveRate(), 1e-12)
	assert.Equal(t, 200, c.Total())

	// F1 equals the harmonic mean of precision and recall
	p, r := c.Precision(), c.Recall()
	assert.InDelta(t, 2*p*r/(p+r), c.F1(), 1e-12)
}

func TestConfusionZeroDivision(t *testing.T) {
	tests := []struct {
		name string
		c    Confusion
	}{
		{name: "empty", c: Confusion{}},
		{name: "nothing flagged", c: Confusion{TN: 10, FN: 5}},
		{name: "no anomalies", c: Confusion{TN: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, 0.0, tt.c.Precision())
			assert.Equal(t, 0.0, tt.c.F1())
			assert.False(t, math.IsNaN(tt.c.Recall()))
		})
	}
}

func TestConfuse(t *testing.T) {
	labels := []bool{true, true, false, false, true}
	predicted := []bool{true, false, true, false, true}

	c, err := Confuse(labels, predicted)
	require.NoError(t, err)
	assert.Equal(t, Confusion{TP: 2, FP: 1, TN: 1, FN: 1}, c)

	_, err = Confuse(labels, predicted[:2])
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestClassifyStrictlyAbove(t *testing.T) {
	assert.Equal(t, []bool{false, false, true}, Classify([]float64{0.1, 0.5, 0.9}, 0.5))
}

func TestPercentile(t *testing.T) {
	values := []float64{15, 20, 35, 40, 50}

	tests := []struct {
		p    float64
		want float64
	}{
		{p: 0, want: 15},
		{p: 25, want: 20},
		{p: 40, want: 29},
		{p: 50, want: 35},
		{p: 55, want: 36},
		{p: 100, want: 50},
	}

	for _, tt := range tests {
		got, err := Percentile(values, tt.p)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-12, "p=%v", tt.p)
	}

	_, err := Percentile(values, 101)
	assert.Error(t, err)
	_, err = Percentile(nil, 50)
	assert.Error(t, err)

	// input order is irrelevant and untouched
	shuffled := []float64{40, 15, 50, 35, 20}
	got, err := Percentile(shuffled, 50)
	require.NoError(t, err)
	assert.Equal(t, 35.0, got)
	assert.Equal(t, []float64{40, 15, 50, 35, 20}, shuffled)
}

func TestSweep(t *testing.T) {
	// 10 samples, anomalies carry the top 4 scores
	scores := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}
	labels := []bool{false, false, false, false, false, false, true, true, true, true}
	percentiles := []float64{90, 50, 55, 60, 80}

	res, err := Sweep(scores, labels, percentiles)
	require.NoError(t, err)
	require.Len(t, res.Points, len(percentiles))

	for i, p := range percentiles {
		assert.Equal(t, p, res.Points[i].Percentile)
	}

	// argmax of F1 over the evaluated set
	best := 0
	for i, pt := range res.Points {
		if pt.F1 > res.Points[best].F1 {
			best = i
		}
	}
	assert.Equal(t, best, res.Best)

	// p=60 gives threshold 0.64: exactly the 4 anomalies are above it.
	// p=50 and p=55 both land between 0.5 and 0.6 and flag one normal.
	bp := res.BestPoint()
	assert.Equal(t, 60.0, bp.Percentile)
	assert.InDelta(t, 0.64, bp.Threshold, 1e-9)
	assert.Equal(t, Confusion{TP: 4, TN: 6}, bp.Confusion)
	assert.Equal(t, 1.0, bp.F1)

	assert.InDelta(t, 8.0/9.0, res.Points[1].F1, 1e-12)
	assert.InDelta(t, 8.0/9.0, res.Points[2].F1, 1e-12)
}

func TestSweepTieKeepsFirst(t *testing.T) {
	scores := []float64{1, 2, 3, 4}
	labels := []bool{false, false, false, false}

	res, err := Sweep(scores, labels, []float64{60, 70, 80})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Best)
}

func TestSweepErrors(t *testing.T) {
	scores := []float64{1, 2, 3}
	labels := []bool{false, true, true}

	_, err := Sweep(scores, labels, []float64{50, 60, 50})
	assert.ErrorIs(t, err, ErrDuplicatePercentile)

	_, err = Sweep(scores, labels[:1], []float64{50})
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = Sweep(scores, labels, []float64{-1})
	assert.Error(t, err)

	_, err = Sweep(scores, labels, nil)
	assert.Error(t, err)

	_, err = Sweep(nil, nil, []float64{50})
	assert.Error(t, err)
}

func TestROCAUC(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		labels []bool
		want   float64
	}{
		{
			name:   "perfect",
			scores: []float64{0.1, 0.2, 0.8, 0.9},
			labels: []bool{false, false, true, true},
			want:   1,
		},
		{
			name:   "inverted",
			scores: []float64{0.9, 0.8, 0.2, 0.1},
			labels: []bool{false, false, true, true},
			want:   0,
		},
		{
			name:   "all tied",
			scores: []float64{0.5, 0.5, 0.5, 0.5},
			labels: []bool{false, true, false, true},
			want:   0.5,
		},
		{
			name:   "mixed",
			scores: []float64{0.1, 0.4, 0.35, 0.8},
			labels: []bool{false, false, true, true},
			want:   0.75,
		},
		{
			name:   "single class",
			scores: []float64{0.1, 0.4},
			labels: []bool{true, true},
			want:   0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ROCAUC(tt.scores, tt.labels)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestROCCurve(t *testing.T) {
	points, err := ROCCurve([]float64{0.1, 0.4, 0.35, 0.8}, []bool{false, false, true, true})
	require.NoError(t, err)

	assert.Equal(t, ROCPoint{0, 0}, points[0])
	assert.Equal(t, ROCPoint{1, 1}, points[len(points)-1])
	assert.Equal(t, ROCPoint{FPR: 0, TPR: 0.5}, points[1])
	assert.Len(t, points, 5)
}

func TestCategoryRecall(t *testing.T) {
	records := []kdd.Record{
		{Label: "neptune"},
		{Label: "smurf"},
		{Label: "portsweep"},
		{Label: "normal"},
	}
	predicted := []bool{true, false, true, true}

	got, err := CategoryRecall(records, predicted)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{kdd.CategoryDoS: 0.5, kdd.CategoryProbe: 1}, got)

	_, err = CategoryRecall(records, predicted[:1])
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestF1Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("F1 lies between precision and recall", prop.ForAll(
		func(tp, fp, fn int) bool {
			c := Confusion{TP: tp, FP: fp, FN: fn}
			p, r, f := c.Precision(), c.Recall(), c.F1()
			lo, hi := math.Min(p, r), math.Max(p, r)
			return f >= lo-1e-12 && f <= hi+1e-12
		},
		gen.IntRange(0, 10000),
		gen.IntRange(0, 10000),
		gen.IntRange(0, 10000),
	))

	properties.Property("sweep best is the F1 argmax", prop.ForAll(
		func(scores []float64, flags []bool) bool {
			n := min(len(scores), len(flags))
			if n == 0 {
				return true
			}
			res, err := Sweep(scores[:n], flags[:n], DefaultPercentiles)
			if err != nil || len(res.Points) != len(DefaultPercentiles) {
				return false
			}
			for _, pt := range res.Points {
				if pt.F1 > res.BestPoint().F1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
