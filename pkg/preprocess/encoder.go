// Package preprocess turns NSL-KDD records into normalized feature vectors.
//
// The output layout is the 38 numeric features in schema order followed by
// one-hot blocks for protocol_type, service and flag. Categories are learned
// at fit time and kept sorted, so the same training file always produces
// the same layout and the same values.
package preprocess

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/kddbench/pkg/kdd"
)

// Scaler selects the per-column normalization.
type Scaler string

// Supported scalers.
const (
	ScalerMinMax   Scaler = "minmax"
	ScalerStandard Scaler = "standard"
)

// UnknownPolicy controls how categorical values unseen at fit time are
// handled.
type UnknownPolicy string

// Supported unknown category policies.
const (
	UnknownError  UnknownPolicy = "error"
	UnknownIgnore UnknownPolicy = "ignore"
)

var (
	// ErrUnseenCategory is returned by Transform for a categorical value
	// that was not present when the encoder was fitted.
	ErrUnseenCategory = errors.New("unseen categorical value")

	// ErrNotFitted is returned when Transform is called before Fit.
	ErrNotFitted = errors.New("encoder not fitted")
)

// categorical columns in one-hot block order
var categoricalColumns = []int{kdd.ColProtocol, kdd.ColService, kdd.ColFlag}

// Encoder one-hot encodes categorical columns and scales every output
// column. Fields are exported for gob.
type Encoder struct {
	Scaling Scaler
	Unknown UnknownPolicy

	// Categories holds the sorted categories per categorical column.
	Categories [3][]string

	// Output column j is (x[j] - Offset[j]) * Factor[j].
	Offset []float64
	Factor []float64

	Fitted bool

	index [3]map[string]int
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithScaler sets the normalization.
func WithScaler(s Scaler) Option {
	return func(e *Encoder) {
		e.Scaling = s
	}
}

// WithUnknown sets the unseen category policy.
func WithUnknown(p UnknownPolicy) Option {
	return func(e *Encoder) {
		e.Unknown = p
	}
}

// NewEncoder creates an Encoder. Defaults are min-max scaling and failing
// on unseen categories.
func NewEncoder(opts ...Option) *Encoder {
	e := &Encoder{
		Scaling: ScalerMinMax,
		Unknown: UnknownError,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Fit learns categories and scaling statistics from records.
func (e *Encoder) Fit(records []kdd.Record) error {
	if len(records) == 0 {
		return errors.New("fit encoder: no records")
	}
	if e.Scaling != ScalerMinMax && e.Scaling != ScalerStandard {
		return fmt.Errorf("fit encoder: unknown scaler %q", e.Scaling)
	}
	if e.Unknown != UnknownError && e.Unknown != UnknownIgnore {
		return fmt.Errorf("fit encoder: unknown category policy %q", e.Unknown)
	}

	for b := range categoricalColumns {
		seen := make(map[string]struct{})
		for _, r := range records {
			seen[categoricalValue(r, b)] = struct{}{}
		}
		cats := make([]string, 0, len(seen))
		for c := range seen {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		e.Categories[b] = cats
	}
	e.buildIndex()

	raw, err := e.encode(records, UnknownError)
	if err != nil {
		return fmt.Errorf("fit encoder: %w", err)
	}

	rows, cols := raw.Dims()
	e.Offset = make([]float64, cols)
	e.Factor = make([]float64, cols)
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, raw)

		var spread float64
		switch e.Scaling {
		case ScalerMinMax:
			e.Offset[j] = floats.Min(col)
			spread = floats.Max(col) - e.Offset[j]
		case ScalerStandard:
			e.Offset[j], spread = stat.PopMeanStdDev(col, nil)
		}

		// Constant columns map to zero
		if spread > 0 {
			e.Factor[j] = 1 / spread
		}
	}

	e.Fitted = true
	return nil
}

// Transform encodes and scales records. The result has one row per record.
func (e *Encoder) Transform(records []kdd.Record) ([][]float64, error) {
	if !e.Fitted {
		return nil, ErrNotFitted
	}
	if e.index[0] == nil {
		e.buildIndex()
	}

	raw, err := e.encode(records, e.Unknown)
	if err != nil {
		return nil, err
	}

	out := make([][]float64, len(records))
	for i := range records {
		row := raw.RawRowView(i)
		vec := make([]float64, len(row))
		for j, v := range row {
			vec[j] = (v - e.Offset[j]) * e.Factor[j]
			if math.IsNaN(vec[j]) || math.IsInf(vec[j], 0) {
				return nil, fmt.Errorf("record %d: column %d: non-finite value", i, j)
			}
		}
		out[i] = vec
	}

	return out, nil
}

// FitTransform fits the encoder and transforms the same records.
func (e *Encoder) FitTransform(records []kdd.Record) ([][]float64, error) {
	if err := e.Fit(records); err != nil {
		return nil, err
	}
	return e.Transform(records)
}

// Dim returns the width of the encoded vectors.
func (e *Encoder) Dim() int {
	n := kdd.NumNumeric
	for _, cats := range e.Categories {
		n += len(cats)
	}
	return n
}

// FeatureNames describes the encoded columns.
func (e *Encoder) FeatureNames() []string {
	names := make([]string, 0, e.Dim())
	names = append(names, kdd.NumericNames...)
	for b, col := range categoricalColumns {
		for _, c := range e.Categories[b] {
			names = append(names, kdd.FeatureNames[col]+"="+c)
		}
	}
	return names
}

// encode builds the unscaled matrix.
func (e *Encoder) encode(records []kdd.Record, policy UnknownPolicy) (*mat.Dense, error) {
	if len(records) == 0 {
		return nil, errors.New("no records")
	}

	dim := e.Dim()
	raw := mat.NewDense(len(records), dim, nil)

	for i, r := range records {
		row := raw.RawRowView(i)
		copy(row, r.Numeric[:])

		offset := kdd.NumNumeric
		for b, col := range categoricalColumns {
			v := categoricalValue(r, b)
			if k, ok := e.index[b][v]; ok {
				row[offset+k] = 1
			} else if policy == UnknownError {
				return nil, fmt.Errorf("record %d: %w: %s=%q", i, ErrUnseenCategory, kdd.FeatureNames[col], v)
			}
			offset += len(e.Categories[b])
		}
	}

	return raw, nil
}

func (e *Encoder) buildIndex() {
	for b, cats := range e.Categories {
		e.index[b] = make(map[string]int, len(cats))
		for k, c := range cats {
			e.index[b][c] = k
		}
	}
}

func categoricalValue(r kdd.Record, block int) string {
	switch block {
	case 0:
		return r.Protocol
	case 1:
		return r.Service
	default:
		return r.Flag
	}
}
