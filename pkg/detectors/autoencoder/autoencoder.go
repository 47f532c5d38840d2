// Package autoencoder implements a feed-forward autoencoder that scores
// samples by their reconstruction error.
package autoencoder

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/kddbench/pkg/detectors"
)

// predictBatch bounds the rows forwarded at once when scoring.
const predictBatch = 4096

// Autoencoder is a symmetric dense network trained to reproduce its input.
type Autoencoder struct {
	mu sync.RWMutex

	// Configuration
	hidden        []int
	output        Activation
	epochs        int
	batchSize     int
	learningRate  float64
	contamination float64
	threshold     float64
	rng           *rand.Rand
	logger        *zap.Logger
	onEpoch       func(epoch int, loss float64)

	// Trained model
	layers  []*layer
	losses  []float64
	trained bool
}

// Option configures an Autoencoder.
type Option func(*Autoencoder)

// WithHidden sets the hidden layer widths, encoder and decoder included.
func WithHidden(sizes ...int) Option {
	return func(a *Autoencoder) {
		a.hidden = append([]int(nil), sizes...)
	}
}

// WithOutput sets the output activation. Use Sigmoid for min-max scaled
// inputs and Linear for standardized inputs.
func WithOutput(act Activation) Option {
	return func(a *Autoencoder) {
		a.output = act
	}
}

// WithEpochs sets the number of passes over the training data.
func WithEpochs(n int) Option {
	return func(a *Autoencoder) {
		a.epochs = n
	}
}

// WithBatchSize sets the mini-batch size.
func WithBatchSize(n int) Option {
	return func(a *Autoencoder) {
		a.batchSize = n
	}
}

// WithLearningRate sets the Adam step size.
func WithLearningRate(lr float64) Option {
	return func(a *Autoencoder) {
		a.learningRate = lr
	}
}

// WithContamination sets the expected proportion of anomalies used to
// derive the default threshold from training errors. Zero disables it.
func WithContamination(c float64) Option {
	return func(a *Autoencoder) {
		a.contamination = c
	}
}

// WithSeed sets the random seed for weight init and shuffling.
func WithSeed(seed int64) Option {
	return func(a *Autoencoder) {
		a.rng = rand.New(rand.NewSource(seed))
	}
}

// WithLogger sets the logger used for training progress.
func WithLogger(l *zap.Logger) Option {
	return func(a *Autoencoder) {
		a.logger = l
	}
}

// WithEpochHook registers fn to be called with the mean loss of each epoch.
func WithEpochHook(fn func(epoch int, loss float64)) Option {
	return func(a *Autoencoder) {
		a.onEpoch = fn
	}
}

// New creates a new Autoencoder with the given options.
func New(opts ...Option) *Autoencoder {
	a := &Autoencoder{
		hidden:        []int{32, 16, 32},
		output:        Sigmoid,
		epochs:        20,
		batchSize:     256,
		learningRate:  1e-3,
		contamination: 0.1,
		rng:           rand.New(rand.NewSource(42)),
		logger:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Fit trains the autoencoder on data.
func (a *Autoencoder) Fit(data [][]float64) error {
	return a.FitContext(context.Background(), data)
}

// FitContext trains the autoencoder on data, stopping between batches when
// ctx is done.
func (a *Autoencoder) FitContext(ctx context.Context, data [][]float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(data) == 0 {
		return detectors.ErrEmptyData
	}
	if err := a.validate(); err != nil {
		return err
	}

	dim := len(data[0])
	x := mat.NewDense(len(data), dim, nil)
	for i, row := range data {
		if len(row) != dim {
			return fmt.Errorf("row %d: %w: got %d, want %d", i, detectors.ErrDimensionMismatch, len(row), dim)
		}
		x.SetRow(i, row)
	}

	// A refit that fails leaves no usable model behind.
	a.trained = false
	a.layers = a.initLayers(dim)
	opt := newAdam(a.layers, a.learningRate)
	a.losses = a.losses[:0]

	n := len(data)
	batch := mat.NewDense(min(a.batchSize, n), dim, nil)
	for epoch := 1; epoch <= a.epochs; epoch++ {
		perm := a.rng.Perm(n)

		var total float64
		for start := 0; start < n; start += a.batchSize {
			if err := ctx.Err(); err != nil {
				return err
			}

			end := min(start+a.batchSize, n)
			b := batch.Slice(0, end-start, 0, dim).(*mat.Dense)
			for i, idx := range perm[start:end] {
				b.SetRow(i, x.RawRowView(idx))
			}

			total += a.step(b, opt) * float64(end-start)
		}

		loss := total / float64(n)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return fmt.Errorf("epoch %d: training diverged", epoch)
		}
		a.losses = append(a.losses, loss)
		a.logger.Debug("autoencoder epoch",
			zap.Int("epoch", epoch),
			zap.Int("epochs", a.epochs),
			zap.Float64("loss", loss),
		)
		if a.onEpoch != nil {
			a.onEpoch(epoch, loss)
		}
	}

	a.trained = true

	if a.contamination > 0 {
		errs := a.reconstructionErrors(x)
		sort.Float64s(errs)
		a.threshold = stat.Quantile(1-a.contamination, stat.Empirical, errs, nil)
	}

	return nil
}

func (a *Autoencoder) validate() error {
	if a.epochs < 1 || a.batchSize < 1 {
		return fmt.Errorf("invalid configuration: epochs=%d batch size=%d", a.epochs, a.batchSize)
	}
	if a.learningRate <= 0 {
		return fmt.Errorf("invalid learning rate %v", a.learningRate)
	}
	if a.contamination < 0 || a.contamination > 0.5 {
		return fmt.Errorf("invalid contamination %v: must be in [0, 0.5]", a.contamination)
	}
	for _, h := range a.hidden {
		if h < 1 {
			return fmt.Errorf("invalid hidden layer width %d", h)
		}
	}
	return nil
}

func (a *Autoencoder) initLayers(dim int) []*layer {
	sizes := append(append([]int{dim}, a.hidden...), dim)
	layers := make([]*layer, len(sizes)-1)
	for i := range layers {
		act := ReLU
		if i == len(layers)-1 {
			act = a.output
		}
		layers[i] = newLayer(sizes[i], sizes[i+1], act, a.rng)
	}
	return layers
}

// step runs one forward/backward pass over batch and applies an Adam
// update. It returns the mean squared error of the batch.
func (a *Autoencoder) step(batch *mat.Dense, opt *adam) float64 {
	acts := forward(a.layers, batch)
	out := acts[len(acts)-1].(*mat.Dense)

	rows, cols := out.Dims()
	var diff mat.Dense
	diff.Sub(out, batch)
	d := diff.RawMatrix().Data
	loss := floats.Dot(d, d) / float64(rows*cols)

	// dL/dŷ for the mean over all elements
	grad := &diff
	grad.Scale(2/float64(rows*cols), grad)

	grads := make([]layerGrad, len(a.layers))
	for l := len(a.layers) - 1; l >= 0; l-- {
		ly := a.layers[l]
		ly.Act.backward(grad, acts[l+1].(*mat.Dense))

		var dw mat.Dense
		dw.Mul(acts[l].T(), grad)
		db := make([]float64, ly.Out)
		for i := 0; i < rows; i++ {
			floats.Add(db, grad.RawRowView(i))
		}
		grads[l] = layerGrad{W: dw.RawMatrix().Data, B: db}

		if l > 0 {
			var next mat.Dense
			next.Mul(grad, ly.W.T())
			grad = &next
		}
	}

	opt.update(a.layers, grads)
	return loss
}

// Predict returns the mean squared reconstruction error of each sample.
func (a *Autoencoder) Predict(data [][]float64) ([]float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.trained {
		return nil, detectors.ErrNotTrained
	}
	if len(data) == 0 {
		return []float64{}, nil
	}

	dim := a.layers[0].In
	x := mat.NewDense(len(data), dim, nil)
	for i, row := range data {
		if len(row) != dim {
			return nil, fmt.Errorf("sample %d: %w: got %d, want %d", i, detectors.ErrDimensionMismatch, len(row), dim)
		}
		x.SetRow(i, row)
	}

	return a.reconstructionErrors(x), nil
}

// PredictOne returns the reconstruction error of a single sample.
func (a *Autoencoder) PredictOne(sample []float64) (float64, error) {
	scores, err := a.Predict([][]float64{sample})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// Reconstruct returns the network output for each sample.
func (a *Autoencoder) Reconstruct(data [][]float64) ([][]float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.trained {
		return nil, detectors.ErrNotTrained
	}

	if len(data) == 0 {
		return [][]float64{}, nil
	}

	dim := a.layers[0].In
	x := mat.NewDense(len(data), dim, nil)
	for i, row := range data {
		if len(row) != dim {
			return nil, fmt.Errorf("sample %d: %w: got %d, want %d", i, detectors.ErrDimensionMismatch, len(row), dim)
		}
		x.SetRow(i, row)
	}

	acts := forward(a.layers, x)
	recon := acts[len(acts)-1].(*mat.Dense)
	out := make([][]float64, len(data))
	for i := range out {
		out[i] = append([]float64(nil), recon.RawRowView(i)...)
	}
	return out, nil
}

func (a *Autoencoder) reconstructionErrors(x *mat.Dense) []float64 {
	rows, dim := x.Dims()
	errs := make([]float64, rows)

	for start := 0; start < rows; start += predictBatch {
		end := min(start+predictBatch, rows)
		b := x.Slice(start, end, 0, dim)
		acts := forward(a.layers, b)
		out := acts[len(acts)-1].(*mat.Dense)
		for i := start; i < end; i++ {
			var sum float64
			for j, v := range out.RawRowView(i - start) {
				d := v - x.At(i, j)
				sum += d * d
			}
			errs[i] = sum / float64(dim)
		}
	}

	return errs
}

// PredictStream processes samples from a channel and closes output when
// input is drained.
func (a *Autoencoder) PredictStream(ctx context.Context, input <-chan []float64, output chan<- detectors.Score) error {
	a.mu.RLock()
	trained := a.trained
	a.mu.RUnlock()

	if !trained {
		close(output)
		return detectors.ErrNotTrained
	}

	return detectors.Stream(ctx, a, input, output)
}

// LossHistory returns the mean training loss of each epoch.
func (a *Autoencoder) LossHistory() []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]float64(nil), a.losses...)
}

// Output returns the reconstruction layer activation.
func (a *Autoencoder) Output() Activation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.output
}

// Threshold returns the current anomaly threshold.
func (a *Autoencoder) Threshold() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.threshold
}

// SetThreshold updates the anomaly threshold.
func (a *Autoencoder) SetThreshold(t float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threshold = t
}

// model is the gob wire form of a trained autoencoder.
type model struct {
	Hidden    []int
	Output    Activation
	Threshold float64
	Losses    []float64
	Layers    []layerState
}

type layerState struct {
	In, Out int
	Act     Activation
	W       []float64
	B       []float64
}

// Save serializes the trained model.
func (a *Autoencoder) Save() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.trained {
		return nil, detectors.ErrNotTrained
	}

	m := model{
		Hidden:    a.hidden,
		Output:    a.output,
		Threshold: a.threshold,
		Losses:    a.losses,
		Layers:    make([]layerState, len(a.layers)),
	}
	for i, l := range a.layers {
		m.Layers[i] = layerState{
			In:  l.In,
			Out: l.Out,
			Act: l.Act,
			W:   mat.DenseCopyOf(l.W).RawMatrix().Data,
			B:   l.B,
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode autoencoder: %w", err)
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (a *Autoencoder) Load(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var m model
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return fmt.Errorf("decode autoencoder: %w", err)
	}
	if len(m.Layers) == 0 {
		return fmt.Errorf("decode autoencoder: %w", detectors.ErrNotTrained)
	}

	layers := make([]*layer, len(m.Layers))
	for i, s := range m.Layers {
		if s.In < 1 || s.Out < 1 || len(s.W) != s.In*s.Out || len(s.B) != s.Out {
			return fmt.Errorf("decode autoencoder: layer %d: corrupt weights", i)
		}
		if i > 0 && s.In != m.Layers[i-1].Out {
			return fmt.Errorf("decode autoencoder: layer %d: %w", i, detectors.ErrDimensionMismatch)
		}
		layers[i] = &layer{
			In:  s.In,
			Out: s.Out,
			Act: s.Act,
			W:   mat.NewDense(s.In, s.Out, s.W),
			B:   s.B,
		}
	}

	a.hidden = m.Hidden
	a.output = m.Output
	a.threshold = m.Threshold
	a.losses = m.Losses
	a.layers = layers
	a.trained = true

	return nil
}
