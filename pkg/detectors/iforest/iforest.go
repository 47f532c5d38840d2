// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/kddbench/pkg/detectors"
)

// eulerGamma is the Euler-Mascheroni constant.
const eulerGamma = 0.5772156649015329

// IsolationForest implements unsupervised anomaly detection using isolation trees.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	threshold     float64
	jobs          int
	rng           *rand.Rand

	// Trained model
	trees     []*iTree
	nFeatures int
	maxDepth  int
	trained   bool

	// c(ψ) for the effective subsample size
	avgPathLength float64
}

// iTree is a single isolation tree. Fields are exported for gob.
type iTree struct {
	Root *node
}

// node is a node in the isolation tree.
type node struct {
	// Split parameters (internal nodes)
	Feature int
	Split   float64

	Left  *node
	Right *node

	// Number of training samples that reached this leaf
	Size int
}

func (n *node) isLeaf() bool {
	return n.Left == nil && n.Right == nil
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies. Zero keeps
// the fixed 0.5 threshold.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// WithJobs sets the number of goroutines used to build trees and score
// samples. Results do not depend on the value. n < 1 keeps the default
// of GOMAXPROCS.
func WithJobs(n int) Option {
	return func(f *IsolationForest) {
		if n > 0 {
			f.jobs = n
		}
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.1,
		threshold:     0.5,
		jobs:          runtime.GOMAXPROCS(0),
		rng:           rand.New(rand.NewSource(42)),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fit trains the Isolation Forest on the provided data.
func (f *IsolationForest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return detectors.ErrEmptyData
	}
	if f.nTrees < 1 || f.sampleSize < 1 {
		return fmt.Errorf("invalid configuration: trees=%d sample size=%d", f.nTrees, f.sampleSize)
	}
	if f.contamination < 0 || f.contamination > 0.5 {
		return fmt.Errorf("invalid contamination %v: must be in [0, 0.5]", f.contamination)
	}

	nSamples := len(data)
	nFeatures := len(data[0])
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("row %d: %w: got %d, want %d", i, detectors.ErrDimensionMismatch, len(row), nFeatures)
		}
	}

	sampleSize := f.sampleSize
	if sampleSize > nSamples {
		sampleSize = nSamples
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	// Per-tree seeds are drawn up front so the forest does not depend on
	// scheduling.
	seeds := make([]int64, f.nTrees)
	for i := range seeds {
		seeds[i] = f.rng.Int63()
	}

	trees := make([]*iTree, f.nTrees)
	var g errgroup.Group
	g.SetLimit(f.jobs)
	for i := range trees {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seeds[i]))

			// Sample without replacement
			indices := rng.Perm(nSamples)[:sampleSize]
			sample := make([][]float64, sampleSize)
			for j, idx := range indices {
				sample[j] = data[idx]
			}

			b := builder{rng: rng, nFeatures: nFeatures, maxDepth: maxDepth}
			trees[i] = &iTree{Root: b.buildNode(sample, 0)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	f.trees = trees
	f.nFeatures = nFeatures
	f.maxDepth = maxDepth
	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.trained = true

	// Set threshold based on contamination
	if f.contamination > 0 {
		scores, err := f.predict(data)
		if err != nil {
			return err
		}
		sort.Float64s(scores)
		f.threshold = stat.Quantile(1-f.contamination, stat.Empirical, scores, nil)
	}

	return nil
}

// builder grows one tree with its own random source.
type builder struct {
	rng       *rand.Rand
	nFeatures int
	maxDepth  int
}

func (b *builder) buildNode(data [][]float64, depth int) *node {
	n := len(data)

	// Terminal conditions
	if depth >= b.maxDepth || n <= 1 {
		return &node{Size: n}
	}

	// Random feature and split value
	feature := b.rng.Intn(b.nFeatures)

	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		if row[feature] < minVal {
			minVal = row[feature]
		}
		if row[feature] > maxVal {
			maxVal = row[feature]
		}
	}

	// A constant feature cannot split this node
	if minVal == maxVal {
		return &node{Size: n}
	}

	splitValue := minVal + b.rng.Float64()*(maxVal-minVal)

	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	return &node{
		Feature: feature,
		Split:   splitValue,
		Left:    b.buildNode(leftData, depth+1),
		Right:   b.buildNode(rightData, depth+1),
	}
}

// Predict returns anomaly scores in (0, 1] for the given samples.
func (f *IsolationForest) Predict(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotTrained
	}

	return f.predict(data)
}

func (f *IsolationForest) predict(data [][]float64) ([]float64, error) {
	scores := make([]float64, len(data))

	chunk := (len(data) + f.jobs - 1) / f.jobs
	if chunk < 1 {
		return scores, nil
	}

	var g errgroup.Group
	for start := 0; start < len(data); start += chunk {
		end := min(start+chunk, len(data))
		g.Go(func() error {
			for i := start; i < end; i++ {
				score, err := f.predictOne(data[i])
				if err != nil {
					return fmt.Errorf("sample %d: %w", i, err)
				}
				scores[i] = score
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return scores, nil
}

// PredictOne returns the anomaly score for a single sample.
func (f *IsolationForest) PredictOne(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, detectors.ErrNotTrained
	}

	return f.predictOne(sample)
}

func (f *IsolationForest) predictOne(sample []float64) (float64, error) {
	if len(sample) != f.nFeatures {
		return 0, fmt.Errorf("%w: got %d, want %d", detectors.ErrDimensionMismatch, len(sample), f.nFeatures)
	}

	var totalPath float64
	for _, tree := range f.trees {
		totalPath += pathLength(sample, tree.Root, 0)
	}
	avgPath := totalPath / float64(len(f.trees))

	// s(x, ψ) = 2^(-E[h(x)] / c(ψ)); shorter paths score higher
	if f.avgPathLength == 0 {
		return 0.5, nil
	}
	return math.Pow(2, -avgPath/f.avgPathLength), nil
}

// pathLength returns the depth at which sample is isolated in the tree
// rooted at n, adjusted by c(size) for unresolved leaves.
func pathLength(sample []float64, n *node, depth int) float64 {
	for !n.isLeaf() {
		if sample[n.Feature] < n.Split {
			n = n.Left
		} else {
			n = n.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(float64(n.Size))
}

// averagePathLength returns c(n), the average path length of an
// unsuccessful search in a binary search tree of n nodes.
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	// c(n) = 2H(n-1) - 2(n-1)/n with H(i) ≈ ln(i) + γ
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

// PredictStream processes samples from a channel and closes output when
// input is drained.
func (f *IsolationForest) PredictStream(ctx context.Context, input <-chan []float64, output chan<- detectors.Score) error {
	f.mu.RLock()
	trained := f.trained
	f.mu.RUnlock()

	if !trained {
		close(output)
		return detectors.ErrNotTrained
	}

	return detectors.Stream(ctx, f, input, output)
}

// model is the gob wire form of a trained forest.
type model struct {
	NTrees        int
	SampleSize    int
	Contamination float64
	Threshold     float64
	NFeatures     int
	MaxDepth      int
	AvgPathLength float64
	Trees         []*iTree
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotTrained
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(model{
		NTrees:        f.nTrees,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Threshold:     f.threshold,
		NFeatures:     f.nFeatures,
		MaxDepth:      f.maxDepth,
		AvgPathLength: f.avgPathLength,
		Trees:         f.trees,
	})
	if err != nil {
		return nil, fmt.Errorf("encode isolation forest: %w", err)
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var m model
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return fmt.Errorf("decode isolation forest: %w", err)
	}
	if len(m.Trees) == 0 {
		return fmt.Errorf("decode isolation forest: %w", detectors.ErrNotTrained)
	}

	f.nTrees = m.NTrees
	f.sampleSize = m.SampleSize
	f.contamination = m.Contamination
	f.threshold = m.Threshold
	f.nFeatures = m.NFeatures
	f.maxDepth = m.MaxDepth
	f.avgPathLength = m.AvgPathLength
	f.trees = m.Trees
	f.trained = true

	return nil
}

// Threshold returns the current anomaly threshold.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

// SetThreshold updates the anomaly threshold.
func (f *IsolationForest) SetThreshold(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = t
}

// Trees returns the number of trees in the fitted forest.
func (f *IsolationForest) Trees() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.trees)
}
