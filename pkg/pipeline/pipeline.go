// Package pipeline runs the end to end comparison of the Isolation Forest
// and Autoencoder detectors on an NSL-KDD file.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hed1ad/kddbench/internal/config"
	"github.com/hed1ad/kddbench/pkg/detectors"
	"github.com/hed1ad/kddbench/pkg/detectors/autoencoder"
	"github.com/hed1ad/kddbench/pkg/detectors/iforest"
	"github.com/hed1ad/kddbench/pkg/evaluate"
	"github.com/hed1ad/kddbench/pkg/io/nslkdd"
	"github.com/hed1ad/kddbench/pkg/kdd"
	"github.com/hed1ad/kddbench/pkg/metrics"
	"github.com/hed1ad/kddbench/pkg/preprocess"
	"github.com/hed1ad/kddbench/pkg/report"
)

// Detector names used in logs, metrics, plots and scored output.
const (
	IsolationForest = "iforest"
	Autoencoder     = "autoencoder"
)

// DetectorResult is the evaluation of one detector on the test split.
type DetectorResult struct {
	Name           string
	Scores         []float64
	Sweep          evaluate.SweepResult
	AUC            float64
	ROC            []evaluate.ROCPoint
	CategoryRecall map[string]float64
	TrainingTime   time.Duration
}

// Result is the outcome of a benchmark run.
type Result struct {
	RunID     string
	TrainSize int
	TestSize  int
	Skipped   int
	Detectors []DetectorResult
	Losses    []float64
	Bundle    *Bundle
}

// Rows converts the result to summary table rows.
func (r *Result) Rows() []report.Row {
	rows := make([]report.Row, 0, len(r.Detectors))
	for _, d := range r.Detectors {
		best := d.Sweep.BestPoint()
		rows = append(rows, report.Row{
			Detector:       d.Name,
			Percentile:     best.Percentile,
			Threshold:      best.Threshold,
			Precision:      best.Precision,
			Recall:         best.Recall,
			F1:             best.F1,
			AUC:            d.AUC,
			CategoryRecall: d.CategoryRecall,
		})
	}
	return rows
}

// Option configures a run.
type Option func(*runner)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *runner) {
		r.logger = l
	}
}

// WithMetrics sets the metrics registry. Defaults to a private registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *runner) {
		r.metrics = m
	}
}

// WithOutput sets where the summary table is printed. Nil disables it.
func WithOutput(w io.Writer) Option {
	return func(r *runner) {
		r.out = w
	}
}

type runner struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Registry
	out     io.Writer
}

// Run loads the dataset, trains both detectors, sweeps their thresholds on
// the held-out split and writes every configured artifact.
func Run(ctx context.Context, cfg config.Config, opts ...Option) (*Result, error) {
	r := &runner{
		cfg:     cfg,
		logger:  zap.NewNop(),
		metrics: metrics.NewRegistry(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return r.run(ctx)
}

func (r *runner) run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: uuid.NewString()}
	log := r.logger.With(zap.String("run_id", res.RunID))

	records, skipped, err := loadRecords(r.cfg.Dataset.Path, r.cfg.Dataset.Lenient)
	if err != nil {
		return nil, err
	}
	res.Skipped = skipped
	log.Info("dataset loaded",
		zap.String("path", r.cfg.Dataset.Path),
		zap.Int("records", len(records)),
		zap.Int("skipped", skipped),
	)

	train, test, err := preprocess.Split(records, r.cfg.Dataset.TestFraction, r.cfg.Dataset.Seed)
	if err != nil {
		return nil, err
	}
	res.TrainSize, res.TestSize = len(train), len(test)
	r.metrics.RecordLoad("train", len(train))
	r.metrics.RecordLoad("test", len(test))

	enc := preprocess.NewEncoder(
		preprocess.WithScaler(preprocess.Scaler(r.cfg.Preprocess.Scaler)),
		preprocess.WithUnknown(preprocess.UnknownPolicy(r.cfg.Preprocess.UnknownCategory)),
	)
	trainX, err := enc.FitTransform(train)
	if err != nil {
		return nil, fmt.Errorf("preprocess train split: %w", err)
	}
	testX, err := enc.Transform(test)
	if err != nil {
		return nil, fmt.Errorf("preprocess test split: %w", err)
	}
	log.Info("preprocessed",
		zap.Int("train", len(trainX)),
		zap.Int("test", len(testX)),
		zap.Int("features", enc.Dim()),
		zap.String("scaler", string(enc.Scaling)),
	)

	forest, err := r.trainForest(ctx, log, trainX)
	if err != nil {
		return nil, err
	}
	ae, err := r.trainAutoencoder(ctx, log, train, trainX)
	if err != nil {
		return nil, err
	}
	res.Losses = ae.LossHistory()

	labels := preprocess.Labels(test)
	for _, d := range []struct {
		name     string
		detector detectors.Detector
		took     time.Duration
	}{
		{IsolationForest, forest.IsolationForest, forest.took},
		{Autoencoder, ae.Autoencoder, ae.took},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dr, err := r.evaluate(log, d.name, d.detector, test, testX, labels)
		if err != nil {
			return nil, err
		}
		dr.TrainingTime = d.took
		res.Detectors = append(res.Detectors, dr)
	}

	res.Bundle = &Bundle{
		RunID:       res.RunID,
		Created:     time.Now().UTC(),
		Encoder:     enc,
		Forest:      forest.IsolationForest,
		Autoencoder: ae.Autoencoder,
	}

	if err := r.writeArtifacts(log, res, labels); err != nil {
		return nil, err
	}

	if r.out != nil {
		title := fmt.Sprintf("NSL-KDD %s (train %d, test %d)", filepath.Base(r.cfg.Dataset.Path), res.TrainSize, res.TestSize)
		if err := report.Summary(r.out, title, res.Rows()); err != nil {
			return nil, fmt.Errorf("print summary: %w", err)
		}
	}

	return res, nil
}

type trainedForest struct {
	*iforest.IsolationForest
	took time.Duration
}

func (r *runner) trainForest(ctx context.Context, log *zap.Logger, x [][]float64) (trainedForest, error) {
	if err := ctx.Err(); err != nil {
		return trainedForest{}, err
	}

	c := r.cfg.IsolationForest
	forest := iforest.New(
		iforest.WithTrees(c.Trees),
		iforest.WithSampleSize(c.SampleSize),
		iforest.WithContamination(c.Contamination),
		iforest.WithSeed(c.Seed),
		iforest.WithJobs(c.Jobs),
	)

	start := time.Now()
	if err := forest.Fit(x); err != nil {
		return trainedForest{}, fmt.Errorf("train isolation forest: %w", err)
	}
	took := time.Since(start)
	r.metrics.RecordTraining(IsolationForest, took)

	log.Info("isolation forest trained",
		zap.Int("trees", forest.Trees()),
		zap.Int("samples", len(x)),
		zap.Duration("took", took),
	)
	return trainedForest{IsolationForest: forest, took: took}, nil
}

type trainedAutoencoder struct {
	*autoencoder.Autoencoder
	took time.Duration
}

func (r *runner) trainAutoencoder(ctx context.Context, log *zap.Logger, records []kdd.Record, x [][]float64) (trainedAutoencoder, error) {
	c := r.cfg.Autoencoder

	fitX := x
	if c.NormalOnly {
		fitX = make([][]float64, 0, len(x))
		for i, rec := range records {
			if !rec.IsAnomaly() {
				fitX = append(fitX, x[i])
			}
		}
		if len(fitX) == 0 {
			return trainedAutoencoder{}, fmt.Errorf("train autoencoder: %w: no normal records in train split", detectors.ErrEmptyData)
		}
	}

	output, err := outputActivation(c.Output, preprocess.Scaler(r.cfg.Preprocess.Scaler))
	if err != nil {
		return trainedAutoencoder{}, err
	}

	ae := autoencoder.New(
		autoencoder.WithHidden(c.Hidden...),
		autoencoder.WithOutput(output),
		autoencoder.WithEpochs(c.Epochs),
		autoencoder.WithBatchSize(c.BatchSize),
		autoencoder.WithLearningRate(c.LearningRate),
		autoencoder.WithContamination(c.Contamination),
		autoencoder.WithSeed(c.Seed),
		autoencoder.WithLogger(log.Named("autoencoder")),
		autoencoder.WithEpochHook(func(_ int, loss float64) {
			r.metrics.RecordEpoch(loss)
		}),
	)

	start := time.Now()
	if err := ae.FitContext(ctx, fitX); err != nil {
		return trainedAutoencoder{}, fmt.Errorf("train autoencoder: %w", err)
	}
	took := time.Since(start)
	r.metrics.RecordTraining(Autoencoder, took)

	losses := ae.LossHistory()
	log.Info("autoencoder trained",
		zap.Ints("hidden", c.Hidden),
		zap.Stringer("output", output),
		zap.Int("samples", len(fitX)),
		zap.Bool("normal_only", c.NormalOnly),
		zap.Float64("final_loss", losses[len(losses)-1]),
		zap.Duration("took", took),
	)
	return trainedAutoencoder{Autoencoder: ae, took: took}, nil
}

// outputActivation picks the reconstruction layer activation. Sigmoid
// matches min-max scaled inputs; z-scores need an unbounded output.
func outputActivation(name string, scaler preprocess.Scaler) (autoencoder.Activation, error) {
	if name != "" {
		return autoencoder.ParseActivation(name)
	}
	if scaler == preprocess.ScalerStandard {
		return autoencoder.Linear, nil
	}
	return autoencoder.Sigmoid, nil
}

// evaluate scores the test split, sweeps thresholds and fixes the
// detector threshold at the best candidate.
func (r *runner) evaluate(log *zap.Logger, name string, d detectors.Detector, test []kdd.Record, x [][]float64, labels []bool) (DetectorResult, error) {
	scores, err := d.Predict(x)
	if err != nil {
		return DetectorResult{}, fmt.Errorf("score %s: %w", name, err)
	}

	sweep, err := evaluate.Sweep(scores, labels, r.cfg.Sweep.Percentiles)
	if err != nil {
		return DetectorResult{}, fmt.Errorf("sweep %s: %w", name, err)
	}
	for _, pt := range sweep.Points {
		log.Debug("threshold candidate",
			zap.String("detector", name),
			zap.Float64("percentile", pt.Percentile),
			zap.Float64("threshold", pt.Threshold),
			zap.Float64("precision", pt.Precision),
			zap.Float64("recall", pt.Recall),
			zap.Float64("f1", pt.F1),
		)
	}

	auc, err := evaluate.ROCAUC(scores, labels)
	if err != nil {
		return DetectorResult{}, fmt.Errorf("auc %s: %w", name, err)
	}
	roc, err := evaluate.ROCCurve(scores, labels)
	if err != nil {
		return DetectorResult{}, fmt.Errorf("roc %s: %w", name, err)
	}

	best := sweep.BestPoint()
	d.SetThreshold(best.Threshold)

	categories, err := evaluate.CategoryRecall(test, evaluate.Classify(scores, best.Threshold))
	if err != nil {
		return DetectorResult{}, fmt.Errorf("category recall %s: %w", name, err)
	}

	r.metrics.RecordEvaluation(name, best.Percentile, best.Threshold, best.Precision, best.Recall, best.F1, auc)
	r.metrics.RecordCategoryRecall(name, categories)

	log.Info("detector evaluated",
		zap.String("detector", name),
		zap.Float64("best_percentile", best.Percentile),
		zap.Float64("threshold", best.Threshold),
		zap.Float64("precision", best.Precision),
		zap.Float64("recall", best.Recall),
		zap.Float64("f1", best.F1),
		zap.Float64("auc", auc),
		zap.Stringer("confusion", best.Confusion),
	)

	return DetectorResult{
		Name:           name,
		Scores:         scores,
		Sweep:          sweep,
		AUC:            auc,
		ROC:            roc,
		CategoryRecall: categories,
	}, nil
}

func (r *runner) writeArtifacts(log *zap.Logger, res *Result, labels []bool) error {
	out := r.cfg.Output

	if out.PlotDir != "" {
		files, err := writePlots(out.PlotDir, out.PlotFormat, res, labels)
		if err != nil {
			return err
		}
		log.Info("plots written", zap.String("dir", out.PlotDir), zap.Strings("files", files))
	}

	if out.ModelFile != "" {
		if err := SaveBundle(out.ModelFile, res.Bundle); err != nil {
			return err
		}
		log.Info("bundle saved", zap.String("path", out.ModelFile))
	}

	if out.MetricsFile != "" {
		if err := r.metrics.WriteTextfile(out.MetricsFile); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
		log.Info("metrics written", zap.String("path", out.MetricsFile))
	}

	return nil
}

func writePlots(dir, format string, res *Result, labels []bool) ([]string, error) {
	if format == "" {
		format = "png"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plot dir: %w", err)
	}

	var files []string
	name := func(base string) string {
		path := filepath.Join(dir, base+"."+format)
		files = append(files, path)
		return path
	}

	curves := make([]report.Curve, 0, len(res.Detectors))
	rocs := make([]report.ROC, 0, len(res.Detectors))
	for _, d := range res.Detectors {
		best := d.Sweep.BestPoint()
		title := fmt.Sprintf("%s scores (p%g threshold)", d.Name, best.Percentile)
		if err := report.ScoreHistogram(name(d.Name+"_scores"), title, d.Scores, labels, best.Threshold); err != nil {
			return nil, fmt.Errorf("plot %s scores: %w", d.Name, err)
		}
		curves = append(curves, report.Curve{Name: d.Name, Sweep: d.Sweep})
		rocs = append(rocs, report.ROC{Name: d.Name, AUC: d.AUC, Points: d.ROC})
	}

	if err := report.SweepCurves(name("sweep"), curves); err != nil {
		return nil, fmt.Errorf("plot sweep: %w", err)
	}
	if err := report.ROCCurves(name("roc"), rocs); err != nil {
		return nil, fmt.Errorf("plot roc: %w", err)
	}
	if len(res.Losses) > 0 {
		if err := report.LossCurve(name("autoencoder_loss"), res.Losses); err != nil {
			return nil, fmt.Errorf("plot loss: %w", err)
		}
	}

	return files, nil
}

func loadRecords(path string, lenient bool) ([]kdd.Record, int, error) {
	if path == "" {
		return nil, 0, errors.New("no dataset path")
	}

	reader, err := nslkdd.Open(path, nslkdd.WithLenient(lenient))
	if err != nil {
		return nil, 0, fmt.Errorf("open dataset: %w", err)
	}
	defer reader.Close()

	records, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read dataset: %w", err)
	}
	for i, r := range records {
		if !r.Labeled() {
			return nil, 0, fmt.Errorf("read dataset: record %d has no label", i)
		}
	}
	return records, reader.Skipped(), nil
}
