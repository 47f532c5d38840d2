package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/hed1ad/kddbench/pkg/evaluate"
	kio "github.com/hed1ad/kddbench/pkg/io"
	"github.com/hed1ad/kddbench/pkg/kdd"
	"github.com/hed1ad/kddbench/pkg/metrics"
	"github.com/hed1ad/kddbench/pkg/report"
)

const (
	// scoreBatch bounds the records encoded and scored at once.
	scoreBatch = 4096

	// flushInterval bounds how long a partial batch waits before it is
	// scored and written.
	flushInterval = time.Second
)

type flusher interface {
	Flush() error
}

// ScoreResult summarizes a scoring pass.
type ScoreResult struct {
	Records int

	// Labeled is true when every record carried a label. Rows is only
	// filled in that case.
	Labeled bool
	Rows    []report.Row
}

// Score streams records from r, scores them with b and writes one result
// per record to w. When every record is labeled, the fixed bundle
// thresholds are evaluated against the labels.
//
// Cancelling ctx ends the input: records already read are scored and
// written, and Score returns without error.
func Score(ctx context.Context, b *Bundle, r kio.RecordReader, w kio.Writer, logger *zap.Logger, m *metrics.Registry) (*ScoreResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewRegistry()
	}

	ctx, cancel := context.WithCancel(ctx)
	records, errc := r.Stream(ctx)
	defer func() {
		cancel()
		for range records {
		}
	}()

	res := &ScoreResult{Labeled: true}
	var (
		labeled []kdd.Record
		scores  = map[string][]float64{}
		batch   = make([]kdd.Record, 0, scoreBatch)
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		results, err := b.Score(batch, res.Records)
		if err != nil {
			return fmt.Errorf("records %d-%d: %w", res.Records, res.Records+len(batch)-1, err)
		}
		if err := w.WriteAll(results); err != nil {
			return fmt.Errorf("write results: %w", err)
		}
		if f, ok := w.(flusher); ok {
			if err := f.Flush(); err != nil {
				return fmt.Errorf("write results: %w", err)
			}
		}

		for i, result := range results {
			for name, anomaly := range result.IsAnomaly {
				m.RecordScored(name, anomaly)
			}
			if res.Labeled {
				for name, s := range result.Scores {
					scores[name] = append(scores[name], s)
				}
				labeled = append(labeled, batch[i])
			}
		}

		res.Records += len(batch)
		batch = batch[:0]
		return nil
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for done := false; !done; {
		select {
		case rec, ok := <-records:
			if !ok {
				done = true
				continue
			}
			if !rec.Labeled() && res.Labeled {
				res.Labeled = false
				labeled, scores = nil, nil
			}
			batch = append(batch, rec)
			if len(batch) == scoreBatch {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	err := <-errc
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if err != nil {
		logger.Info("input interrupted", zap.Int("records", res.Records))
	}

	logger.Info("records scored", zap.Int("records", res.Records), zap.Bool("labeled", res.Labeled))
	m.RecordLoad("score", res.Records)

	if !res.Labeled || res.Records == 0 {
		res.Labeled = false
		return res, nil
	}

	labels := make([]bool, len(labeled))
	for i, rec := range labeled {
		labels[i] = rec.IsAnomaly()
	}

	thresholds := b.Thresholds()
	for _, name := range []string{IsolationForest, Autoencoder} {
		row, err := scoreRow(name, scores[name], thresholds[name], labeled, labels)
		if err != nil {
			return nil, err
		}
		m.RecordEvaluation(name, row.Percentile, row.Threshold, row.Precision, row.Recall, row.F1, row.AUC)
		m.RecordCategoryRecall(name, row.CategoryRecall)
		logger.Info("labeled evaluation",
			zap.String("detector", name),
			zap.Float64("threshold", row.Threshold),
			zap.Float64("precision", row.Precision),
			zap.Float64("recall", row.Recall),
			zap.Float64("f1", row.F1),
			zap.Float64("auc", row.AUC),
		)
		res.Rows = append(res.Rows, row)
	}

	return res, nil
}

func scoreRow(name string, scores []float64, threshold float64, records []kdd.Record, labels []bool) (report.Row, error) {
	predicted := evaluate.Classify(scores, threshold)
	c, err := evaluate.Confuse(labels, predicted)
	if err != nil {
		return report.Row{}, fmt.Errorf("evaluate %s: %w", name, err)
	}
	auc, err := evaluate.ROCAUC(scores, labels)
	if err != nil {
		return report.Row{}, fmt.Errorf("evaluate %s: %w", name, err)
	}
	categories, err := evaluate.CategoryRecall(records, predicted)
	if err != nil {
		return report.Row{}, fmt.Errorf("evaluate %s: %w", name, err)
	}

	return report.Row{
		Detector:       name,
		Percentile:     math.NaN(),
		Threshold:      threshold,
		Precision:      c.Precision(),
		Recall:         c.Recall(),
		F1:             c.F1(),
		AUC:            auc,
		CategoryRecall: categories,
	}, nil
}
