// Package metrics exposes evaluation results and training statistics as
// Prometheus metrics.
package metrics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metrics for one benchmark process.
type Registry struct {
	registry *prometheus.Registry

	// Dataset
	RecordsLoaded *prometheus.CounterVec

	// Training
	TrainingDuration *prometheus.HistogramVec
	EpochLoss        prometheus.Gauge
	Epochs           prometheus.Counter

	// Evaluation
	Precision      *prometheus.GaugeVec
	Recall         *prometheus.GaugeVec
	F1             *prometheus.GaugeVec
	Threshold      *prometheus.GaugeVec
	BestPercentile *prometheus.GaugeVec
	ROCAUC         *prometheus.GaugeVec
	CategoryRecall *prometheus.GaugeVec

	// Scoring
	RecordsScored *prometheus.CounterVec
}

// NewRegistry creates a Registry backed by a fresh prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	f := promauto.With(r.registry)

	r.RecordsLoaded = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kddbench_records_loaded_total",
			Help: "Total number of connection records loaded",
		},
		[]string{"split"},
	)

	r.TrainingDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kddbench_training_duration_seconds",
			Help:    "Model training duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"detector"},
	)

	r.EpochLoss = f.NewGauge(prometheus.GaugeOpts{
		Name: "kddbench_autoencoder_epoch_loss",
		Help: "Mean reconstruction loss of the last autoencoder epoch",
	})

	r.Epochs = f.NewCounter(prometheus.CounterOpts{
		Name: "kddbench_autoencoder_epochs_total",
		Help: "Total number of autoencoder training epochs",
	})

	r.Precision = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kddbench_precision",
			Help: "Precision at the selected threshold",
		},
		[]string{"detector"},
	)

	r.Recall = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kddbench_recall",
			Help: "Recall at the selected threshold",
		},
		[]string{"detector"},
	)

	r.F1 = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kddbench_f1",
			Help: "F1 score at the selected threshold",
		},
		[]string{"detector"},
	)

	r.Threshold = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kddbench_threshold",
			Help: "Selected anomaly score threshold",
		},
		[]string{"detector"},
	)

	r.BestPercentile = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kddbench_best_percentile",
			Help: "Score percentile that maximized F1",
		},
		[]string{"detector"},
	)

	r.ROCAUC = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kddbench_roc_auc",
			Help: "Area under the ROC curve",
		},
		[]string{"detector"},
	)

	r.CategoryRecall = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kddbench_category_recall",
			Help: "Fraction of attacks of a category flagged at the selected threshold",
		},
		[]string{"detector", "category"},
	)

	r.RecordsScored = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kddbench_records_scored_total",
			Help: "Total number of records scored",
		},
		[]string{"detector", "verdict"},
	)

	return r
}

// RecordLoad counts loaded records for a split (train, test, score).
func (r *Registry) RecordLoad(split string, n int) {
	r.RecordsLoaded.WithLabelValues(split).Add(float64(n))
}

// RecordTraining records how long a detector took to fit.
func (r *Registry) RecordTraining(detector string, d time.Duration) {
	r.TrainingDuration.WithLabelValues(detector).Observe(d.Seconds())
}

// RecordEpoch records the loss of a finished autoencoder epoch.
func (r *Registry) RecordEpoch(loss float64) {
	r.Epochs.Inc()
	r.EpochLoss.Set(loss)
}

// RecordEvaluation records the operating point selected for a detector.
// A NaN percentile marks a fixed threshold and leaves BestPercentile unset.
func (r *Registry) RecordEvaluation(detector string, percentile, threshold, precision, recall, f1, auc float64) {
	if !math.IsNaN(percentile) {
		r.BestPercentile.WithLabelValues(detector).Set(percentile)
	}
	r.Threshold.WithLabelValues(detector).Set(threshold)
	r.Precision.WithLabelValues(detector).Set(precision)
	r.Recall.WithLabelValues(detector).Set(recall)
	r.F1.WithLabelValues(detector).Set(f1)
	r.ROCAUC.WithLabelValues(detector).Set(auc)
}

// RecordCategoryRecall records per attack category detection rates.
func (r *Registry) RecordCategoryRecall(detector string, recall map[string]float64) {
	for category, v := range recall {
		r.CategoryRecall.WithLabelValues(detector, category).Set(v)
	}
}

// RecordScored counts a scored record and its verdict.
func (r *Registry) RecordScored(detector string, anomaly bool) {
	verdict := "normal"
	if anomaly {
		verdict = "anomaly"
	}
	r.RecordsScored.WithLabelValues(detector, verdict).Inc()
}

// Gatherer returns the underlying gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes all metrics in the text exposition format to path,
// suitable for the node exporter textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
