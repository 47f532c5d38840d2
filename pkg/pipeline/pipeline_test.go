package pipeline

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hed1ad/kddbench/internal/config"
	"github.com/hed1ad/kddbench/pkg/detectors/autoencoder"
	"github.com/hed1ad/kddbench/pkg/kdd"
	"github.com/hed1ad/kddbench/pkg/metrics"
	"github.com/hed1ad/kddbench/pkg/preprocess"
)

// generateRecords returns normal http sessions mixed with SYN flood and
// port scan records.
func generateRecords(rng *rand.Rand, n int) []kdd.Record {
	records := make([]kdd.Record, n)
	for i := range records {
		var r kdd.Record
		switch {
		case i%10 == 0:
			r.Protocol, r.Service, r.Flag, r.Label = "tcp", "private", "S0", "neptune"
			r.Numeric[kdd.Count] = 100 + rng.Float64()*400
			r.Numeric[kdd.SrvCount] = 1 + rng.Float64()*20
			r.Numeric[kdd.SerrorRate] = 1
			r.Numeric[kdd.SrvSerrorRate] = 1
			r.Numeric[kdd.SameSrvRate] = rng.Float64() * 0.1
			r.Numeric[kdd.DiffSrvRate] = 0.05 + rng.Float64()*0.05
			r.Numeric[kdd.DstHostCount] = 255
			r.Numeric[kdd.DstHostSerrorRate] = 1
		case i%23 == 0:
			r.Protocol, r.Service, r.Flag, r.Label = "tcp", "other", "REJ", "satan"
			r.Numeric[kdd.Count] = 50 + rng.Float64()*100
			r.Numeric[kdd.RerrorRate] = 1
			r.Numeric[kdd.SrvRerrorRate] = 1
			r.Numeric[kdd.DiffSrvRate] = 0.8 + rng.Float64()*0.2
			r.Numeric[kdd.DstHostCount] = 255
			r.Numeric[kdd.DstHostRerrorRate] = 1
		default:
			service := "http"
			if rng.Intn(4) == 0 {
				service = "smtp"
			}
			r.Protocol, r.Service, r.Flag, r.Label = "tcp", service, "SF", "normal"
			r.Numeric[kdd.SrcBytes] = 200 + rng.Float64()*200
			r.Numeric[kdd.DstBytes] = 1000 + rng.Float64()*4000
			r.Numeric[kdd.LoggedIn] = 1
			r.Numeric[kdd.Count] = 1 + rng.Float64()*10
			r.Numeric[kdd.SrvCount] = 1 + rng.Float64()*10
			r.Numeric[kdd.SameSrvRate] = 1
			r.Numeric[kdd.DstHostCount] = rng.Float64() * 255
			r.Numeric[kdd.DstHostSrvCount] = 200 + rng.Float64()*55
			r.Numeric[kdd.DstHostSameSrvRate] = 1
		}
		r.Difficulty = 21
		records[i] = r
	}
	return records
}

func writeDataset(t *testing.T, records []kdd.Record) string {
	t.Helper()
	var b strings.Builder
	for _, r := range records {
		b.WriteString(r.String())
		b.WriteByte('\n')
	}
	path := filepath.Join(t.TempDir(), "KDDTrain+.txt")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func testConfig(t *testing.T, dataset string) config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Dataset.Path = dataset
	cfg.IsolationForest.Trees = 50
	cfg.IsolationForest.SampleSize = 128
	cfg.Autoencoder.Hidden = []int{8, 4, 8}
	cfg.Autoencoder.Epochs = 5
	cfg.Autoencoder.BatchSize = 32
	cfg.Autoencoder.LearningRate = 1e-2
	cfg.Output.PlotDir = filepath.Join(dir, "plots")
	cfg.Output.MetricsFile = filepath.Join(dir, "kddbench.prom")
	cfg.Output.ModelFile = filepath.Join(dir, "bundle.bin")
	return cfg
}

func TestRun(t *testing.T) {
	records := generateRecords(rand.New(rand.NewSource(1)), 600)
	cfg := testConfig(t, writeDataset(t, records))

	var out bytes.Buffer
	res, err := Run(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithMetrics(metrics.NewRegistry()),
		WithOutput(&out),
	)
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 480, res.TrainSize)
	assert.Equal(t, 120, res.TestSize)
	assert.Len(t, res.Losses, 5)
	require.Len(t, res.Detectors, 2)

	for _, d := range res.Detectors {
		t.Run(d.Name, func(t *testing.T) {
			assert.Len(t, d.Scores, 120)
			require.Len(t, d.Sweep.Points, len(cfg.Sweep.Percentiles))
			for i, p := range cfg.Sweep.Percentiles {
				assert.Equal(t, p, d.Sweep.Points[i].Percentile)
			}
			best := d.Sweep.BestPoint()
			for _, pt := range d.Sweep.Points {
				assert.LessOrEqual(t, pt.F1, best.F1)
			}
			assert.GreaterOrEqual(t, d.AUC, 0.0)
			assert.LessOrEqual(t, d.AUC, 1.0)
			assert.Greater(t, int64(d.TrainingTime), int64(0))
		})
	}

	assert.Equal(t, IsolationForest, res.Detectors[0].Name)
	assert.Greater(t, res.Detectors[0].AUC, 0.7)

	// thresholds were fixed at the best candidates
	thresholds := res.Bundle.Thresholds()
	assert.Equal(t, res.Detectors[0].Sweep.BestPoint().Threshold, thresholds[IsolationForest])
	assert.Equal(t, res.Detectors[1].Sweep.BestPoint().Threshold, thresholds[Autoencoder])

	for _, name := range []string{"iforest_scores", "autoencoder_scores", "sweep", "roc", "autoencoder_loss"} {
		assert.FileExists(t, filepath.Join(cfg.Output.PlotDir, name+".png"))
	}

	prom, err := os.ReadFile(cfg.Output.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `kddbench_f1{detector="iforest"}`)
	assert.Contains(t, string(prom), "kddbench_records_loaded_total")

	assert.Contains(t, out.String(), IsolationForest)
	assert.Contains(t, out.String(), Autoencoder)

	t.Run("saved bundle reproduces test scores", func(t *testing.T) {
		bundle, err := LoadBundle(cfg.Output.ModelFile)
		require.NoError(t, err)
		assert.Equal(t, res.RunID, bundle.RunID)
		assert.Equal(t, thresholds, bundle.Thresholds())

		_, test, err := preprocess.Split(records, cfg.Dataset.TestFraction, cfg.Dataset.Seed)
		require.NoError(t, err)

		results, err := bundle.Score(test, 0)
		require.NoError(t, err)
		require.Len(t, results, len(test))

		for i, r := range results {
			assert.Equal(t, i, r.Index)
			assert.Equal(t, test[i].Label, r.Label)
			assert.InDelta(t, res.Detectors[0].Scores[i], r.Scores[IsolationForest], 1e-12)
			assert.InDelta(t, res.Detectors[1].Scores[i], r.Scores[Autoencoder], 1e-12)
			assert.Equal(t, r.Scores[IsolationForest] > thresholds[IsolationForest], r.IsAnomaly[IsolationForest])
		}
	})
}

func TestRunErrors(t *testing.T) {
	records := generateRecords(rand.New(rand.NewSource(2)), 200)
	dataset := writeDataset(t, records)

	t.Run("missing dataset", func(t *testing.T) {
		cfg := testConfig(t, filepath.Join(t.TempDir(), "missing.txt"))
		_, err := Run(context.Background(), cfg)
		assert.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t, dataset)
		cfg.Sweep.Percentiles = []float64{50, 50}
		_, err := Run(context.Background(), cfg)
		assert.Error(t, err)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Run(ctx, testConfig(t, dataset))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("no normal records", func(t *testing.T) {
		attacks := make([]kdd.Record, 0, len(records))
		for _, r := range records {
			if r.IsAnomaly() {
				attacks = append(attacks, r)
			}
		}
		_, err := Run(context.Background(), testConfig(t, writeDataset(t, attacks)))
		assert.Error(t, err)
	})

	t.Run("unlabeled records", func(t *testing.T) {
		unlabeled := append([]kdd.Record(nil), records...)
		unlabeled[7].Label = ""
		_, err := Run(context.Background(), testConfig(t, writeDataset(t, unlabeled)))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "record 7 has no label")
	})
}

func TestRunWithoutArtifacts(t *testing.T) {
	records := generateRecords(rand.New(rand.NewSource(3)), 300)
	cfg := testConfig(t, writeDataset(t, records))
	cfg.Output = config.OutputConfig{PlotFormat: "png"}
	cfg.Preprocess.Scaler = "standard"
	cfg.Autoencoder.NormalOnly = false

	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Len(t, res.Rows(), 2)
	assert.Equal(t, autoencoder.Linear, res.Bundle.Autoencoder.Output())
}

func TestOutputActivation(t *testing.T) {
	tests := []struct {
		name   string
		output string
		scaler preprocess.Scaler
		want   autoencoder.Activation
	}{
		{name: "minmax default", scaler: preprocess.ScalerMinMax, want: autoencoder.Sigmoid},
		{name: "standard default", scaler: preprocess.ScalerStandard, want: autoencoder.Linear},
		{name: "explicit", output: "linear", scaler: preprocess.ScalerMinMax, want: autoencoder.Linear},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := outputActivation(tt.output, tt.scaler)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := outputActivation("tanh", preprocess.ScalerMinMax)
	assert.Error(t, err)
}

func TestBundleErrors(t *testing.T) {
	_, err := (&Bundle{}).Marshal()
	assert.Error(t, err)

	_, err = UnmarshalBundle([]byte("garbage"))
	assert.Error(t, err)

	_, err = LoadBundle(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}
