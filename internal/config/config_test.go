package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kddbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Contains(t, cfg.Sweep.Percentiles, 55.0)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
dataset:
  path: /data/KDDTrain+.txt
  test_fraction: 0.3
isolation_forest:
  trees: 250
autoencoder:
  hidden: [64, 32, 64]
  epochs: 5
sweep:
  percentiles: [55, 95]
log:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/KDDTrain+.txt", cfg.Dataset.Path)
	assert.Equal(t, 0.3, cfg.Dataset.TestFraction)
	assert.Equal(t, int64(42), cfg.Dataset.Seed)
	assert.Equal(t, 250, cfg.IsolationForest.Trees)
	assert.Equal(t, 256, cfg.IsolationForest.SampleSize)
	assert.Equal(t, []int{64, 32, 64}, cfg.Autoencoder.Hidden)
	assert.Equal(t, 5, cfg.Autoencoder.Epochs)
	assert.Equal(t, []float64{55, 95}, cfg.Sweep.Percentiles)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "test fraction out of range",
			body: "dataset:\n  test_fraction: 1.5\n",
			want: "Dataset.TestFraction",
		},
		{
			name: "unknown scaler",
			body: "preprocess:\n  scaler: robust\n",
			want: "Preprocess.Scaler",
		},
		{
			name: "duplicate percentiles",
			body: "sweep:\n  percentiles: [50, 50]\n",
			want: "Sweep.Percentiles",
		},
		{
			name: "percentile above 100",
			body: "sweep:\n  percentiles: [50, 120]\n",
			want: "Sweep.Percentiles",
		},
		{
			name: "zero width hidden layer",
			body: "autoencoder:\n  hidden: [8, 0, 8]\n",
			want: "Autoencoder.Hidden",
		},
		{
			name: "contamination too high",
			body: "isolation_forest:\n  contamination: 0.8\n",
			want: "IsolationForest.Contamination",
		},
		{
			name: "malformed yaml",
			body: "dataset: [",
			want: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Default().Marshal()
	require.NoError(t, err)

	path := writeConfig(t, string(data))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "kddbench.yaml"))
	require.NoError(t, err)

	want := Default()
	want.Dataset.Path = "data/KDDTrain+.txt"
	assert.Equal(t, want, cfg)
}
