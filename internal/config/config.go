// Package config loads and validates benchmark configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config is the full benchmark configuration.
type Config struct {
	Dataset         DatasetConfig         `yaml:"dataset"`
	Preprocess      PreprocessConfig      `yaml:"preprocess"`
	IsolationForest IsolationForestConfig `yaml:"isolation_forest"`
	Autoencoder     AutoencoderConfig     `yaml:"autoencoder"`
	Sweep           SweepConfig           `yaml:"sweep"`
	Output          OutputConfig          `yaml:"output"`
	Log             LogConfig             `yaml:"log"`
}

// DatasetConfig selects the input file and the hold-out split.
type DatasetConfig struct {
	Path         string  `yaml:"path" validate:"required"`
	TestFraction float64 `yaml:"test_fraction" validate:"gt=0,lt=1"`
	Seed         int64   `yaml:"seed"`
	Lenient      bool    `yaml:"lenient"`
}

// PreprocessConfig selects the normalization and unseen category policy.
type PreprocessConfig struct {
	Scaler          string `yaml:"scaler" validate:"oneof=minmax standard"`
	UnknownCategory string `yaml:"unknown_category" validate:"oneof=error ignore"`
}

// IsolationForestConfig holds Isolation Forest hyperparameters.
type IsolationForestConfig struct {
	Trees         int     `yaml:"trees" validate:"min=1"`
	SampleSize    int     `yaml:"sample_size" validate:"min=2"`
	Contamination float64 `yaml:"contamination" validate:"gte=0,lte=0.5"`
	Jobs          int     `yaml:"jobs" validate:"gte=0"`
	Seed          int64   `yaml:"seed"`
}

// AutoencoderConfig holds Autoencoder hyperparameters.
type AutoencoderConfig struct {
	Hidden        []int   `yaml:"hidden" validate:"required,min=1,dive,min=1"`
	Output        string  `yaml:"output" validate:"omitempty,oneof=sigmoid linear"`
	Epochs        int     `yaml:"epochs" validate:"min=1"`
	BatchSize     int     `yaml:"batch_size" validate:"min=1"`
	LearningRate  float64 `yaml:"learning_rate" validate:"gt=0"`
	Contamination float64 `yaml:"contamination" validate:"gte=0,lte=0.5"`
	NormalOnly    bool    `yaml:"normal_only"`
	Seed          int64   `yaml:"seed"`
}

// SweepConfig lists the candidate percentiles.
type SweepConfig struct {
	Percentiles []float64 `yaml:"percentiles" validate:"required,min=1,unique,dive,gte=0,lte=100"`
}

// OutputConfig selects where artifacts are written. Empty paths disable
// the corresponding output.
type OutputConfig struct {
	PlotDir     string `yaml:"plot_dir"`
	PlotFormat  string `yaml:"plot_format" validate:"oneof=png svg pdf"`
	MetricsFile string `yaml:"metrics_file"`
	ModelFile   string `yaml:"model_file"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Dataset: DatasetConfig{
			Path:         "KDDTrain+.txt",
			TestFraction: 0.2,
			Seed:         42,
		},
		Preprocess: PreprocessConfig{
			Scaler:          "minmax",
			UnknownCategory: "ignore",
		},
		IsolationForest: IsolationForestConfig{
			Trees:         100,
			SampleSize:    256,
			Contamination: 0.1,
			Seed:          42,
		},
		Autoencoder: AutoencoderConfig{
			Hidden:        []int{32, 16, 32},
			Epochs:        20,
			BatchSize:     256,
			LearningRate:  1e-3,
			Contamination: 0.1,
			NormalOnly:    true,
			Seed:          42,
		},
		Sweep: SweepConfig{
			Percentiles: []float64{50, 55, 60, 65, 70, 75, 80, 85, 90, 95},
		},
		Output: OutputConfig{
			PlotDir:    "plots",
			PlotFormat: "png",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
