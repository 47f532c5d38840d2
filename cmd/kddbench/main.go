package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/kddbench/internal/config"
	"github.com/hed1ad/kddbench/internal/logging"
	kio "github.com/hed1ad/kddbench/pkg/io"
	"github.com/hed1ad/kddbench/pkg/io/jsonl"
	"github.com/hed1ad/kddbench/pkg/io/nslkdd"
	"github.com/hed1ad/kddbench/pkg/io/pcap"
	"github.com/hed1ad/kddbench/pkg/metrics"
	"github.com/hed1ad/kddbench/pkg/pipeline"
	"github.com/hed1ad/kddbench/pkg/report"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile     string
	logLevel    string
	logFormat   string
	dataPath    string
	plotDir     string
	metricsFile string
	modelOut    string

	modelPath string
	pcapPath  string
	iface     string
	bpf       string
	outPath   string
)

var rootCmd = &cobra.Command{
	Use:           "kddbench",
	Short:         "Compare anomaly detectors on NSL-KDD",
	Long:          `kddbench trains an Isolation Forest and an Autoencoder on NSL-KDD connection records, sweeps their decision thresholds and reports precision, recall and F1.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Train both detectors and compare them on a held-out split",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		_, err = pipeline.Run(cmd.Context(), cfg,
			pipeline.WithLogger(logger),
			pipeline.WithMetrics(metrics.NewRegistry()),
			pipeline.WithOutput(cmd.OutOrStdout()),
		)
		return err
	},
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train both detectors and save a scoring bundle",
	Long:  `Train both detectors, select each threshold with the percentile sweep on the held-out split and save the encoder and detectors as a bundle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		if cfg.Output.ModelFile == "" {
			return errors.New("--model-out is required")
		}
		cfg.Output.PlotDir = ""

		res, err := pipeline.Run(cmd.Context(), cfg,
			pipeline.WithLogger(logger),
			pipeline.WithMetrics(metrics.NewRegistry()),
		)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "bundle %s saved to %s\n", res.RunID, cfg.Output.ModelFile)
		return nil
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score [FILE]",
	Short: "Score NSL-KDD records or a packet capture with a saved bundle",
	Long: `Score connection records with a bundle written by "kddbench train" and
write one JSON result per line. Input is an NSL-KDD file, a pcap file
(--pcap) or a live interface (--iface). When every record is labeled,
the bundle thresholds are evaluated against the labels.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		if modelPath == "" {
			return errors.New("--model is required")
		}
		bundle, err := pipeline.LoadBundle(modelPath)
		if err != nil {
			return err
		}
		logger.Info("bundle loaded",
			zap.String("path", modelPath),
			zap.String("run_id", bundle.RunID),
			zap.Time("created", bundle.Created),
		)

		reader, err := openInput(args, cfg.Dataset.Lenient)
		if err != nil {
			return err
		}
		defer reader.Close()

		var (
			writer *jsonl.Writer
			finish func() error
		)
		if outPath == "" || outPath == "-" {
			writer = jsonl.NewWriter(cmd.OutOrStdout())
			finish = writer.Flush
		} else {
			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			writer = jsonl.NewWriter(f)
			finish = writer.Close
		}

		reg := metrics.NewRegistry()
		res, err := pipeline.Score(cmd.Context(), bundle, reader, writer, logger, reg)
		if ferr := finish(); ferr != nil && err == nil {
			err = fmt.Errorf("write output: %w", ferr)
		}
		if err != nil {
			return err
		}

		if res.Labeled {
			if err := report.Summary(cmd.ErrOrStderr(), fmt.Sprintf("%d labeled records", res.Records), res.Rows); err != nil {
				return err
			}
		}
		if cfg.Output.MetricsFile != "" {
			if err := reg.WriteTextfile(cfg.Output.MetricsFile); err != nil {
				return fmt.Errorf("write metrics: %w", err)
			}
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kddbench %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")

	for _, cmd := range []*cobra.Command{runCmd, trainCmd, configCmd} {
		cmd.Flags().StringVarP(&dataPath, "data", "d", "", "NSL-KDD data file")
		cmd.Flags().StringVarP(&modelOut, "model-out", "o", "", "save the trained bundle to this file")
	}
	runCmd.Flags().StringVar(&plotDir, "plots", "", "directory for plots")
	configCmd.Flags().StringVar(&plotDir, "plots", "", "directory for plots")

	scoreCmd.Flags().StringVarP(&modelPath, "model", "m", "", "bundle written by train")
	scoreCmd.Flags().StringVar(&pcapPath, "pcap", "", "score connections from a pcap file")
	scoreCmd.Flags().StringVar(&iface, "iface", "", "score connections captured on a live interface")
	scoreCmd.Flags().StringVar(&bpf, "bpf", "", "BPF filter for pcap input")
	scoreCmd.Flags().StringVar(&outPath, "out", "-", "JSON lines output file")

	rootCmd.AddCommand(runCmd, trainCmd, scoreCmd, configCmd, versionCmd)
}

// loadConfig reads the configuration file and applies flags that were set
// explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("data") {
		cfg.Dataset.Path = dataPath
	}
	if flags.Changed("plots") {
		cfg.Output.PlotDir = plotDir
	}
	if flags.Changed("metrics-file") {
		cfg.Output.MetricsFile = metricsFile
	}
	if flags.Changed("model-out") {
		cfg.Output.ModelFile = modelOut
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func setup(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, err
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func openInput(args []string, lenient bool) (kio.RecordReader, error) {
	sources := 0
	for _, set := range []bool{len(args) > 0, pcapPath != "", iface != ""} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, errors.New("exactly one of FILE, --pcap or --iface is required")
	}

	switch {
	case pcapPath != "":
		r, err := pcap.NewFileReader(pcapPath)
		if err != nil {
			return nil, fmt.Errorf("open pcap: %w", err)
		}
		return withFilter(r)
	case iface != "":
		r, err := pcap.NewLiveReader(iface, 65535, true, 500*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("open interface: %w", err)
		}
		return withFilter(r)
	}

	r, err := nslkdd.Open(args[0], nslkdd.WithLenient(lenient))
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}
	return r, nil
}

func withFilter(r *pcap.Reader) (kio.RecordReader, error) {
	if bpf == "" {
		return r, nil
	}
	if err := r.SetBPFFilter(bpf); err != nil {
		r.Close()
		return nil, fmt.Errorf("bpf filter: %w", err)
	}
	return r, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
