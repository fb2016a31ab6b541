package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/born-ml/loramerge/internal/backend/cpu"
	"github.com/born-ml/loramerge/internal/envconfig"
	"github.com/born-ml/loramerge/internal/loader"
	"github.com/born-ml/loramerge/internal/logger"
	"github.com/born-ml/loramerge/internal/merge"
	"github.com/born-ml/loramerge/internal/metrics"
	"github.com/born-ml/loramerge/internal/tensor"
)

// ErrUnsupportedDevice is returned for devices without a merge backend.
var ErrUnsupportedDevice = errors.New("device has no merge backend")

type mergeOptions struct {
	dit         string
	loraWeights []string
	multipliers []float32
	output      string
	device      string
	logLevel    string
	logFormat   string
	metricsFile string
	verify      bool
	noProgress  bool
}

func newMergeCmd() *cobra.Command {
	opts := &mergeOptions{}

	cmd := &cobra.Command{
		Use:   "loramerge",
		Short: "Merge LoRA adapters into a base model checkpoint",
		Long: `Merge one or more LoRA adapters into a base model and save a single safetensors
checkpoint. Adapters are applied in the order given, each scaled by its multiplier.`,
		Example: `  loramerge --dit dit.safetensors \
    --lora-weight style.safetensors --lora-multiplier 1.0 \
    --lora-weight detail.safetensors --lora-multiplier 0.5 \
    --save-merged-model merged.safetensors`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logger.Setup(opts.logLevel, opts.logFormat)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMerge(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.SetNormalizeFunc(underscoreFlags)
	f.StringVar(&opts.dit, "dit", "", "base model checkpoint file or directory")
	f.StringSliceVar(&opts.loraWeights, "lora-weight", nil, "LoRA adapter checkpoints, repeated or comma separated, applied in order")
	f.Float32SliceVar(&opts.multipliers, "lora-multiplier", nil, "multiplier for the adapter at the same position (default 1.0)")
	f.StringVar(&opts.output, "save-merged-model", "", "path to save the merged model")
	f.StringVar(&opts.device, "device", envconfig.Device(), "device to merge on")
	f.StringVar(&opts.metricsFile, "metrics-textfile", "", "write Prometheus metrics to this file when done")
	f.BoolVar(&opts.verify, "verify", envconfig.Verify(), "re-read the merged model and verify its checksum")
	f.BoolVar(&opts.noProgress, "no-progress", envconfig.NoProgress(), "do not show a progress bar while saving")
	_ = cmd.MarkFlagRequired("dit")
	_ = cmd.MarkFlagRequired("save-merged-model")

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.logLevel, "log-level", envconfig.LogLevel(), "log level (debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", envconfig.LogFormat(), "log format (console, json)")

	return cmd
}

// selectBackend maps the device flag to a backend. Only the CPU backend exists.
func selectBackend(device string) (*cpu.CPUBackend, tensor.Device, error) {
	dev, err := tensor.ParseDevice(device)
	if err != nil {
		return nil, dev, err
	}
	if dev != tensor.CPU {
		return nil, dev, fmt.Errorf("%w: %s (use --device cpu)", ErrUnsupportedDevice, dev)
	}
	return cpu.New(), dev, nil
}

// logEnvironment logs the recognized environment variables at debug level.
func logEnvironment(l *logger.Logger) {
	if !l.Enabled(zerolog.DebugLevel) {
		return
	}
	l.Debug("environment", "env", envconfig.Values())
}

func runMerge(cmd *cobra.Command, opts *mergeOptions) error {
	logEnvironment(logger.Log)

	backend, dev, err := selectBackend(opts.device)
	if err != nil {
		return err
	}
	logger.Log.Info("using device", "device", dev.String(), "workers", backend.Workers())

	plan, err := merge.BuildPlan(opts.loraWeights, opts.multipliers, loader.WithDevice(dev))
	if err != nil {
		return err
	}
	if len(plan.Adapters) == 0 {
		logger.Log.Warn("no LoRA weights given, saving the base model unchanged")
	}

	rec := metrics.New()
	engine := merge.NewEngine(
		merge.WithBackend(backend),
		merge.WithLogger(logger.Log),
		merge.WithMetrics(rec),
	)

	job := merge.Job{
		BasePath: opts.dit,
		Plan:     plan,
		Output:   opts.output,
		Loader:   []loader.Option{loader.WithDevice(dev)},
		Verify:   opts.verify,
	}
	if !opts.noProgress {
		job.Progress = func(total int64) io.Writer {
			return newSaveBar(cmd.ErrOrStderr(), total)
		}
	}

	_, runErr := engine.Run(cmd.Context(), job)

	if opts.metricsFile != "" {
		if err := rec.WriteTextfile(opts.metricsFile); err != nil {
			logger.Log.Warn("failed to write metrics", "path", opts.metricsFile, "error", err)
		}
	}
	if runErr != nil {
		logger.Log.Error("merge failed", "kind", merge.ErrorKind(runErr), "error", runErr)
		return runErr
	}
	return nil
}

func newSaveBar(w io.Writer, total int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("saving"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
}
