package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/emperorhan/cycle-governor/internal/config"
	"github.com/emperorhan/cycle-governor/internal/retry"
	"github.com/emperorhan/cycle-governor/internal/tracing"
	"github.com/spf13/cobra"
)

const serviceName = "cycle-governor"

// annotationJSONErrors marks commands whose only output is one JSON object, so
// setup failures are printed to stdout instead of escaping as a plain error.
const annotationJSONErrors = "json-errors"

// errReported marks a failure whose details were already written to stdout.
var errReported = errors.New("failure already reported")

var (
	cfg             *config.Config
	logger          *slog.Logger
	shutdownTracing func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:           "governor",
	Short:         "Deterministic cycle governor",
	Long:          "Runs guarded deterministic execution cycles, verifies their on-chain evidence and keeps an append-only audit trail.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		err := setup(cmd)
		if err != nil && cmd.Annotations[annotationJSONErrors] == "true" {
			return reportCycleError(cmd.OutOrStdout(), err)
		}
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		flushTracing()
	},
}

func setup(cmd *cobra.Command) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err = tracing.Init(cmd.Context(), serviceName, tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_ratio", cfg.Tracing.SampleRatio)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd, cycleCmd, recoverCmd, pauseCmd, statusCmd, proofCmd, authorizeCmd)
}

// newLogger writes JSON to stderr so command output on stdout stays machine-readable.
func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func flushTracing() {
	if shutdownTracing == nil {
		return
	}
	if err := shutdownTracing(context.Background()); err != nil {
		logger.Warn("tracing shutdown error", "error", err, "retryable", retry.Classify(err).IsTransient())
	}
	shutdownTracing = nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		flushTracing()
		switch {
		case errors.Is(err, errReported):
		case logger != nil:
			logger.Error("command failed", "error", err)
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
