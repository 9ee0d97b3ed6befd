package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/tabsynth/internal/config"
	"github.com/ajitpratap0/tabsynth/internal/generation"
	"github.com/ajitpratap0/tabsynth/internal/ingest"
	"github.com/ajitpratap0/tabsynth/internal/lifecycle"
	"github.com/ajitpratap0/tabsynth/internal/paths"
	"github.com/ajitpratap0/tabsynth/internal/store"
	"github.com/ajitpratap0/tabsynth/internal/synth"
)

var cfg *config.Config

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	rootCmd := &cobra.Command{
		Use:   "tabsynth",
		Short: "tabsynth: synthetic tabular data service",
		Long:  "Upload a CSV, train a generative model on it, and sample synthetic rows that statistically resemble it.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		mcpCmd(),
		ingestCmd(),
		trainCmd(),
		generateCmd(),
		statusCmd(),
	)

	rootCmd.SetContext(ctx)

	err := rootCmd.Execute()
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if cfg != nil {
		switch strings.ToLower(cfg.Logging.Level) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg != nil && cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// service is the set of components every command shares.
type service struct {
	layout   *paths.Layout
	datasets *store.DatasetStore
	ingester *ingest.Ingester
	manager  *lifecycle.Manager
	pipeline *generation.Pipeline
}

func newService(logger *slog.Logger) (*service, error) {
	layout, err := paths.New(cfg.Storage.DataDir, paths.Options{
		ModelFile:  cfg.Storage.ModelFile,
		OutputFile: cfg.Storage.OutputFile,
		UploadExt:  cfg.Storage.UploadExt,
	})
	if err != nil {
		return nil, fmt.Errorf("preparing data directory: %w", err)
	}

	datasets := store.NewDatasetStore(layout, logger)
	backend := synth.NewCopula(synth.CopulaOptions{
		Seed:          cfg.Synth.Seed,
		BootstrapRows: cfg.Synth.BootstrapRows,
	}, logger)
	manager := lifecycle.NewManager(backend, datasets, lifecycle.Options{
		ModelPath:    layout.ModelPath(),
		MinEpochs:    cfg.Training.MinEpochs,
		MaxEpochs:    cfg.Training.MaxEpochs,
		Policy:       lifecycle.BusyPolicy(cfg.Service.BusyPolicy),
		QueueTimeout: cfg.Service.QueueTimeout,
	}, logger)

	return &service{
		layout:   layout,
		datasets: datasets,
		ingester: ingest.New(layout, datasets, cfg.API.MaxUploadBytes, logger),
		manager:  manager,
		pipeline: generation.NewPipeline(manager, layout.OutputPath(), cfg.Generation.MaxRows, logger),
	}, nil
}
