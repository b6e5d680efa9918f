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

	"github.com/aixgo-dev/assistant/pkg/config"
	"github.com/aixgo-dev/assistant/pkg/observability"
)

// Version information (set via ldflags)
var Version = "dev"

var (
	configFile string
	logFormat  string
	logLevel   string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "assistant-gateway",
		Short:         "Conversational assistant gateway",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("ASSISTANT_CONFIG"), "configuration file (YAML)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: json or text (overrides config)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	root.AddCommand(newServeCmd(), newModelsCmd(), newTokenCmd())
	return root
}

// loadConfig loads the configuration and applies the logging flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	observability.Version = Version
	return cfg, nil
}

func setupLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
