package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sentinel/pkg/agent"
	otelobs "sentinel/pkg/observability/otel"
	"sentinel/pkg/structlog"
	"sentinel/shared/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "sentinel",
	Short:         "Sentinel - incident response agent for lost or stolen devices",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.Get("SENTINEL_CONFIG", "sentinel.yaml"), "path to the YAML settings file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override telemetry.log_level (debug, info, warn, error)")
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

// loadSettings reads the config file and installs the process logger.
func loadSettings() (*config.Settings, *structlog.Logger, error) {
	s, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level := s.Telemetry.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger := structlog.NewLogger(s.Telemetry.ServiceName, structlog.ParseLevel(level), os.Stdout)
	structlog.SetDefaultLogger(logger)
	return s, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// buildAgent loads settings and wires an agent with telemetry enabled.
func buildAgent(ctx context.Context) (*agent.Agent, func(), error) {
	s, logger, err := loadSettings()
	if err != nil {
		return nil, nil, err
	}
	shutdownOtel, err := otelobs.Init(ctx, s.Telemetry.ServiceName, s.Telemetry.OTLPEndpoint, logger.Named("otel"))
	if err != nil {
		logger.Warn("telemetry init failed", structlog.Fields{"error": err})
	}
	a, err := agent.Build(ctx, s, agent.WithLogger(logger))
	if err != nil {
		_ = shutdownOtel(ctx)
		return nil, nil, err
	}
	cleanup := func() {
		if err := a.Close(); err != nil {
			logger.Warn("store close failed", structlog.Fields{"error": err})
		}
		_ = shutdownOtel(context.Background())
	}
	return a, cleanup, nil
}
