// socpipe tails Zeek connection logs, ships the decoded records to the
// enrichment service and indexes the enriched events.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/config"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/enrich"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/metrics"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/tracing"
)

var (
	version = enrich.Version
	commit  = "dev"
)

// CLI flags
var (
	configFile string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "socpipe",
	Short: "socpipe - Zeek connection log pipeline",
	Long: `socpipe watches a directory of Zeek conn logs, decodes new records and
ships them to the enrichment service, which adds geo context and indexes
every event in Splunk or one of the fallback transports.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")

	rootCmd.AddCommand(watchCmd, parseCmd, serveCmd, replayCmd, probeCmd)
}

// runtime is the ambient stack shared by every command
type runtime struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  *tracing.Provider
}

func loadRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(logger)

	tracer, err := tracing.NewProvider(ctx, cfg.Tracing, version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise tracing: %w", err)
	}

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(),
		tracer:  tracer,
	}, nil
}

func (rt *runtime) shutdownTracer() {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Shutdown.Timeout)
	defer cancel()
	if err := rt.tracer.Shutdown(ctx); err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to flush traces")
	}
}
