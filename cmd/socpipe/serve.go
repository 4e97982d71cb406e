package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/dlq"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/health"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/indexer"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/metrics"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/processor"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/server"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/shutdown"
)

var serveAddress string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the enrichment service",
	Long: `Serve the enrichment API. Every received event is enriched with geo
context and indexed through the configured transport chain; events that no
transport accepts are written to the dead-letter queue.

Examples:
  socpipe serve
  socpipe serve --address 127.0.0.1:8001`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "Override the listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := loadRuntime(ctx)
	if err != nil {
		return err
	}
	cfg := rt.cfg
	if serveAddress != "" {
		cfg.Processor.Address = serveAddress
	}

	rt.logger.Info().
		Str("version", version).
		Strs("transports", cfg.Indexer.Transports).
		Str("splunk_host", cfg.Indexer.Splunk.Host).
		Int("splunk_port", cfg.Indexer.Splunk.Port).
		Str("splunk_token", cfg.Redacted().Indexer.Splunk.Token).
		Msg("Starting enrichment service")

	mgr := shutdown.New(shutdown.Config{Timeout: cfg.Shutdown.Timeout, Logger: rt.logger})
	defer mgr.HandlePanic()
	defer mgr.Shutdown()

	// hooks run in reverse: the listener stops before the chain and queue
	mgr.RegisterFunc("tracer", rt.tracer.Shutdown)
	mgr.RegisterFunc("metrics", func(ctx context.Context) error {
		rt.metrics.Stop()
		return nil
	})
	rt.metrics.Start()

	chain, err := indexer.Build(ctx, cfg.Indexer,
		indexer.WithLogger(rt.logger),
		indexer.WithMetrics(rt.metrics),
		indexer.WithTracer(rt.tracer),
	)
	if err != nil {
		return err
	}
	mgr.RegisterFunc("indexer", func(ctx context.Context) error {
		return chain.Close()
	})

	checker := health.NewChecker(5 * time.Second).WithGauge(rt.metrics.HealthStatus)

	hec := indexer.NewHEC(cfg.Indexer.Splunk, rt.logger)
	checker.Register("splunk", func(ctx context.Context) health.ComponentHealth {
		status := hec.Probe(ctx)
		if status == indexer.ProbeConnected {
			return health.ComponentHealth{Status: health.StatusHealthy}
		}
		return health.ComponentHealth{Status: health.StatusDegraded, Message: string(status)}
	})

	extractor, err := metrics.NewExtractor(rt.metrics, metrics.ConnectionRules())
	if err != nil {
		return err
	}

	opts := []processor.Option{
		processor.WithLogger(rt.logger),
		processor.WithMetrics(rt.metrics),
		processor.WithTracer(rt.tracer),
		processor.WithProber(hec),
		processor.WithExtractor(extractor),
	}

	if cfg.DLQ.Enabled {
		queue, err := dlq.New(cfg.DLQ, dlq.WithLogger(rt.logger), dlq.WithMetrics(rt.metrics))
		if err != nil {
			return fmt.Errorf("failed to open dead letter queue: %w", err)
		}
		mgr.RegisterFunc("dlq", func(ctx context.Context) error {
			return queue.Close()
		})
		checker.Register("dlq", health.CheckWithMetadata(func() (health.Status, string, map[string]interface{}) {
			stats := queue.Stats()
			meta := map[string]interface{}{"size": stats.CurrentSize, "dropped": stats.Dropped}
			if stats.Utilization() >= 0.9 {
				return health.StatusDegraded, "dead letter queue nearly full", meta
			}
			return health.StatusHealthy, "", meta
		}))
		opts = append(opts, processor.WithDeadLetters(queue))
	}

	if cfg.Observability.Enabled {
		obs := server.New(cfg.Observability, rt.metrics.Registry(), checker, rt.logger)
		if err := obs.Start(); err != nil {
			return err
		}
		mgr.RegisterComponent(obs)
	}

	srv := processor.New(cfg.Processor, chain, processor.SplunkInfo{
		Host:   cfg.Indexer.Splunk.Host,
		Port:   cfg.Indexer.Splunk.Port,
		Scheme: cfg.Indexer.Splunk.Scheme,
	}, opts...)
	if err := srv.Start(); err != nil {
		return err
	}
	mgr.RegisterComponent(srv)

	mgr.WaitForSignal()
	return mgr.Err()
}
