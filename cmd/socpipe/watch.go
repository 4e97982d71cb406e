package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/dispatch"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/health"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/server"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/watcher"
)

var (
	watchInterval time.Duration
	watchNotify   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the log directory and ship new records",
	Long: `Poll the configured directory for *.log files, decode every newly
appended record and dispatch it to the enrichment service. Runs until
SIGINT or SIGTERM.

Examples:
  socpipe watch
  socpipe watch --interval 2s --notify`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Override the poll interval")
	watchCmd.Flags().BoolVar(&watchNotify, "notify", false, "Also tick on filesystem notifications")
}

func runWatch(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(cmd.Context())
	if err != nil {
		return err
	}
	cfg := rt.cfg
	if watchInterval > 0 {
		cfg.Watcher.Interval = watchInterval
	}
	if watchNotify {
		cfg.Watcher.Notify = true
	}

	rt.logger.Info().
		Str("version", version).
		Str("dir", cfg.Watcher.Dir).
		Str("processor", cfg.Dispatch.Endpoint).
		Msg("Starting log watcher")

	client, err := dispatch.New(cfg.Dispatch,
		dispatch.WithLogger(rt.logger),
		dispatch.WithMetrics(rt.metrics),
		dispatch.WithTracer(rt.tracer),
	)
	if err != nil {
		return err
	}

	w, err := watcher.New(cfg.Watcher, client,
		watcher.WithLogger(rt.logger),
		watcher.WithMetrics(rt.metrics),
		watcher.WithTracer(rt.tracer),
	)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	checker := health.NewChecker(5 * time.Second).WithGauge(rt.metrics.HealthStatus)
	checker.Register("logs_dir", health.DirCheck(cfg.Watcher.Dir))
	checker.Register("processor", health.ProbeCheck(health.StatusDegraded, func(ctx context.Context) error {
		_, err := client.Health(ctx)
		return err
	}))

	mgr := shutdown.New(shutdown.Config{Timeout: cfg.Shutdown.Timeout, Logger: rt.logger})
	defer mgr.HandlePanic()
	defer mgr.Shutdown()

	mgr.RegisterFunc("tracer", rt.tracer.Shutdown)
	mgr.RegisterFunc("metrics", func(ctx context.Context) error {
		rt.metrics.Stop()
		return nil
	})
	rt.metrics.Start()

	if cfg.Observability.Enabled {
		obs := server.New(cfg.Observability, rt.metrics.Registry(), checker, rt.logger)
		if err := obs.Start(); err != nil {
			return err
		}
		mgr.RegisterComponent(obs)
	}

	done := make(chan error, 1)
	go func() {
		err := w.Run(mgr.Context())
		done <- err
		if err != nil {
			rt.logger.Error().Err(err).Msg("Watcher failed")
			go mgr.Shutdown()
		}
	}()
	mgr.RegisterFunc("watcher", func(ctx context.Context) error {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	mgr.WaitForSignal()
	return mgr.Err()
}
