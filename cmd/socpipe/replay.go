package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/dlq"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/indexer"
)

var replayExpireOnly bool

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-send dead-lettered events through the indexer chain",
	Long: `Replay every entry in the dead-letter queue through the configured
transport chain, retrying each with exponential backoff. Entries that still
fail stay queued.

Examples:
  socpipe replay
  socpipe replay --expire-only`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayExpireOnly, "expire-only", false, "Only drop entries older than the configured max age")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := loadRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.shutdownTracer()
	cfg := rt.cfg
	logger := rt.logger.WithComponent("replay")

	queue, err := dlq.New(cfg.DLQ, dlq.WithLogger(rt.logger), dlq.WithMetrics(rt.metrics))
	if err != nil {
		return fmt.Errorf("failed to open dead letter queue: %w", err)
	}
	defer queue.Close()

	if replayExpireOnly {
		expired := queue.Expire()
		logger.Info().Int("expired", expired).Int("remaining", queue.Size()).Msg("Expired dead letter entries")
		return queue.Flush()
	}

	if queue.Size() == 0 {
		logger.Info().Msg("Dead letter queue is empty")
		return nil
	}

	chain, err := indexer.Build(ctx, cfg.Indexer,
		indexer.WithLogger(rt.logger),
		indexer.WithMetrics(rt.metrics),
		indexer.WithTracer(rt.tracer),
	)
	if err != nil {
		return err
	}
	defer chain.Close()

	res, err := queue.Replay(ctx, chain, cfg.Replay)
	logger.Info().
		Int("attempted", res.Attempted).
		Int("replayed", res.Replayed).
		Int("remaining", res.Remaining).
		Msg("Replay finished")
	if err != nil {
		return fmt.Errorf("replay interrupted: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d of %d events, %d remaining\n", res.Replayed, res.Attempted, res.Remaining)
	if res.Remaining > 0 {
		return fmt.Errorf("%d events could not be delivered", res.Remaining)
	}
	return nil
}
