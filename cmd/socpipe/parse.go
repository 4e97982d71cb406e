package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/dispatch"
	"github.com/therealutkarshpriyadarshi/socpipe/internal/parser"
)

// One-shot outcome messages
const (
	msgFileNotFound = "Log file not found"
	msgCompleted    = "Log processing completed successfully"
	msgFailed       = "Log processing failed"
)

var errProcessingFailed = errors.New(msgFailed)

var parseCmd = &cobra.Command{
	Use:   "parse <log_file> [processor_url]",
	Short: "Parse one log file and send its events once",
	Long: `Parse a complete Zeek conn log and dispatch every record to the
enrichment service. Exits 0 when every event was accepted, 1 otherwise.

Examples:
  socpipe parse /app/logs/conn.log
  socpipe parse conn.log http://processor:8001`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runParse,
}

func runParse(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rt, err := loadRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.shutdownTracer()
	logger := rt.logger.WithComponent("parse")

	path := args[0]
	if len(args) == 2 {
		rt.cfg.Dispatch.Endpoint = args[1]
	}

	if _, err := os.Stat(path); err != nil {
		logger.Error().Str("path", path).Msg(msgFileNotFound)
		return fmt.Errorf("%s: %s", msgFileNotFound, path)
	}

	result, err := parser.ParseFile(path, rt.logger)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Failed to parse log file")
		return fmt.Errorf("%s: %w", msgFailed, err)
	}

	logger.Info().
		Str("path", path).
		Int("events", len(result.Events)).
		Int64("rejected", result.Stats.Rejected).
		Msg("Parsed log file")

	if len(result.Events) == 0 {
		logger.Info().Str("path", path).Msg("No events to send")
		fmt.Fprintln(cmd.OutOrStdout(), msgCompleted)
		return nil
	}

	client, err := dispatch.New(rt.cfg.Dispatch,
		dispatch.WithLogger(rt.logger),
		dispatch.WithMetrics(rt.metrics),
		dispatch.WithTracer(rt.tracer),
	)
	if err != nil {
		return err
	}

	res := client.Dispatch(ctx, result.Events)
	logger.Info().
		Int("events", res.Total).
		Int("sent", res.Sent).
		Int("successful", res.Succeeded).
		Int("failed", res.Failed).
		Int("chunks", res.Chunks).
		Msg("Dispatch finished")

	if !res.AllAccepted() {
		if res.Err != nil {
			logger.Error().Err(res.Err).Msg(msgFailed)
		}
		return errProcessingFailed
	}

	fmt.Fprintln(cmd.OutOrStdout(), msgCompleted)
	return nil
}
