package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/dispatch"
)

var probeCmd = &cobra.Command{
	Use:   "probe [processor_url]",
	Short: "Query the enrichment service health once",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProbe,
}

func runProbe(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(cmd.Context())
	if err != nil {
		return err
	}
	if len(args) == 1 {
		rt.cfg.Dispatch.Endpoint = args[0]
	}

	client, err := dispatch.New(rt.cfg.Dispatch, dispatch.WithLogger(rt.logger))
	if err != nil {
		return err
	}

	resp, err := client.Health(cmd.Context())
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
