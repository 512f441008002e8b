package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/batchd"
	"pkt.systems/pslog"
)

func newRunCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "run <batch-id>",
		Short: "Drain one batch in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			logger := commandLogger(baseLogger)
			svc, err := batchd.New(cmd.Context(), cfg, batchd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer svc.Close()
			summary, err := svc.Drain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d units, execution %s)\n",
				summary.BatchID, summary.Status, summary.Processed, summary.ExecutionID)
			return nil
		},
	}
}
