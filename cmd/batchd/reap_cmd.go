package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/batchd"
	"pkt.systems/pslog"
)

func newReapCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reap <execution-id>",
		Short: "Release the permit held by a finished execution, if any",
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
			released, err := svc.Reap(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if released {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: permit released\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: no permit held\n", args[0])
			}
			return nil
		},
	}
}
