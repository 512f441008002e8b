package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"pkt.systems/batchd"
	"pkt.systems/batchd/internal/metrics"
	"pkt.systems/pslog"
)

func newServeCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the spool-fed drain daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			logger := commandLogger(baseLogger)
			svc, err := batchd.New(cmd.Context(), cfg,
				batchd.WithLogger(logger),
				batchd.WithMetrics(metrics.NewSet()),
			)
			if err != nil {
				return err
			}
			defer svc.Close()
			err = svc.Serve(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
