package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/batchd"
	"pkt.systems/batchd/internal/pages"
	"pkt.systems/pslog"
)

func newStatusCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show the recorded outcome and remaining units for a batch",
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

			batchID := args[0]
			out := cmd.OutOrStdout()
			status, err := svc.PageStatus(cmd.Context(), batchID)
			switch {
			case errors.Is(err, pages.ErrStatusMissing):
				fmt.Fprintf(out, "%s: no status recorded\n", batchID)
			case err != nil:
				return err
			default:
				fmt.Fprintf(out, "%s: %s (updated %s)\n",
					batchID, status.Status, humanize.Time(time.Unix(status.StatusTime, 0)))
			}
			remaining, err := svc.RemainingUnits(cmd.Context(), batchID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %d work units remaining\n", batchID, remaining)
			return nil
		},
	}
}
