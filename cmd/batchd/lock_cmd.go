package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/batchd"
	"pkt.systems/pslog"
)

func newLockCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Show the semaphore's current count and owners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			record, err := svc.LockSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d/%d permits held\n", cfg.LockName, record.CurrentCount, cfg.Limit)
			owners := make([]string, 0, len(record.Owners))
			for owner := range record.Owners {
				owners = append(owners, owner)
			}
			sort.Strings(owners)
			for _, owner := range owners {
				fmt.Fprintf(out, "  %s (acquired %s)\n",
					owner, humanize.Time(time.Unix(record.Owners[owner], 0)))
			}
			return nil
		},
	}
}
