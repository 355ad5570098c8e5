package main

import (
	"log/slog"
	"time"

	"github.com/openmined/minisync/internal/client"
	"github.com/openmined/minisync/internal/client/sync"
	"github.com/openmined/minisync/internal/version"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newWatchCmd())
}

func newWatchCmd() *cobra.Command {
	var interval time.Duration
	var noSnapshot bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the vault in sync until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			slog.Info("minisync", "version", version.Version, "revision", version.Revision)

			c, err := openClient(cmd, map[string]string{"strategy": "strategy"}, client.Options{Scan: true, NoSnapshot: noSnapshot})
			if err != nil {
				return err
			}
			defer c.Close()

			if c.Notifier() != nil {
				slog.Info("remote notifications enabled")
			}

			defer slog.Info("Bye!")
			return c.Watch(cmd.Context(), interval, func(sum *sync.Summary) {
				if !sum.HasChanges() {
					return
				}
				slog.Info("sync pass",
					"recorded", sum.Recorded,
					"pulled", sum.Pulled,
					"applied", sum.Applied,
					"pushed", sum.Pushed,
					"conflicts", sum.ConflictsAfter,
					"took", sum.Duration.Round(time.Millisecond),
				)
			})
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", sync.DefaultSyncInterval, "time between passes when nothing changes")
	cmd.Flags().String("strategy", "", "conflict strategy for paths without a decision: local, remote, manual_merge")
	cmd.Flags().BoolVar(&noSnapshot, "no-snapshot", false, "do not publish snapshots after pushing")
	return cmd
}
