package cmd

import (
	"fmt"
	"time"

	"audioingest/core/transcode"

	"github.com/spf13/cobra"
)

var (
	reconcileOlderThan time.Duration
	reconcileLimit     int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the transcode queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ready, processing and delayed job counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "cli", appNeeds{queue: true})
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.jobs.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue:      %s\nready:      %d\nprocessing: %d\ndelayed:    %d\n",
			a.cfg.QueueName, stats.Ready, stats.Processing, stats.Delayed)
		return nil
	},
}

var queueRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Move jobs stranded in the processing list back to ready",
	Long: `Only run this while no worker is consuming: in-flight jobs are indistinguishable
from stranded ones and would be delivered twice.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "cli", appNeeds{queue: true})
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.jobs.Recover(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("recovered %d jobs\n", n)
		return nil
	},
}

var queueReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-enqueue pending uploads whose jobs were lost",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "cli", appNeeds{db: true, queue: true})
		if err != nil {
			return err
		}
		defer a.close()

		n, err := transcode.Reconcile(ctx, a.audios, a.jobs, time.Now().Add(-reconcileOlderThan), reconcileLimit)
		if err != nil {
			return err
		}
		fmt.Printf("re-enqueued %d pending uploads\n", n)
		return nil
	},
}

func init() {
	queueReconcileCmd.Flags().DurationVar(&reconcileOlderThan, "older-than", 15*time.Minute, "only records pending for at least this long")
	queueReconcileCmd.Flags().IntVar(&reconcileLimit, "limit", 500, "maximum records to re-enqueue")

	queueCmd.AddCommand(queueStatsCmd, queueRecoverCmd, queueReconcileCmd)
	rootCmd.AddCommand(queueCmd)
}
