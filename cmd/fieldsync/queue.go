package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline edit queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued edits and uploads",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, cleanup, err := buildClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		edits, err := client.Store().ListPendingEdits(ctx, "")
		if err != nil {
			return err
		}
		failed, err := client.Store().ListFailedEdits(ctx)
		if err != nil {
			return err
		}
		uploads, err := client.Store().ListPendingUploads(ctx, "")
		if err != nil {
			return err
		}

		if len(edits) == 0 && len(failed) == 0 && len(uploads) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for _, e := range edits {
			fmt.Printf("pending  %s  job=%s  kind=%s  queued=%s\n",
				e.ID, e.JobID, e.Kind, e.CreatedAt.Format(time.RFC3339))
		}
		for _, e := range failed {
			fmt.Printf("failed   %s  job=%s  kind=%s  retries=%d  error=%s\n",
				e.ID, e.JobID, e.Kind, e.RetryCount, e.LastError)
		}
		for _, u := range uploads {
			fmt.Printf("upload   %s  job=%s  file=%s  size=%d  queued=%s\n",
				u.ID, u.JobID, u.File.Name, u.File.Size, u.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset failed records to pending and sync if online",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, cleanup, err := buildClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		// Best effort: retry works offline too, records just wait for the
		// next drain.
		client.Detector().SetNetworkAvailable(ctx, true)

		n, err := client.RetryAllFailed(ctx)
		if err != nil {
			return fmt.Errorf("retry failed: %w", err)
		}
		if n == 0 {
			fmt.Println("No failed records to retry.")
			return nil
		}
		fmt.Printf("Reset %d failed records.\n", n)
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete permanently failed records",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, cleanup, err := buildClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		n, err := client.Store().PurgeFailed(ctx)
		if err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}
		fmt.Printf("Purged %d records.\n", n)
		return nil
	},
}
