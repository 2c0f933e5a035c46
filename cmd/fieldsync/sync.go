package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/go-fieldsync/fieldsync"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the offline queue to the server now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, cleanup, err := buildClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		if err := goOnline(ctx, client); err != nil {
			return err
		}

		before, err := client.Store().Counts(ctx)
		if err != nil {
			return err
		}
		if before.PendingEdits == 0 && before.PendingUploads == 0 {
			fmt.Println("Nothing to sync.")
			return nil
		}
		fmt.Printf("Syncing %d edits and %d uploads...\n", before.PendingEdits, before.PendingUploads)

		if err := client.SyncNow(ctx); err != nil {
			var authErr *fieldsync.AuthError
			if errors.As(err, &authErr) {
				return fmt.Errorf("session expired, sign in again and retry")
			}
			return fmt.Errorf("sync failed: %w", err)
		}

		after, err := client.Store().Counts(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Done. %d edits and %d uploads remain pending, %d records failed.\n",
			after.PendingEdits, after.PendingUploads, after.FailedEdits+after.FailedUploads)
		return nil
	},
}
