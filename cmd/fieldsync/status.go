package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths, cache state, and connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, cleanup, err := buildClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		// Probe so the online flag reflects reality, not the cold-start default.
		client.Detector().SetNetworkAvailable(ctx, true)

		diag, err := client.Diagnostics(ctx)
		if err != nil {
			return fmt.Errorf("failed to gather diagnostics: %w", err)
		}

		fmt.Printf("Technician: %s\n", cfg.API.TechnicianID)
		fmt.Printf("Server:     %s\n", cfg.API.BaseURL)
		fmt.Println()
		fmt.Println("Queue:")
		fmt.Printf("  Pending edits:   %d\n", diag.Counts.PendingEdits)
		fmt.Printf("  Pending uploads: %d\n", diag.Counts.PendingUploads)
		fmt.Printf("  Failed edits:    %d\n", diag.Counts.FailedEdits)
		fmt.Printf("  Failed uploads:  %d\n", diag.Counts.FailedUploads)
		fmt.Println()
		fmt.Println("Cache:")
		fmt.Printf("  Jobs:         %d\n", diag.CachedJobs)
		fmt.Printf("  Pages:        %d\n", diag.CachedPages)
		fmt.Printf("  Last sync:    %s\n", formatTime(diag.CacheStatus.LastSync))
		fmt.Println()
		if diag.IsOffline {
			fmt.Printf("Connectivity: offline (last online %s)\n", formatTime(diag.LastOnlineAt))
		} else {
			fmt.Println("Connectivity: online")
		}

		if len(diag.FailedEdits) > 0 {
			fmt.Println()
			fmt.Println("Failed edits:")
			for _, e := range diag.FailedEdits {
				fmt.Printf("  %s  job=%s  kind=%s  retries=%d  error=%s\n",
					e.ID, e.JobID, e.Kind, e.RetryCount, e.LastError)
			}
		}
		return nil
	},
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "(never)"
	}
	return t.Format(time.RFC3339)
}
