package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRefreshCmd)
	rootCmd.AddCommand(jobsCmd)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and refresh the local job cache",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List today's cached jobs with pending edits applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, cleanup, err := buildClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		jobs, err := client.DisplayTodayJobs(ctx)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs cached for today. Run 'fieldsync jobs refresh' while online.")
			return nil
		}
		for _, j := range jobs {
			marker := " "
			if j.HasPendingUpdates {
				marker = "*"
			}
			fmt.Printf("%s %-12s %-12s %-24s %s\n",
				marker, j.JobNumber, j.Status, j.Customer.Name, j.Location.Address)
		}
		fmt.Println()
		fmt.Println("* has pending offline edits")
		return nil
	},
}

var jobsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch today's jobs and precache their pages",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, cleanup, err := buildClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		if err := goOnline(ctx, client); err != nil {
			return err
		}
		jobs, err := client.RefreshJobs(ctx)
		if err != nil {
			return fmt.Errorf("refresh failed: %w", err)
		}
		fmt.Printf("Cached %d jobs for today.\n", len(jobs))
		return nil
	},
}
