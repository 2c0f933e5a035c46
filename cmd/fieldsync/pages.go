package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	pagesCmd.AddCommand(pagesListCmd)
	rootCmd.AddCommand(pagesCmd)
}

var pagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "Inspect the offline page cache",
}

var pagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached pages, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, cleanup, err := buildClient()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		pages, err := client.Pages().List(ctx)
		if err != nil {
			return err
		}
		if len(pages) == 0 {
			fmt.Println("No pages cached.")
			return nil
		}
		for _, p := range pages {
			fmt.Printf("%-40s %-24s %s\n", p.Route, p.Title, p.CachedAt.Format(time.RFC3339))
		}
		return nil
	},
}
