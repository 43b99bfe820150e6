// Package cmd defines the CLI commands of the topic-crawler executable.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs the crawl loop until
// interrupted.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs the crawl loop until interrupted",
		Long: `Repeatedly discovers topics from the configured feeds and searches for
each of them. Stops after SIGINT or SIGTERM once the requests already sent have
finished.`,
		Args: cobra.NoArgs,
		RunE: withResolvedApp(func(cmd *cobra.Command, appInstance App) error {
			if err := appInstance.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run crawler: %w", err)
			}
			return nil
		}),
	}
}
