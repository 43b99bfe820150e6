package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/rss-topic-crawler/internal/query"
)

// newQueryCmd creates the 'query' subcommand, which prints the search URL
// for a template and topic.
func newQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "query <template> <topic>",
		Short:       "Prints the search URL built from a template and a topic",
		Example:     `  topic-crawler query "https://example.com/search?q=%s" "hello world"`,
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{"standalone": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), query.BuildURL(args[0], args[1])); err != nil {
				return fmt.Errorf("write url: %w", err)
			}
			return nil
		},
	}
}
