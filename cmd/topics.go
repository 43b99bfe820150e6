package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newTopicsCmd creates the 'topics' subcommand, a single discovery pass.
func newTopicsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "Prints the topics the current feeds would produce",
		Args:  cobra.NoArgs,
		RunE: withResolvedApp(func(cmd *cobra.Command, appInstance App) error {
			topics, err := appInstance.Topics(cmd.Context())
			if err != nil {
				return fmt.Errorf("discover topics: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, topic := range topics {
				if _, err := fmt.Fprintln(out, topic); err != nil {
					return fmt.Errorf("write topic: %w", err)
				}
			}
			return nil
		}),
	}
}
