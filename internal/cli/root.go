package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root apiclient command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "apiclient",
		Short: "Send HTTP requests through a cached, bounded, audited client",
		Long: `apiclient sends HTTP requests with the same client used by services:
bounded concurrency, GET response caching, normalized errors and
redacted audit records.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newSendCmd(),
		newQueryCmd(),
		newConfigCmd(),
	)

	return root
}
