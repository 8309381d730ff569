package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/egorkaBurkenya/apiclient-go"
)

func newQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "query KEY=VALUE...",
		Short:   "Print a percent-encoded query string",
		Example: `  apiclient query a=1 "b=x y"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parsePairs(args)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), apiclient.MakeQueryString(q))
			return nil
		},
	}
}

func parsePairs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid pair %q, want KEY=VALUE", arg)
		}
		out[k] = v
	}
	return out, nil
}
