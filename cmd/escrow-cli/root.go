package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultEndpoint = "http://localhost:8090"

// rootOptions holds the global flags.
type rootOptions struct {
	Endpoint string
	Token    string
	Format   string
	Timeout  time.Duration
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "escrow-cli",
		Short:         "Client for the escrowd milestone escrow service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}

	endpoint := strings.TrimSpace(os.Getenv("ESCROW_ENDPOINT"))
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	cmd.PersistentFlags().StringVar(&opts.Endpoint, "endpoint", endpoint, "escrowd base URL (env ESCROW_ENDPOINT)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("ESCROW_TOKEN"), "bearer token (env ESCROW_TOKEN)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "request timeout")

	cmd.AddCommand(
		newCreateCommand(opts),
		newFundCommand(opts),
		newReleaseCommand(opts),
		newCancelCommand(opts),
		newApproveCancelCommand(opts),
		newResolveCommand(opts),
		newGetCommand(opts),
		newMilestonesCommand(opts),
		newListCommand(opts),
		newBalanceCommand(opts),
		newCreditCommand(opts),
		newTokenCommand(opts),
		newExportEventsCommand(opts),
	)
	return cmd
}
