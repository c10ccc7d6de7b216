package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"skillchain/services/escrowd/api"
)

func newBalanceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <identity>",
		Short: "Show an identity's reference ledger balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.BalanceResponse
			path := "/v1/accounts/" + url.PathEscape(args[0]) + "/balance"
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), opts, resp, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s\n", resp.Identity, resp.Balance)
			})
		},
	}
}

func newCreditCommand(opts *rootOptions) *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "credit <identity>",
		Short: "Credit an identity on the reference ledger (requires ledger:admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.BalanceResponse
			req := api.CreditRequest{Identity: args[0], Amount: amount}
			if err := newClient(opts).do(cmd.Context(), http.MethodPost, "/v1/ledger/credit", req, &resp); err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), opts, resp, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s\n", resp.Identity, resp.Balance)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount to credit")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
