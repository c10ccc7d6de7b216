package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"skillchain/services/escrowd/api"
)

// parseMilestones turns "amount[:description]" flags into create inputs.
func parseMilestones(values []string) ([]api.MilestoneInput, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("at least one --milestone is required")
	}
	out := make([]api.MilestoneInput, 0, len(values))
	for _, value := range values {
		amount, desc, _ := strings.Cut(value, ":")
		amount = strings.TrimSpace(amount)
		if amount == "" {
			return nil, fmt.Errorf("milestone %q has no amount", value)
		}
		out = append(out, api.MilestoneInput{Amount: amount, Description: strings.TrimSpace(desc)})
	}
	return out, nil
}

func escrowPath(id string, suffix ...string) string {
	parts := append([]string{"/v1/escrows", url.PathEscape(id)}, suffix...)
	return strings.Join(parts, "/")
}

func newCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		payee      string
		arbiter    string
		milestones []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an escrow with the caller as payer",
		Example: `  escrow-cli create --payee skc1... --arbiter skc1... \
    --milestone 300:design --milestone 200:delivery`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := parseMilestones(milestones)
			if err != nil {
				return err
			}
			req := api.CreateRequest{Payee: payee, Arbiter: arbiter, Milestones: ms}
			var resp api.CreateResponse
			if err := newClient(opts).do(cmd.Context(), http.MethodPost, "/v1/escrows", req, &resp); err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), opts, resp, func(w io.Writer) {
				fmt.Fprintf(w, "created escrow %s\n", resp.ID)
			})
		},
	}
	cmd.Flags().StringVar(&payee, "payee", "", "payee identity (bech32 or 0x hex)")
	cmd.Flags().StringVar(&arbiter, "arbiter", "", "optional arbiter identity")
	cmd.Flags().StringArrayVar(&milestones, "milestone", nil, "milestone as amount[:description]; repeatable")
	_ = cmd.MarkFlagRequired("payee")
	return cmd
}

// newStatusCommand builds the commands that post to an escrow and print the
// resulting status.
func newStatusCommand(opts *rootOptions, use, short string, args cobra.PositionalArgs, route func(args []string) (string, any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, body, err := route(args)
			if err != nil {
				return err
			}
			var resp api.StatusResponse
			if err := newClient(opts).do(cmd.Context(), http.MethodPost, path, body, &resp); err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), opts, resp, func(w io.Writer) { printStatus(w, resp) })
		},
	}
}

func newFundCommand(opts *rootOptions) *cobra.Command {
	var amount string
	cmd := newStatusCommand(opts, "fund <id>", "Fund an escrow with the attached amount", cobra.ExactArgs(1),
		func(args []string) (string, any, error) {
			return escrowPath(args[0], "fund"), api.FundRequest{Amount: amount}, nil
		})
	cmd.Flags().StringVar(&amount, "amount", "", "amount to attach")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newReleaseCommand(opts *rootOptions) *cobra.Command {
	return newStatusCommand(opts, "release <id> <milestone>", "Release a milestone to the payee", cobra.ExactArgs(2),
		func(args []string) (string, any, error) {
			return escrowPath(args[0], "milestones", url.PathEscape(args[1]), "release"), nil, nil
		})
}

func newCancelCommand(opts *rootOptions) *cobra.Command {
	return newStatusCommand(opts, "cancel <id>", "Request cancellation (opens a dispute)", cobra.ExactArgs(1),
		func(args []string) (string, any, error) {
			return escrowPath(args[0], "cancel"), nil, nil
		})
}

func newApproveCancelCommand(opts *rootOptions) *cobra.Command {
	return newStatusCommand(opts, "approve-cancel <id>", "Approve the counterparty's cancellation request", cobra.ExactArgs(1),
		func(args []string) (string, any, error) {
			return escrowPath(args[0], "cancel", "approve"), nil, nil
		})
}

func newResolveCommand(opts *rootOptions) *cobra.Command {
	var payeeShare, payerRefund string
	cmd := newStatusCommand(opts, "resolve <id>", "Split a disputed escrow as its arbiter", cobra.ExactArgs(1),
		func(args []string) (string, any, error) {
			return escrowPath(args[0], "resolve"), api.ResolveRequest{PayeeShare: payeeShare, PayerRefund: payerRefund}, nil
		})
	cmd.Flags().StringVar(&payeeShare, "payee-share", "", "amount paid to the payee")
	cmd.Flags().StringVar(&payerRefund, "payer-refund", "", "amount refunded to the payer")
	_ = cmd.MarkFlagRequired("payee-share")
	_ = cmd.MarkFlagRequired("payer-refund")
	return cmd
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view api.EscrowView
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, escrowPath(args[0]), nil, &view); err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), opts, view, func(w io.Writer) { printEscrow(w, view) })
		},
	}
}

func newMilestonesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "milestones <id>",
		Short: "List an escrow's milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.MilestonesResponse
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, escrowPath(args[0], "milestones"), nil, &resp); err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), opts, resp, func(w io.Writer) { printMilestones(w, resp.Milestones) })
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list <identity>",
		Short: "List escrows an identity takes part in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/accounts/" + url.PathEscape(args[0]) + "/escrows?role=" + url.QueryEscape(role)
			var resp api.ListResponse
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), opts, resp, func(w io.Writer) { printList(w, resp) })
		},
	}
	cmd.Flags().StringVar(&role, "role", api.RolePayer, "index to query (payer|payee)")
	return cmd
}
