package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"skillchain/cmd/internal/secret"
	"skillchain/crypto"
	"skillchain/services/escrowd/auth"
)

const secretEnv = "ESCROWD_JWT_SECRET"

type tokenOutput struct {
	Token      string `json:"token"`
	Subject    string `json:"subject"`
	PrivateKey string `json:"privateKey,omitempty"`
	ExpiresAt  string `json:"expiresAt"`
}

// newTokenCommand mints development tokens. The signing secret comes from
// ESCROWD_JWT_SECRET or a terminal prompt, never from a flag.
func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		subject  string
		scopes   []string
		ttl      time.Duration
		issuer   string
		audience string
	)
	source := secret.NewSource(secretEnv, "escrowd jwt secret")
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		Long: `Mint an HS256 bearer token for escrowd.

Without --subject a fresh key is generated and its identity becomes the
subject; the private key is printed so the identity can be reused.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := tokenOutput{}
			var who [20]byte
			if subject == "" {
				key, err := crypto.GeneratePrivateKey()
				if err != nil {
					return fmt.Errorf("generate key: %w", err)
				}
				who = key.Identity()
				out.PrivateKey = hex.EncodeToString(key.Bytes())
			} else {
				parsed, err := crypto.ParseIdentity(subject)
				if err != nil {
					return fmt.Errorf("subject: %w", err)
				}
				who = parsed
			}
			signing, err := source.Get()
			if err != nil {
				return err
			}
			now := time.Now()
			token, err := auth.Issue(signing, who, auth.IssueOptions{
				Issuer:   issuer,
				Audience: audience,
				Scopes:   scopes,
				TTL:      ttl,
				Now:      now,
			})
			if err != nil {
				return err
			}
			out.Token = token
			out.Subject = crypto.FormatIdentity(who)
			out.ExpiresAt = now.Add(ttl).UTC().Format(time.RFC3339)
			return emit(cmd.OutOrStdout(), opts, out, func(w io.Writer) {
				fmt.Fprintf(w, "subject: %s\n", out.Subject)
				if out.PrivateKey != "" {
					fmt.Fprintf(w, "private key: %s\n", out.PrivateKey)
				}
				fmt.Fprintf(w, "expires: %s\n", out.ExpiresAt)
				fmt.Fprintln(w, out.Token)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "identity to issue for (bech32 or 0x hex)")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeEscrow}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&issuer, "issuer", "", "iss claim")
	cmd.Flags().StringVar(&audience, "audience", "", "aud claim")
	return cmd
}
