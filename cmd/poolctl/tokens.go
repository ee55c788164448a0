package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sofatutor/gemini-pool/internal/logging"
	"github.com/sofatutor/gemini-pool/internal/oauth"
	"github.com/sofatutor/gemini-pool/internal/obfuscate"
	"github.com/spf13/cobra"
)

// tokenView never carries the access or refresh token.
type tokenView struct {
	Email         string     `json:"email"`
	Expiry        *time.Time `json:"expiry,omitempty"`
	Expired       bool       `json:"expired"`
	IsInvalid     bool       `json:"is_invalid"`
	InvalidReason string     `json:"invalid_reason,omitempty"`
	Projects      []string   `json:"projects,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (c *cli) viewToken(t oauth.Token) tokenView {
	v := tokenView{
		Email:         obfuscate.MaskEmail(t.Email),
		Expired:       c.app.tokens.IsTokenExpired(t),
		IsInvalid:     t.IsInvalid,
		InvalidReason: t.InvalidReason,
		Projects:      t.Projects,
		UpdatedAt:     t.UpdatedAt,
	}
	if exp, ok := t.Expiry(); ok {
		v.Expiry = &exp
	}
	return v
}

func (c *cli) printTokens(cmd *cobra.Command, tokens []oauth.Token) error {
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, c.viewToken(t))
	}
	return c.output(cmd, views, func(w io.Writer) {
		fmt.Fprintln(w, "ACCOUNT\tEXPIRY\tEXPIRED\tINVALID\tPROJECTS")
		for _, v := range views {
			expiry := "unknown"
			if v.Expiry != nil {
				expiry = v.Expiry.Format(time.RFC3339)
			}
			invalid := "-"
			if v.IsInvalid {
				invalid = v.InvalidReason
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\n", v.Email, expiry, v.Expired, invalid, len(v.Projects))
		}
	})
}

func newTokensCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage stored OAuth tokens",
	}

	var (
		buffer    time.Duration
		validOnly bool
		reason    string
		preserve  bool
	)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored tokens with masked accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				tokens []oauth.Token
				err    error
			)
			if validOnly {
				tokens, err = c.app.tokens.GetValidTokens(cmd.Context())
			} else {
				tokens, err = c.app.tokens.ListTokens(cmd.Context())
			}
			if err != nil {
				return err
			}
			return c.printTokens(cmd, tokens)
		},
	}
	listCmd.Flags().BoolVar(&validOnly, "valid", false, "Only list tokens that are usable now")

	dueCmd := &cobra.Command{
		Use:   "due",
		Short: "List tokens that expire within the buffer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := c.app.tokens.GetTokensNeedingRefresh(cmd.Context(), buffer)
			if err != nil {
				return err
			}
			return c.printTokens(cmd, tokens)
		},
	}
	dueCmd.Flags().DurationVar(&buffer, "buffer", 5*time.Minute, "Refresh window before expiry")

	invalidateCmd := &cobra.Command{
		Use:   "invalidate <email>",
		Short: "Mark a token as unusable until it is saved again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			masked := obfuscate.MaskEmail(args[0])
			if err := a.tokens.MarkTokenInvalid(cmd.Context(), args[0], reason); err != nil {
				a.audit.LogTokenEvent(cmd.Context(), logging.AuditEventTokenInvalidate, masked, c.actor, logging.AuditOutcomeFailure, err.Error())
				return err
			}
			a.audit.LogTokenEvent(cmd.Context(), logging.AuditEventTokenInvalidate, masked, c.actor, logging.AuditOutcomeSuccess, reason)
			return c.output(cmd, map[string]string{"email": masked, "result": "invalidated"}, func(w io.Writer) {
				fmt.Fprintf(w, "Token for %s invalidated.\n", masked)
			})
		},
	}
	invalidateCmd.Flags().StringVar(&reason, "reason", "invalidated by operator", "Reason stored with the token")

	deleteCmd := &cobra.Command{
		Use:   "delete <email>",
		Short: "Delete a stored token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			masked := obfuscate.MaskEmail(args[0])
			if err := a.tokens.DeleteToken(cmd.Context(), args[0]); err != nil {
				a.audit.LogTokenEvent(cmd.Context(), logging.AuditEventTokenRevoke, masked, c.actor, logging.AuditOutcomeFailure, err.Error())
				return err
			}
			a.audit.LogTokenEvent(cmd.Context(), logging.AuditEventTokenRevoke, masked, c.actor, logging.AuditOutcomeSuccess, "")
			return c.output(cmd, map[string]string{"email": masked, "result": "deleted"}, func(w io.Writer) {
				fmt.Fprintf(w, "Token for %s deleted.\n", masked)
			})
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Save a token from an OAuth token JSON file",
		Long: `Reads a JSON document with at least "email" and "access_token". Fields follow
the OAuth token response (refresh_token, token_type, scope, expires_in) plus
the optional expiry_timestamp, client and projects.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read token file: %w", err)
			}
			var tok oauth.Token
			if err := json.Unmarshal(data, &tok); err != nil {
				return fmt.Errorf("failed to parse token file: %w", err)
			}
			saved, err := c.app.tokens.SaveToken(cmd.Context(), tok.Email, tok, preserve)
			if err != nil {
				return err
			}
			return c.output(cmd, c.viewToken(saved), func(w io.Writer) {
				fmt.Fprintf(w, "Token for %s saved.\n", obfuscate.MaskEmail(saved.Email))
			})
		},
	}
	importCmd.Flags().BoolVar(&preserve, "preserve-metadata", true, "Keep stored client and projects when the file omits them")

	cmd.AddCommand(listCmd, dueCmd, invalidateCmd, deleteCmd, importCmd)
	return cmd
}
