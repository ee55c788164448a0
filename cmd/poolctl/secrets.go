package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/sofatutor/gemini-pool/internal/encryption"
	"github.com/spf13/cobra"
)

func newSecretsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Generate encryption keys and management token hashes",
		// No store is needed; skip building the app.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	}

	genKeyCmd := &cobra.Command{
		Use:   "gen-key",
		Short: "Print a new ENCRYPTION_KEY for sealing OAuth secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encryption.GenerateKey()
			if err != nil {
				return err
			}
			return c.output(cmd, map[string]string{"encryption_key": key}, func(w io.Writer) {
				fmt.Fprintln(w, key)
			})
		},
	}

	var cost int
	hashCmd := &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print a bcrypt hash usable as MANAGEMENT_TOKEN",
		Long:  "Hashes the token argument, or the first line of stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return fmt.Errorf("failed to read token: %w", err)
				}
				token = strings.TrimSpace(line)
			}
			hashed, err := encryption.HashSecret(token, cost)
			if err != nil {
				return err
			}
			return c.output(cmd, map[string]string{"management_token": hashed}, func(w io.Writer) {
				fmt.Fprintln(w, hashed)
			})
		},
	}
	hashCmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (default 10)")

	cmd.AddCommand(genKeyCmd, hashCmd)
	return cmd
}
