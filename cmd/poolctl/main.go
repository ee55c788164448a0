// Command poolctl operates the credential and quota engine: API keys, the
// project pool, OAuth tokens and usage metrics, plus the admission server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/sofatutor/gemini-pool/internal/config"
	"github.com/spf13/cobra"
)

// For testing
var osExit = os.Exit

// cli carries the persistent flags and the app built for the running command.
type cli struct {
	envFile string
	jsonOut bool
	actor   string

	app *app
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "poolctl",
		Short:         "Operate the credential and quota engine",
		Long:          `Manage API keys, pooled projects, OAuth tokens and usage metrics, or run the admission server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.envFile, "env", ".env", "Path to .env file")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Output as JSON")
	root.PersistentFlags().StringVar(&c.actor, "actor", "cli", "Actor recorded in audit events")

	root.AddCommand(newKeysCmd(c), newProjectsCmd(c), newTokensCmd(c), newMetricsCmd(c), newServeCmd(c), newSecretsCmd(c))
	return root
}

// init loads the .env file and the configuration, then builds the app.
func (c *cli) init(cmd *cobra.Command) error {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", c.envFile, err)
		}
	}
	cfg, err := config.New()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

// output writes v as indented JSON with --json, otherwise calls text with a
// tab-aligned writer.
func (c *cli) output(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	out := cmd.OutOrStdout()
	if c.jsonOut {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

// run executes poolctl with args and releases the app afterwards.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	c := &cli{}
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if c.app != nil {
		c.app.Close()
	}
	return err
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}
