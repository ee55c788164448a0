package main

import (
	"fmt"
	"io"
	"time"

	"github.com/sofatutor/gemini-pool/internal/logging"
	"github.com/sofatutor/gemini-pool/internal/obfuscate"
	"github.com/sofatutor/gemini-pool/internal/pool"
	"github.com/spf13/cobra"
)

func newProjectsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Manage the project pool",
	}

	var (
		account     string
		dailyQuota  int
		apiDisabled bool
		reason      string
	)

	addCmd := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Register a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			enabled := !apiDisabled
			p, err := a.pool.Register(cmd.Context(), args[0], pool.RegisterOptions{
				AccountEmail: account,
				DailyQuota:   dailyQuota,
				APIEnabled:   &enabled,
			})
			if err != nil {
				a.audit.LogProjectEvent(cmd.Context(), logging.AuditEventProjectRegister, args[0], c.actor, logging.AuditOutcomeFailure, map[string]any{"error": err.Error()})
				return err
			}
			a.audit.LogProjectEvent(cmd.Context(), logging.AuditEventProjectRegister, p.ProjectID, c.actor, logging.AuditOutcomeSuccess, nil)
			return c.printProject(cmd, p)
		},
	}
	addCmd.Flags().StringVar(&account, "account", "", "Google account owning the project")
	addCmd.Flags().IntVar(&dailyQuota, "daily-quota", 0, "Daily request quota, 0 for untracked")
	addCmd.Flags().BoolVar(&apiDisabled, "api-disabled", false, "Register with the API marked as not enabled")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List projects with their current state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := c.app.pool.List(cmd.Context())
			if err != nil {
				return err
			}
			now := time.Now()
			return c.output(cmd, projects, func(w io.Writer) {
				fmt.Fprintln(w, "PROJECT\tACCOUNT\tSTATUS\tERRORS\tCOOLDOWN\tQUOTA\tLAST ERROR")
				for _, p := range projects {
					cooldown := "-"
					if p.InCooldown(now) {
						cooldown = p.CooldownUntil.Sub(now).Round(time.Second).String()
					}
					quota := fmt.Sprintf("%d", p.QuotaUsed)
					if p.DailyQuota > 0 {
						quota = fmt.Sprintf("%d/%d", p.QuotaUsed, p.DailyQuota)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", p.ProjectID, obfuscate.MaskEmail(p.AccountEmail),
						p.Status, p.ConsecutiveErrors, cooldown, quota, p.LastError)
				}
			})
		},
	}

	// stateCmd builds a single-project state transition with an audit record.
	stateCmd := func(use, short string, event logging.AuditEventType, apply func(cmd *cobra.Command, id string) (pool.Project, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a := c.app
				p, err := apply(cmd, args[0])
				if err != nil {
					a.audit.LogProjectEvent(cmd.Context(), event, args[0], c.actor, logging.AuditOutcomeFailure, map[string]any{"error": err.Error()})
					return err
				}
				a.audit.LogProjectEvent(cmd.Context(), event, p.ProjectID, c.actor, logging.AuditOutcomeSuccess, map[string]any{"status": string(p.Status)})
				return c.printProject(cmd, p)
			},
		}
	}

	clearCmd := stateCmd("clear-cooldown <project-id>", "End a cooldown immediately", logging.AuditEventProjectState,
		func(cmd *cobra.Command, id string) (pool.Project, error) { return c.app.pool.ClearCooldown(cmd.Context(), id) })
	disableCmd := stateCmd("disable <project-id>", "Take a project out of rotation", logging.AuditEventProjectState,
		func(cmd *cobra.Command, id string) (pool.Project, error) { return c.app.pool.SetDisabled(cmd.Context(), id, true) })
	enableCmd := stateCmd("enable <project-id>", "Return a disabled or failed project to active", logging.AuditEventProjectState,
		func(cmd *cobra.Command, id string) (pool.Project, error) { return c.app.pool.Enable(cmd.Context(), id) })
	markErrorCmd := stateCmd("mark-error <project-id>", "Put a project into the error state", logging.AuditEventProjectState,
		func(cmd *cobra.Command, id string) (pool.Project, error) { return c.app.pool.MarkError(cmd.Context(), id, reason) })
	markErrorCmd.Flags().StringVar(&reason, "reason", "marked by operator", "Reason recorded as the last error")

	removeCmd := &cobra.Command{
		Use:   "remove <project-id>",
		Short: "Remove a project from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			if err := a.pool.Remove(cmd.Context(), args[0]); err != nil {
				a.audit.LogProjectEvent(cmd.Context(), logging.AuditEventProjectRemove, args[0], c.actor, logging.AuditOutcomeFailure, map[string]any{"error": err.Error()})
				return err
			}
			a.audit.LogProjectEvent(cmd.Context(), logging.AuditEventProjectRemove, args[0], c.actor, logging.AuditOutcomeSuccess, nil)
			return c.output(cmd, map[string]string{"project_id": args[0], "result": "removed"}, func(w io.Writer) {
				fmt.Fprintf(w, "Project %s removed.\n", args[0])
			})
		},
	}

	quotaCmd := &cobra.Command{
		Use:   "quota <project-id>",
		Short: "Show the daily quota of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := c.app.pool.QuotaStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.output(cmd, q, func(w io.Writer) {
				fmt.Fprintf(w, "Project:\t%s\nTracked:\t%t\nUsed:\t%d\n", q.ProjectID, q.Tracked, q.Used)
				if q.DailyQuota > 0 {
					fmt.Fprintf(w, "Quota:\t%d\nRemaining:\t%d\nWarning:\t%t\n", q.DailyQuota, q.Remaining, q.Warning)
				}
			})
		},
	}

	cmd.AddCommand(addCmd, listCmd, clearCmd, disableCmd, enableCmd, markErrorCmd, removeCmd, quotaCmd)
	return cmd
}

func (c *cli) printProject(cmd *cobra.Command, p pool.Project) error {
	return c.output(cmd, p, func(w io.Writer) {
		fmt.Fprintf(w, "Project:\t%s\n", p.ProjectID)
		if p.AccountEmail != "" {
			fmt.Fprintf(w, "Account:\t%s\n", obfuscate.MaskEmail(p.AccountEmail))
		}
		fmt.Fprintf(w, "Status:\t%s\n", p.Status)
		fmt.Fprintf(w, "API enabled:\t%t\n", p.APIEnabled)
		fmt.Fprintf(w, "Consecutive errors:\t%d\n", p.ConsecutiveErrors)
		if p.CooldownUntil != nil {
			fmt.Fprintf(w, "Cooldown until:\t%s\n", p.CooldownUntil.Format(time.RFC3339))
		}
		if p.LastError != "" {
			fmt.Fprintf(w, "Last error:\t%s\n", p.LastError)
		}
	})
}
