package main

import (
	"fmt"
	"io"
	"time"

	"github.com/sofatutor/gemini-pool/internal/apikey"
	"github.com/sofatutor/gemini-pool/internal/logging"
	"github.com/sofatutor/gemini-pool/internal/obfuscate"
	"github.com/spf13/cobra"
)

type keyView struct {
	Name             string     `json:"name"`
	KeyHash          string     `json:"key_hash"`
	IsActive         bool       `json:"is_active"`
	RateLimit        int        `json:"rate_limit"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	AllowedIPs       []string   `json:"allowed_ips,omitempty"`
	AllowedEndpoints []string   `json:"allowed_endpoints,omitempty"`
}

func viewKey(cfg apikey.Config) keyView {
	return keyView{
		Name:             cfg.Name,
		KeyHash:          obfuscate.MaskHash(cfg.KeyHash),
		IsActive:         cfg.IsActive,
		RateLimit:        cfg.Limit(),
		CreatedAt:        cfg.CreatedAt,
		ExpiresAt:        cfg.ExpiresAt,
		AllowedIPs:       cfg.AllowedIPs,
		AllowedEndpoints: cfg.AllowedEndpoints,
	}
}

func newKeysCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	var (
		prefix     string
		rateLimit  int
		expiresIn  time.Duration
		ips        []string
		endpoints  []string
		metadata   map[string]string
		byName     bool
		clientIP   string
		endpointIn string
	)

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a key; the raw key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			opts := apikey.CreateOptions{
				Prefix:           prefix,
				AllowedIPs:       ips,
				AllowedEndpoints: endpoints,
				Metadata:         metadata,
			}
			if cmd.Flags().Changed("rate-limit") {
				opts.RateLimit = &rateLimit
			}
			if expiresIn > 0 {
				at := time.Now().Add(expiresIn).UTC()
				opts.ExpiresAt = &at
			}
			cfg, raw, err := a.registry.Create(cmd.Context(), args[0], opts)
			if err != nil {
				a.audit.LogKeyEvent(cmd.Context(), logging.AuditEventKeyCreate, args[0], "", c.actor, logging.AuditOutcomeFailure, err.Error())
				return err
			}
			a.audit.LogKeyEvent(cmd.Context(), logging.AuditEventKeyCreate, cfg.Name, obfuscate.MaskHash(cfg.KeyHash), c.actor, logging.AuditOutcomeSuccess, "")

			out := struct {
				keyView
				Key string `json:"key"`
			}{viewKey(cfg), raw}
			return c.output(cmd, out, func(w io.Writer) {
				fmt.Fprintf(w, "Name:\t%s\n", cfg.Name)
				fmt.Fprintf(w, "Key:\t%s\n", raw)
				fmt.Fprintf(w, "Hash:\t%s\n", obfuscate.MaskHash(cfg.KeyHash))
				fmt.Fprintf(w, "Rate limit:\t%s\n", formatLimit(cfg.Limit()))
				if cfg.ExpiresAt != nil {
					fmt.Fprintf(w, "Expires:\t%s\n", cfg.ExpiresAt.Format(time.RFC3339))
				}
				fmt.Fprintln(w, "Store the key now; it cannot be shown again.")
			})
		},
	}
	createCmd.Flags().StringVar(&prefix, "prefix", "", "Key prefix (default gp)")
	createCmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Requests per minute, 0 for unlimited (default from settings)")
	createCmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Lifetime of the key, e.g. 720h")
	createCmd.Flags().StringSliceVar(&ips, "allowed-ip", nil, "Allowed client IP, repeatable; * allows all")
	createCmd.Flags().StringSliceVar(&endpoints, "allowed-endpoint", nil, "Allowed endpoint, exact or trailing-* prefix, repeatable")
	createCmd.Flags().StringToStringVar(&metadata, "metadata", nil, "Metadata key=value pairs")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := c.app.registry.List(cmd.Context())
			if err != nil {
				return err
			}
			views := make([]keyView, 0, len(keys))
			for _, k := range keys {
				views = append(views, viewKey(k))
			}
			return c.output(cmd, views, func(w io.Writer) {
				fmt.Fprintln(w, "NAME\tHASH\tACTIVE\tRATE LIMIT\tCREATED\tEXPIRES")
				for _, v := range views {
					expires := "-"
					if v.ExpiresAt != nil {
						expires = v.ExpiresAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n", v.Name, v.KeyHash, v.IsActive,
						formatLimit(v.RateLimit), v.CreatedAt.Format(time.RFC3339), expires)
				}
			})
		},
	}

	mutate := func(use, short string, event logging.AuditEventType, done string,
		byRaw func(cmd *cobra.Command, raw string) error,
		byHash func(cmd *cobra.Command, hash string) error,
	) *cobra.Command {
		sub := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a := c.app
				target := obfuscate.MaskKey(args[0])
				var err error
				if byName {
					target = args[0]
					var hash string
					if hash, err = a.registry.HashForName(cmd.Context(), args[0]); err == nil {
						err = byHash(cmd, hash)
					}
				} else {
					err = byRaw(cmd, args[0])
				}
				if err != nil {
					a.audit.LogKeyEvent(cmd.Context(), event, target, "", c.actor, logging.AuditOutcomeFailure, err.Error())
					return err
				}
				a.audit.LogKeyEvent(cmd.Context(), event, target, "", c.actor, logging.AuditOutcomeSuccess, "")
				return c.output(cmd, map[string]string{"key": target, "result": done}, func(w io.Writer) {
					fmt.Fprintf(w, "Key %s %s.\n", target, done)
				})
			},
		}
		sub.Flags().BoolVar(&byName, "name", false, "Treat the argument as a key name instead of a raw key")
		return sub
	}

	revokeCmd := mutate("revoke <key>", "Deactivate a key", logging.AuditEventKeyRevoke, "revoked",
		func(cmd *cobra.Command, raw string) error { return c.app.registry.Revoke(cmd.Context(), raw) },
		func(cmd *cobra.Command, hash string) error { return c.app.registry.RevokeByHash(cmd.Context(), hash) })
	deleteCmd := mutate("delete <key>", "Delete a key and its rate-limit state", logging.AuditEventKeyDelete, "deleted",
		func(cmd *cobra.Command, raw string) error { return c.app.registry.Delete(cmd.Context(), raw) },
		func(cmd *cobra.Command, hash string) error { return c.app.registry.DeleteByHash(cmd.Context(), hash) })

	validateCmd := &cobra.Command{
		Use:   "validate <key>",
		Short: "Run admission for a raw key; consumes one rate-limit unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := c.app.registry.Validate(cmd.Context(), args[0], clientIP, endpointIn)
			res.KeyHash = obfuscate.MaskHash(res.KeyHash)
			if err := c.output(cmd, res, func(w io.Writer) {
				if res.Valid {
					fmt.Fprintf(w, "Valid:\ttrue\nName:\t%s\n", res.Name)
				} else {
					fmt.Fprintf(w, "Valid:\tfalse\nError:\t%s\n", res.Error)
				}
				if res.RateLimitRemaining != nil {
					fmt.Fprintf(w, "Remaining:\t%d\n", *res.RateLimitRemaining)
				}
				if res.RateLimitReset != nil {
					fmt.Fprintf(w, "Reset:\t%s\n", res.RateLimitReset.Format(time.RFC3339))
				}
			}); err != nil {
				return err
			}
			if !res.Valid {
				return res.Err
			}
			return nil
		},
	}
	validateCmd.Flags().StringVar(&clientIP, "ip", "", "Client IP to check against the allow-list")
	validateCmd.Flags().StringVar(&endpointIn, "endpoint", "", "Endpoint to check against the allow-list")

	cmd.AddCommand(createCmd, listCmd, revokeCmd, deleteCmd, validateCmd)
	return cmd
}

func formatLimit(n int) string {
	if n == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d/min", n)
}
