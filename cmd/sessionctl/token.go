package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/pscheid92/sessiongate/internal/adapter/auth"
	"github.com/pscheid92/sessiongate/internal/platform/config"
	"github.com/spf13/cobra"
)

const defaultTokenTTL = 30 * 24 * time.Hour

func newTokenCmd(d *deps, cfg *config.AdminConfig) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <tenantID>",
		Short: "Print the credential a tenant presents to the gateway",
		Long: `Print the credential a tenant presents to the gateway.
In hmac mode this is the hex HMAC-SHA256 of the tenant ID; in jwt mode
a signed token valid for --ttl. Static mode has no per-tenant credential.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]
			if cfg.AuthSecret == "" {
				return errors.New("AUTH_SECRET is required")
			}

			var credential string
			switch cfg.AuthMode {
			case config.AuthModeHMAC:
				credential = auth.NewHMAC(cfg.AuthSecret).Sign(tenantID)
			case config.AuthModeJWT:
				if ttl <= 0 {
					return fmt.Errorf("--ttl must be positive (got %s)", ttl)
				}
				token, err := auth.NewJWT(cfg.AuthSecret, d.clock).Issue(tenantID, ttl)
				if err != nil {
					return err
				}
				credential = token
			case config.AuthModeStatic:
				return errors.New("static auth mode uses the shared AUTH_SECRET for every tenant")
			default:
				return fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
			}

			_, err := fmt.Fprintln(cmd.OutOrStdout(), credential)
			return err
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime (jwt mode)")
	return cmd
}
