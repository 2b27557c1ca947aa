package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/orderbroker/pkg/api"
	"github.com/openfroyo/orderbroker/pkg/deployers/executor"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue client tokens and hash executor callback tokens",
	}

	cmd.AddCommand(newTokenIssueCommand())
	cmd.AddCommand(newTokenHashCommand())

	return cmd
}

func newTokenIssueCommand() *cobra.Command {
	var (
		admin bool
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue <user-id>",
		Short: "Sign a bearer token for the API",
		Example: `  # Token for a regular user
  broker token issue alice -c broker.yaml

  # Administrator token valid for one hour
  broker token issue ops --admin --ttl 1h -c broker.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var roles []string
			if admin {
				if cfg.Auth.AdminRole == "" {
					return fmt.Errorf("auth.adminRole is not configured")
				}
				roles = append(roles, cfg.Auth.AdminRole)
			}

			token, err := api.IssueToken(api.AuthConfig{
				Secret:    cfg.Auth.JWTSecret,
				Issuer:    cfg.Auth.Issuer,
				AdminRole: cfg.Auth.AdminRole,
			}, args[0], roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().BoolVar(&admin, "admin", false, "grant the configured admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}

func newTokenHashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <callback-token>",
		Short: "Hash an executor callback token for auth.callbackTokenHash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := executor.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
