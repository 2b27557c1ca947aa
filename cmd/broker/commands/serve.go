package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orderbroker/pkg/broker"
)

func newServeCommand() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker HTTP server and background workers",
		Long: `Run the broker: the HTTP API, the executor webhooks, the saga driver and,
when enabled, the stale order reconciler. The server shuts down gracefully
on SIGINT or SIGTERM.`,
		Example: `  # Serve with a config file
  broker serve -c broker.yaml

  # Override the listen address
  broker serve -c broker.yaml --address :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			b, err := broker.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			log.Info().
				Str("address", cfg.Server.Address).
				Str("templates", cfg.Templates.Source).
				Int("executors", len(cfg.Executors)).
				Msg("Starting broker")

			runErr := b.Run(cmd.Context())
			if err := b.Close(context.WithoutCancel(cmd.Context())); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listen address, overrides server.address")

	return cmd
}
