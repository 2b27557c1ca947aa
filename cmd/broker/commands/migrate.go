package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orderbroker/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the broker database schema",
		Long: `Apply or roll back the embedded SQLite schema migrations. The serve
command migrates up on start; these commands are for operators.`,
	}

	cmd.AddCommand(newMigrateUpCommand())
	cmd.AddCommand(newMigrateDownCommand())
	cmd.AddCommand(newMigrateVersionCommand())

	return cmd
}

func newMigrateUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *stores.SQLiteStore) error {
				if err := s.Migrate(ctx); err != nil {
					return err
				}
				return reportVersion(cmd, s)
			})
		},
	}
}

func newMigrateDownCommand() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Example: `  # Roll back the latest migration
  broker migrate down -c broker.yaml

  # Roll back three migrations
  broker migrate down --steps 3 -c broker.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive")
			}
			return withStore(cmd.Context(), func(ctx context.Context, s *stores.SQLiteStore) error {
				log.Warn().Int("steps", steps).Msg("Rolling back migrations")
				if err := s.MigrateDown(ctx, steps); err != nil {
					return err
				}
				return reportVersion(cmd, s)
			})
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	return cmd
}

func newMigrateVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(_ context.Context, s *stores.SQLiteStore) error {
				return reportVersion(cmd, s)
			})
		},
	}
}

type schemaVersion struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

func reportVersion(cmd *cobra.Command, s *stores.SQLiteStore) error {
	version, dirty, err := s.MigrationVersion()
	if err != nil {
		return err
	}
	if jsonOutput {
		return printResult(cmd.OutOrStdout(), schemaVersion{Version: version, Dirty: dirty}, nil)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %v)\n", version, dirty)
	return nil
}

// withStore opens the configured database without running migrations.
func withStore(ctx context.Context, fn func(ctx context.Context, s *stores.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		BusyTimeout:     cfg.Database.BusyTimeout,
	})
	if err != nil {
		return err
	}
	if err := s.Init(ctx); err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
