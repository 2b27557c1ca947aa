package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/orderbroker/pkg/broker"
	"github.com/openfroyo/orderbroker/pkg/config"
	"github.com/openfroyo/orderbroker/pkg/engine"
)

var (
	// Global flags
	configPaths []string
	envFile     string
	jsonOutput  bool
)

// cliUser is the identity operator commands act as.
const cliUser = "cli"

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "broker",
		Short: "Order broker - asynchronous multi-cloud deployment orchestration",
		Long: `The order broker accepts deployment orders for cloud services, dispatches
them to per-cloud executors and correlates their asynchronous results.

Features:
  - Per-deployment order locking
  - Migrate, port and recreate sagas with retries
  - Long polling for order and deployment status
  - Reconciliation of results executors failed to deliver`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", nil, "config file path (.cue, .yaml); repeatable")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with BROKER_ overrides")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newOrdersCommand())
	rootCmd.AddCommand(newSagasCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.Options{Paths: configPaths, EnvFile: envFile})
}

// withBroker opens a broker without starting its workers and closes it once
// fn returns. fn runs with an administrator identity.
func withBroker(ctx context.Context, fn func(ctx context.Context, b *broker.Broker) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	b, err := broker.New(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(engine.WithUser(ctx, cliUser, true), b)
	if err := b.Close(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// printResult writes v as indented JSON with --json, otherwise through table.
func printResult(out io.Writer, v interface{}, table func(w *tabwriter.Writer)) error {
	if jsonOutput || table == nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	table(w)
	return w.Flush()
}
