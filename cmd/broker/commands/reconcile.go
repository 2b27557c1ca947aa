package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/orderbroker/pkg/broker"
	"github.com/openfroyo/orderbroker/pkg/callback"
)

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [order-id...]",
		Short: "Pull results executors failed to deliver",
		Long: `Fetch results from the executors for orders stuck in progress and apply
them as if they had arrived by webhook. Without arguments every order past
the reconciler's processing deadline is checked; with order ids only those
orders are.`,
		Example: `  # One pass over all stale orders
  broker reconcile -c broker.yaml

  # Specific orders
  broker reconcile 6a1f... 9b2e...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				var (
					report callback.Report
					err    error
				)
				if len(args) > 0 {
					report, err = b.Reconciler().ReconcileBatch(ctx, args)
				} else {
					report, err = b.Reconciler().ReconcileOnce(ctx)
				}
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), report, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "Checked:\t%d\n", report.Checked)
					fmt.Fprintf(w, "Applied:\t%d\n", report.Applied)
					fmt.Fprintf(w, "Pending:\t%d\n", report.Pending)
					fmt.Fprintf(w, "Failed:\t%d\n", report.Failed)
				})
			})
		},
	}
}
