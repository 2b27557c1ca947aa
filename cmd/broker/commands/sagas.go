package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orderbroker/pkg/broker"
	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/stores"
)

func newSagasCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sagas",
		Short: "Inspect and resolve migrate, port and recreate sagas",
		Long: `Inspect saga records and take operator decisions on sagas whose steps
exhausted their retries. A retried saga restarts its failed step; a closed
saga is finished as failed and its deployment is released.`,
	}

	cmd.AddCommand(newSagasListCommand())
	cmd.AddCommand(newSagasGetCommand())
	cmd.AddCommand(newSagaDecisionCommand("retry", "Retry the failed step of a saga"))
	cmd.AddCommand(newSagaDecisionCommand("close", "Close a saga as failed"))

	return cmd
}

func newSagasListCommand() *cobra.Command {
	var (
		kind   string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sagas",
		Example: `  # Sagas waiting for an operator
  broker sagas list --status AWAITING_DECISION`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.SagaFilter{Status: engine.SagaStatus(status), Limit: limit}
			if kind != "" {
				filter.Kind = engine.TaskType(kind)
				if !filter.Kind.IsSaga() {
					return fmt.Errorf("%s is not a saga task type", kind)
				}
			}

			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				sagas, err := b.Sagas().Query(ctx, filter)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), sagas, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "SAGA\tKIND\tSTATUS\tSTEP\tORIGINAL\tNEW\tUPDATED")
					for _, s := range sagas {
						fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
							s.ID, s.Kind, s.Status, s.CurrentStep, s.OriginalDeploymentID,
							s.NewDeploymentID, s.UpdatedAt.Format(time.RFC3339))
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "filter by saga kind (MIGRATE, PORT, RECREATE)")
	cmd.Flags().StringVar(&status, "status", "", "filter by saga status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of sagas")

	return cmd
}

func newSagasGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <saga-id>",
		Short: "Show a saga with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				detail, err := b.Sagas().Get(ctx, args[0])
				if err != nil {
					return err
				}
				s := detail.Saga
				return printResult(cmd.OutOrStdout(), detail, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "Saga:\t%s (%s)\n", s.ID, s.Kind)
					fmt.Fprintf(w, "Status:\t%s\n", s.Status)
					fmt.Fprintf(w, "Parent order:\t%s\n", s.ParentOrderID)
					fmt.Fprintf(w, "Deployments:\t%s -> %s\n", s.OriginalDeploymentID, s.NewDeploymentID)
					if s.LastError != "" {
						fmt.Fprintf(w, "Last error:\t%s\n", s.LastError)
					}
					fmt.Fprintln(w)
					fmt.Fprintln(w, "SEQ\tKIND\tSTATUS\tATTEMPTS\tDEPLOYMENT\tCHILD ORDER")
					for _, step := range detail.Steps {
						fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
							step.Seq, step.Kind, step.Status, step.Attempts, step.DeploymentID, step.ChildOrderID)
					}
				})
			})
		},
	}
}

func newSagaDecisionCommand(decision, short string) *cobra.Command {
	return &cobra.Command{
		Use:   decision + " <saga-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				var (
					s   *engine.SagaInstance
					err error
				)
				if decision == "retry" {
					s, err = b.Sagas().Retry(ctx, args[0])
				} else {
					s, err = b.Sagas().Close(ctx, args[0])
				}
				if err != nil {
					return err
				}

				log.Info().
					Str("saga_id", s.ID).
					Str("decision", decision).
					Str("status", string(s.Status)).
					Msg("Saga decision applied")

				return printResult(cmd.OutOrStdout(), s, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "Saga:\t%s\n", s.ID)
					fmt.Fprintf(w, "Status:\t%s\n", s.Status)
				})
			})
		},
	}
}
