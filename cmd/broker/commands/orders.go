package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/orderbroker/pkg/broker"
	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/stores"
)

func newOrdersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect orders and deployments",
		Long: `Inspect orders and deployments directly in the broker database, acting
as an administrator.`,
	}

	cmd.AddCommand(newOrdersListCommand())
	cmd.AddCommand(newOrdersGetCommand())
	cmd.AddCommand(newDeploymentGetCommand())

	return cmd
}

func newOrdersListCommand() *cobra.Command {
	var (
		deploymentID string
		parentID     string
		taskType     string
		status       string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders, newest first",
		Example: `  # Orders of one deployment
  broker orders list --deployment 3f0c...

  # Failed migrations
  broker orders list --type MIGRATE --status FAILED`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.OrderFilter{
				DeploymentID:  deploymentID,
				ParentOrderID: parentID,
				Limit:         limit,
			}
			if taskType != "" {
				filter.TaskType = engine.TaskType(taskType)
				if err := filter.TaskType.Validate(); err != nil {
					return err
				}
			}
			if status != "" {
				filter.Status = engine.TaskStatus(status)
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}

			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				orders, err := b.ListOrders(ctx, filter)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), orders, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "ORDER\tDEPLOYMENT\tTYPE\tSTATUS\tUSER\tCREATED")
					for _, o := range orders {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
							o.ID, o.DeploymentID, o.TaskType, o.Status, o.UserID, o.CreatedAt.Format(time.RFC3339))
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&deploymentID, "deployment", "", "filter by deployment id")
	cmd.Flags().StringVar(&parentID, "parent", "", "filter by parent (saga) order id")
	cmd.Flags().StringVar(&taskType, "type", "", "filter by task type")
	cmd.Flags().StringVar(&status, "status", "", "filter by task status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of orders")

	return cmd
}

func newOrdersGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <order-id>",
		Short: "Show one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				order, err := b.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), order, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "Order:\t%s\n", order.ID)
					fmt.Fprintf(w, "Deployment:\t%s\n", order.DeploymentID)
					fmt.Fprintf(w, "Type:\t%s\n", order.TaskType)
					fmt.Fprintf(w, "Status:\t%s\n", order.Status)
					fmt.Fprintf(w, "Handler:\t%s\n", order.Handler)
					fmt.Fprintf(w, "User:\t%s\n", order.UserID)
					if order.ParentOrderID != "" {
						fmt.Fprintf(w, "Parent:\t%s\n", order.ParentOrderID)
					}
					if order.SagaID != "" {
						fmt.Fprintf(w, "Saga:\t%s\n", order.SagaID)
					}
					if order.ErrorMessage != "" {
						fmt.Fprintf(w, "Error:\t%s\n", order.ErrorMessage)
					}
					fmt.Fprintf(w, "Created:\t%s\n", order.CreatedAt.Format(time.RFC3339))
				})
			})
		},
	}
}

func newDeploymentGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deployment <deployment-id>",
		Short: "Show one deployment with its state and locks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				d, err := b.GetDeployment(ctx, args[0])
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), d, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "Deployment:\t%s\n", d.ID)
					fmt.Fprintf(w, "User:\t%s\n", d.UserID)
					fmt.Fprintf(w, "State:\t%s\n", d.State)
					fmt.Fprintf(w, "Modify lock:\t%v\n", d.Lock.ModifyLocked)
					fmt.Fprintf(w, "Destroy lock:\t%v\n", d.Lock.DestroyLocked)
					if d.ActiveOrderID != "" {
						fmt.Fprintf(w, "Active order:\t%s\n", d.ActiveOrderID)
					}
				})
			})
		},
	}
}
