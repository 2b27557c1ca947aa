package dispatcher

import (
	"context"

	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/stores"
)

// GetDeployment returns a deployment visible to the caller.
func (d *Dispatcher) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	dep, err := d.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := d.authorizeCaller(ctx, dep); err != nil {
		return nil, err
	}
	return dep, nil
}

// GetOrder returns an order of a deployment the caller owns.
func (d *Dispatcher) GetOrder(ctx context.Context, id string) (*engine.Order, error) {
	order, err := d.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := d.authorizeOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// ListOrders lists the order history of a deployment, oldest first.
// Non-admin callers only ever see their own orders.
func (d *Dispatcher) ListOrders(ctx context.Context, filter stores.OrderFilter) ([]*engine.Order, error) {
	if filter.DeploymentID != "" {
		if _, err := d.GetDeployment(ctx, filter.DeploymentID); err != nil {
			return nil, err
		}
	}
	if !d.identity.IsAdmin(ctx) {
		userID, err := d.identity.CurrentUserID(ctx)
		if err != nil {
			return nil, err
		}
		filter.UserID = userID
	}
	return d.store.ListOrders(ctx, filter)
}

// DeleteOrder removes a terminal order from the history. It has no effect on
// the deployment state.
func (d *Dispatcher) DeleteOrder(ctx context.Context, id string) error {
	order, err := d.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if err := d.store.DeleteOrder(ctx, order.ID); err != nil {
		return err
	}
	d.audit(ctx, "order.deleted", order.ID)
	d.logger.WithOrderID(order.ID).WithDeploymentID(order.DeploymentID).Info("order deleted")
	return nil
}

// DeleteOrdersByDeployment removes the terminal history of an idle deployment.
func (d *Dispatcher) DeleteOrdersByDeployment(ctx context.Context, deploymentID string) (int64, error) {
	if _, err := d.GetDeployment(ctx, deploymentID); err != nil {
		return 0, err
	}
	n, err := d.store.DeleteOrdersByDeployment(ctx, deploymentID)
	if err != nil {
		return 0, err
	}
	d.audit(ctx, "orders.deleted", deploymentID)
	d.logger.WithDeploymentID(deploymentID).WithField("count", n).Info("order history deleted")
	return n, nil
}

func (d *Dispatcher) authorizeCaller(ctx context.Context, dep *engine.Deployment) error {
	userID, err := d.identity.CurrentUserID(ctx)
	if err != nil {
		return err
	}
	return d.authorize(ctx, userID, dep)
}

func (d *Dispatcher) authorizeOrder(ctx context.Context, order *engine.Order) error {
	if d.identity.IsAdmin(ctx) {
		return nil
	}
	userID, err := d.identity.CurrentUserID(ctx)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return engine.NewAuthorizationError("order belongs to another user").WithResource(order.ID)
	}
	return nil
}

func (d *Dispatcher) audit(ctx context.Context, action, target string) {
	actor, err := d.identity.CurrentUserID(ctx)
	if err != nil {
		actor = "system"
	}
	entry := &stores.AuditEntry{Action: action, Actor: actor, TargetID: &target}
	if err := d.store.CreateAuditEntry(ctx, entry); err != nil {
		d.logger.WithError(err).Warn("failed to write audit entry")
	}
}
