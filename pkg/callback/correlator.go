// Package callback correlates deployer results with orders.
//
// Every result goes through Correlator.Apply, whether it was pushed by an
// executor webhook, pulled back by the stale-order reconciler or synthesized
// for a failed submission. Apply is idempotent: only the first result for an
// order changes anything and later ones are recorded as observations.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/stores"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// Result sources recorded with each observation.
const (
	SourceCallback   = "callback"
	SourceRefetch    = "refetch"
	SourceSubmission = "submission"
)

// PluginLookup resolves the deployer plugin of a CSP.
type PluginLookup interface {
	Get(csp engine.Csp) (engine.DeployerPlugin, error)
}

// Correlator applies deployer results to orders and deployments.
type Correlator struct {
	store    stores.Store
	plugins  PluginLookup
	validate *validator.Validate
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
}

// NewCorrelator creates a correlator. tel may be nil.
func NewCorrelator(store stores.Store, plugins PluginLookup, tel *telemetry.Telemetry) *Correlator {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Correlator{
		store:    store,
		plugins:  plugins,
		validate: validator.New(),
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("callback"),
	}
}

// ReportResult is the webhook entry point.
func (c *Correlator) ReportResult(ctx context.Context, res *engine.CallbackResult) (*stores.CompletionOutcome, error) {
	return c.Apply(ctx, res, SourceCallback)
}

// Apply correlates res with its order and applies it. An unknown order, or
// one that no deployer executes, returns a NotFound error and changes nothing. A result for an order that is
// already terminal returns OutcomeNoop.
func (c *Correlator) Apply(ctx context.Context, res *engine.CallbackResult, source string) (*stores.CompletionOutcome, error) {
	if res == nil {
		c.tel.Metrics.RecordCallback("invalid")
		return nil, engine.NewValidationError("", "result is required")
	}
	if err := c.validate.Struct(res); err != nil {
		c.tel.Metrics.RecordCallback("invalid")
		return nil, engine.NewValidationError("", fmt.Sprintf("invalid result: %v", err))
	}

	ctx = c.tel.WithContext(ctx)
	ic := telemetry.StartOperation(ctx, "callback.apply",
		telemetry.AttrOrderID.String(res.OrderID))

	out, err := c.apply(ic.Ctx, res, source)
	ic.End(err)
	return out, err
}

func (c *Correlator) apply(ctx context.Context, res *engine.CallbackResult, source string) (*stores.CompletionOutcome, error) {
	logger := c.logger.WithOrderID(res.OrderID).WithField("source", source)

	order, err := c.store.GetOrder(ctx, res.OrderID)
	if err != nil {
		if engine.IsNotFound(err) {
			c.tel.Metrics.RecordCallback("not_found")
			logger.Warn("result for unknown order ignored")
		}
		return nil, err
	}
	if order.Handler != engine.HandlerDirect {
		// Saga parents are completed by the coordinator, never by a deployer.
		c.tel.Metrics.RecordCallback("not_found")
		logger.WithField("handler", order.Handler).Warn("result for a non-deployer order ignored")
		return nil, engine.NewNotFoundError("deployer order", res.OrderID)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	completion := &stores.Completion{
		OrderID:      order.ID,
		Success:      res.Success,
		ErrorMessage: res.ErrorMessage,
		Source:       source,
		Payload:      payload,
		Snapshot:     snapshotFor(order.TaskType, res),
	}
	if len(res.Outputs) > 0 || len(res.Resources) > 0 {
		completion.Result = &engine.OrderResult{Outputs: res.Outputs, Resources: res.Resources}
	}
	if !res.Success && completion.ErrorMessage == "" {
		completion.ErrorMessage = "deployer reported failure"
	}

	out, err := c.store.CompleteOrder(ctx, completion)
	if err != nil {
		logger.WithError(err).Error("failed to apply result")
		return nil, err
	}

	done := out.Order
	logger = logger.WithDeploymentID(done.DeploymentID).WithTaskType(string(done.TaskType))

	if out.Outcome == engine.OutcomeNoop {
		c.tel.Metrics.RecordCallback(string(engine.OutcomeNoop))
		_ = c.tel.Events.PublishCallbackIgnored(done.ID, source, string(done.Status))
		logger.WithField("status", done.Status).Info("duplicate result ignored")
		return out, nil
	}

	c.tel.Metrics.RecordCallback(string(engine.OutcomeApplied))
	var elapsed time.Duration
	if done.StartedAt != nil && done.CompletedAt != nil {
		elapsed = done.CompletedAt.Sub(*done.StartedAt)
	}
	c.tel.Metrics.RecordOrderCompleted(string(done.TaskType), string(done.Status), elapsed)

	if out.Deployment != nil && out.Deployment.State != out.PreviousState {
		_ = c.tel.Events.PublishDeploymentStateChanged(out.Deployment.ID, done.ID,
			string(out.PreviousState), string(out.Deployment.State))
	}
	_ = c.tel.Events.PublishOrderCompleted(done.ID, done.DeploymentID, done.ParentOrderID, string(done.Status))

	logger.WithField("status", done.Status).Info("result applied")
	return out, nil
}

// FetchStoredResult pulls the result of an order from its deployer and
// applies it. It is a no-op for orders that are already terminal.
func (c *Correlator) FetchStoredResult(ctx context.Context, orderID string) (*stores.CompletionOutcome, error) {
	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return &stores.CompletionOutcome{Outcome: engine.OutcomeNoop, Order: order}, nil
	}
	if order.Handler != engine.HandlerDirect {
		return nil, engine.NewValidationError("",
			fmt.Sprintf("order %s is not executed by a deployer", orderID)).WithResource(orderID)
	}

	dep, err := c.store.GetDeployment(ctx, order.DeploymentID)
	if err != nil {
		return nil, err
	}
	plugin, err := c.plugins.Get(dep.Template.Csp)
	if err != nil {
		return nil, err
	}

	var res *engine.CallbackResult
	err = telemetry.RecordDeployerOperation(c.tel.WithContext(ctx), string(dep.Template.Csp), "fetch",
		func(ctx context.Context) error {
			var ferr error
			res, ferr = plugin.FetchResult(ctx, orderID)
			return ferr
		})
	if err != nil {
		return nil, err
	}
	if res.OrderID == "" {
		res.OrderID = orderID
	}
	if res.OrderID != orderID {
		return nil, engine.NewValidationError("",
			fmt.Sprintf("deployer returned result for %s when asked for %s", res.OrderID, orderID))
	}

	return c.Apply(ctx, res, SourceRefetch)
}

// snapshotFor decides what the deployment keeps as its resource snapshot.
// Destroyed deployments drop theirs; actions only replace it when they
// produced one.
func snapshotFor(t engine.TaskType, res *engine.CallbackResult) *engine.ResourceSnapshot {
	if !res.Success {
		return nil
	}
	switch t {
	case engine.TaskTypeDestroy, engine.TaskTypePurge:
		return &engine.ResourceSnapshot{}
	case engine.TaskTypeAction:
		snap := res.Snapshot()
		if snap.IsEmpty() {
			return nil
		}
		return &snap
	default:
		snap := res.Snapshot()
		return &snap
	}
}
