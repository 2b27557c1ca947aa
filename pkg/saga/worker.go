package saga

import (
	"context"
	"time"

	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/stores"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// Run advances sagas until ctx is cancelled. Child completions published on
// the event bus wake it immediately; the periodic tick catches everything
// the bus dropped and resumes sagas left behind by a restart.
func (c *Coordinator) Run(ctx context.Context) error {
	c.tel.Events.Subscribe(func(e telemetry.Event) {
		if parent, _ := e.Data["parent_order_id"].(string); parent == "" {
			return
		}
		select {
		case c.wake <- e.OrderID:
		default:
		}
	}, telemetry.FilterByType(telemetry.EventTypeOrderCompleted))

	c.logger.WithField("interval", c.cfg.PollInterval.String()).Info("saga worker started")

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	if err := c.Tick(ctx); err != nil {
		c.logger.WithError(err).Warn("saga tick failed")
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("saga worker stopped")
			return ctx.Err()
		case id := <-c.wake:
			if err := c.Complete(ctx, id); err != nil {
				c.logger.WithOrderID(id).WithError(err).Warn("failed to advance saga")
			}
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				c.logger.WithError(err).Warn("saga tick failed")
			}
		}
	}
}

// Tick examines every running saga once. A running step whose child is
// terminal is completed, and a pending or failed step is (re)started.
func (c *Coordinator) Tick(ctx context.Context) error {
	running, err := c.store.ListSagas(ctx, stores.SagaFilter{
		Status: engine.SagaStatusRunning,
		Limit:  c.cfg.BatchSize,
	})
	if err != nil {
		return err
	}

	for _, sg := range running {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.resume(ctx, sg); err != nil {
			c.logger.WithSagaID(sg.ID).WithError(err).Warn("failed to resume saga")
		}
	}

	c.refreshFailedGauge(ctx)
	return nil
}

func (c *Coordinator) resume(ctx context.Context, sg *engine.SagaInstance) error {
	steps, err := c.store.ListSagaSteps(ctx, sg.ID)
	if err != nil {
		return err
	}
	if sg.CurrentStep >= len(steps) {
		return nil
	}
	step := steps[sg.CurrentStep]

	switch step.Status {
	case engine.StepStatusRunning:
		if step.ChildOrderID == "" {
			return nil
		}
		return c.Complete(ctx, step.ChildOrderID)
	case engine.StepStatusPending, engine.StepStatusFailed:
		return c.startStep(ctx, sg, step)
	default:
		return nil
	}
}
