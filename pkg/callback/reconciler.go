package callback

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/stores"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// staleStates are the deployment states whose in-progress orders are re-fetched.
var staleStates = []engine.DeploymentState{
	engine.StateDeploying,
	engine.StateDestroying,
	engine.StateModifying,
}

// ReconcilerConfig configures the stale order re-fetch loop.
type ReconcilerConfig struct {
	// Interval between passes.
	Interval time.Duration `yaml:"interval"`

	// MaxProcessingDuration is how long an order may stay IN_PROGRESS before
	// its result is pulled from the deployer.
	MaxProcessingDuration time.Duration `yaml:"maxProcessingDuration"`

	// BatchSize caps the orders inspected per pass.
	BatchSize int `yaml:"batchSize"`

	// Concurrency caps simultaneous deployer fetches.
	Concurrency int `yaml:"concurrency"`
}

// Report summarizes one reconciliation pass.
type Report struct {
	Checked int `json:"checked"`
	Applied int `json:"applied"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// Reconciler pulls results the executors failed to push.
type Reconciler struct {
	correlator *Correlator
	store      stores.Store
	cfg        ReconcilerConfig
	logger     *telemetry.Logger
	tel        *telemetry.Telemetry
}

// NewReconciler creates a reconciler over the correlator's store.
func NewReconciler(correlator *Correlator, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxProcessingDuration <= 0 {
		cfg.MaxProcessingDuration = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Reconciler{
		correlator: correlator,
		store:      correlator.store,
		cfg:        cfg,
		tel:        correlator.tel,
		logger:     correlator.tel.Logger.NewComponentLogger("reconciler"),
	}
}

// Run reconciles every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.WithError(err).Error("reconcile pass failed")
			}
		}
	}
}

// ReconcileOnce re-fetches every order stuck IN_PROGRESS for longer than
// MaxProcessingDuration.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Report, error) {
	ic := telemetry.StartOperation(r.tel.WithContext(ctx), "reconcile.pass")

	cutoff := time.Now().UTC().Add(-r.cfg.MaxProcessingDuration)
	orders, err := r.store.ListStaleOrders(ic.Ctx, cutoff, staleStates, r.cfg.BatchSize)
	if err != nil {
		ic.End(err)
		return Report{}, err
	}

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}

	report, err := r.ReconcileBatch(ic.Ctx, ids)
	ic.End(err)
	return report, err
}

// ReconcileBatch re-fetches an explicit list of orders. A failure on one
// order does not stop the others.
func (r *Reconciler) ReconcileBatch(ctx context.Context, orderIDs []string) (Report, error) {
	var (
		mu     sync.Mutex
		report Report
	)
	count := func(f func(*Report)) {
		mu.Lock()
		f(&report)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, id := range orderIDs {
		g.Go(func() error {
			count(func(rp *Report) { rp.Checked++ })

			out, err := r.correlator.FetchStoredResult(gctx, id)
			logger := r.logger.WithOrderID(id)
			switch {
			case engine.IsNotFound(err):
				logger.Debug("no stored result yet")
				count(func(rp *Report) { rp.Pending++ })
			case err != nil:
				logger.WithError(err).Warn("failed to re-fetch result")
				count(func(rp *Report) { rp.Failed++ })
			case out.Outcome == engine.OutcomeApplied:
				count(func(rp *Report) { rp.Applied++ })
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	if report.Checked > 0 {
		r.logger.WithFields(map[string]interface{}{
			"checked": report.Checked,
			"applied": report.Applied,
			"pending": report.Pending,
			"failed":  report.Failed,
		}).Info("reconcile pass finished")
	}
	return report, ctx.Err()
}
