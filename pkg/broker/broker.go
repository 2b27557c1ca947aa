// Package broker wires the order broker together.
//
// New builds every component from a config.Config: the SQLite store, the
// template registry, the deployer plugins, the admission policy engine, the
// dispatcher, the callback correlator and reconciler, the saga coordinator,
// the status notifier and the HTTP router. Run serves HTTP and drives the
// background workers until its context is cancelled.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/orderbroker/pkg/api"
	"github.com/openfroyo/orderbroker/pkg/callback"
	"github.com/openfroyo/orderbroker/pkg/config"
	"github.com/openfroyo/orderbroker/pkg/deployers/executor"
	"github.com/openfroyo/orderbroker/pkg/dispatcher"
	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/notifier"
	"github.com/openfroyo/orderbroker/pkg/policy"
	"github.com/openfroyo/orderbroker/pkg/saga"
	"github.com/openfroyo/orderbroker/pkg/stores"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// Broker owns every component of a running order broker.
type Broker struct {
	cfg *config.Config
	tel *telemetry.Telemetry

	store       *stores.SQLiteStore
	templates   engine.TemplateRegistry
	plugins     *dispatcher.Registry
	policy      *policy.Engine
	dispatcher  *dispatcher.Dispatcher
	correlator  *callback.Correlator
	reconciler  *callback.Reconciler
	coordinator *saga.Coordinator
	notifier    *notifier.Notifier
	router      *gin.Engine

	ownsTelemetry bool
	closers       []func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	tel       *telemetry.Telemetry
	plugins   []engine.DeployerPlugin
	templates engine.TemplateRegistry
	identity  engine.Identity
}

// WithTelemetry reuses an existing telemetry bundle. The broker does not shut
// it down on Close.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// WithPlugins replaces the executor plugins built from the configuration.
func WithPlugins(plugins ...engine.DeployerPlugin) Option {
	return func(o *options) { o.plugins = plugins }
}

// WithTemplates replaces the template registry built from the configuration.
func WithTemplates(reg engine.TemplateRegistry) Option {
	return func(o *options) { o.templates = reg }
}

// WithIdentity replaces the request-context identity.
func WithIdentity(id engine.Identity) Option {
	return func(o *options) { o.identity = id }
}

// New builds a broker. The store is opened and migrated; nothing runs until
// Run is called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (b *Broker, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	o := &options{identity: engine.ContextIdentity{}}
	for _, opt := range opts {
		opt(o)
	}

	b = &Broker{cfg: cfg, tel: o.tel}
	defer func() {
		if err != nil {
			_ = b.Close(context.Background())
		}
	}()

	if b.tel == nil {
		b.tel, err = telemetry.NewTelemetry(cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		b.ownsTelemetry = true
	}
	logger := b.tel.Logger.NewComponentLogger("broker")

	if err = b.openStore(ctx); err != nil {
		return nil, err
	}

	b.templates = o.templates
	if b.templates == nil {
		if b.templates, err = b.openTemplates(); err != nil {
			return nil, err
		}
	}

	plugins := o.plugins
	if plugins == nil {
		if plugins, err = b.executorPlugins(); err != nil {
			return nil, err
		}
	}
	if b.plugins, err = dispatcher.NewRegistry(plugins...); err != nil {
		return nil, err
	}

	var admission engine.AdmissionPolicy
	if cfg.Policy.Enabled {
		if b.policy, err = b.openPolicy(ctx); err != nil {
			return nil, err
		}
		admission = b.policy
	}

	b.correlator = callback.NewCorrelator(b.store, b.plugins, b.tel)
	b.reconciler = callback.NewReconciler(b.correlator, cfg.Reconciler.ReconcilerConfig)

	b.dispatcher, err = dispatcher.New(dispatcher.Deps{
		Store:     b.store,
		Plugins:   b.plugins,
		Templates: b.templates,
		Identity:  o.identity,
		Results:   b.correlator,
		Policy:    admission,
		Telemetry: b.tel,
	}, dispatcher.Config{})
	if err != nil {
		return nil, err
	}

	b.coordinator = saga.New(b.store, b.dispatcher, o.identity, cfg.Saga, b.tel)
	b.notifier = notifier.New(b.store, o.identity, cfg.Notifier, b.tel)

	verifier, err := executor.NewTokenVerifier(cfg.Auth.CallbackTokenHash)
	if err != nil {
		return nil, err
	}
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	b.router = api.NewRouter(api.Deps{
		Orders:  b,
		Sagas:   b.coordinator,
		Waiter:  b.notifier,
		Results: b.correlator,
		Health:  b.store,
		Auth: api.AuthConfig{
			Secret:    cfg.Auth.JWTSecret,
			Issuer:    cfg.Auth.Issuer,
			AdminRole: cfg.Auth.AdminRole,
		},
		Callbacks:   verifier,
		Telemetry:   b.tel,
		DefaultWait: cfg.Notifier.MaxTimeout / 2,
	})

	logger.WithFields(map[string]interface{}{
		"csps":      b.plugins.Csps(),
		"templates": cfg.Templates.Source,
		"policy":    cfg.Policy.Enabled,
	}).Info("broker initialized")
	return b, nil
}

func (b *Broker) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            b.cfg.Database.Path,
		MaxOpenConns:    b.cfg.Database.MaxOpenConns,
		MaxIdleConns:    b.cfg.Database.MaxIdleConns,
		ConnMaxLifetime: b.cfg.Database.ConnMaxLifetime,
		BusyTimeout:     b.cfg.Database.BusyTimeout,
	})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	b.store = store
	b.closers = append(b.closers, store.Close)

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	return nil
}

func (b *Broker) executorPlugins() ([]engine.DeployerPlugin, error) {
	plugins := make([]engine.DeployerPlugin, 0, len(b.cfg.Executors))
	for _, ec := range b.cfg.Executors {
		p, err := executor.New(ec, executor.WithLogger(b.tel.Logger))
		if err != nil {
			return nil, fmt.Errorf("failed to configure executor for %s: %w", ec.Csp, err)
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}

func (b *Broker) openPolicy(ctx context.Context) (*policy.Engine, error) {
	pc := b.cfg.Policy
	opts := []policy.Option{
		policy.WithEvents(b.tel.Events),
		policy.WithEnvironment(b.cfg.Telemetry.Environment),
		policy.WithDisabledBuiltins(pc.DisabledBuiltins...),
	}
	if len(pc.AllowedCsps) > 0 {
		opts = append(opts, policy.WithAllowedCsps(pc.AllowedCsps...))
	}

	pe, err := policy.NewEngine(b.tel.Logger.Zerolog(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	b.closers = append(b.closers, pe.Close)

	if len(pc.Paths) > 0 && !pc.Watch {
		if err := pe.LoadPolicies(ctx, pc.Paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// CreateOrder implements api.Orders. Saga task types start a saga; every
// other order goes straight to the dispatcher.
func (b *Broker) CreateOrder(ctx context.Context, req *engine.OrderRequest) (*engine.OrderRef, error) {
	if req != nil && req.Type.IsSaga() {
		return b.coordinator.Start(ctx, req)
	}
	return b.dispatcher.CreateOrder(ctx, req)
}

// GetOrder implements api.Orders.
func (b *Broker) GetOrder(ctx context.Context, id string) (*engine.Order, error) {
	return b.dispatcher.GetOrder(ctx, id)
}

// ListOrders implements api.Orders.
func (b *Broker) ListOrders(ctx context.Context, filter stores.OrderFilter) ([]*engine.Order, error) {
	return b.dispatcher.ListOrders(ctx, filter)
}

// DeleteOrder implements api.Orders.
func (b *Broker) DeleteOrder(ctx context.Context, id string) error {
	return b.dispatcher.DeleteOrder(ctx, id)
}

// GetDeployment implements api.Orders.
func (b *Broker) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	return b.dispatcher.GetDeployment(ctx, id)
}

// DeleteOrdersByDeployment implements api.Orders.
func (b *Broker) DeleteOrdersByDeployment(ctx context.Context, deploymentID string) (int64, error) {
	return b.dispatcher.DeleteOrdersByDeployment(ctx, deploymentID)
}

// Handler returns the HTTP handler.
func (b *Broker) Handler() http.Handler {
	return b.router
}

// Store returns the order store.
func (b *Broker) Store() stores.Store {
	return b.store
}

// Sagas returns the saga coordinator.
func (b *Broker) Sagas() *saga.Coordinator {
	return b.coordinator
}

// Notifier returns the status notifier.
func (b *Broker) Notifier() *notifier.Notifier {
	return b.notifier
}

// Reconciler returns the stale order reconciler.
func (b *Broker) Reconciler() *callback.Reconciler {
	return b.reconciler
}

// Telemetry returns the telemetry bundle.
func (b *Broker) Telemetry() *telemetry.Telemetry {
	return b.tel
}

// RunWorkers drives the saga worker, the reconciler and the policy watcher
// until ctx is cancelled.
func (b *Broker) RunWorkers(ctx context.Context) error {
	if b.policy != nil && b.cfg.Policy.Watch && len(b.cfg.Policy.Paths) > 0 {
		if err := b.policy.Watch(ctx, b.cfg.Policy.Paths); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(b.coordinator.Run(ctx)) })
	if b.cfg.Reconciler.Enabled {
		g.Go(func() error { return ignoreCancel(b.reconciler.Run(ctx)) })
	}
	return g.Wait()
}

// Run serves HTTP and runs the workers until ctx is cancelled, then shuts
// the server down gracefully.
func (b *Broker) Run(ctx context.Context) error {
	logger := b.tel.Logger.NewComponentLogger("broker")
	srv := &http.Server{
		Addr:              b.cfg.Server.Address,
		Handler:           b.router,
		ReadHeaderTimeout: b.cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.RunWorkers(gctx) })
	g.Go(func() error {
		logger.WithField("address", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := b.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		logger.Info("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases every resource the broker opened.
func (b *Broker) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	if b.ownsTelemetry && b.tel != nil {
		if err := b.tel.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
