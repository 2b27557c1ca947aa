// Package notifier implements the long poll over deployment states and order
// statuses.
//
// A wait re-reads the durable store every PollInterval until the value
// differs from the one the caller last saw or the wait budget elapses, and
// returns the current value in both cases. Waits run on a bounded pool; a
// wait that cannot get a slot within its budget returns the current value
// without polling.
package notifier

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// Wait kinds, used as metric labels.
const (
	KindDeployment = "deployment"
	KindOrder      = "order"
)

// Wait outcomes, used as metric labels.
const (
	OutcomeChanged  = "changed"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

// Config holds long poll settings.
type Config struct {
	// PollInterval is the delay between two store reads of one wait.
	PollInterval time.Duration `yaml:"pollInterval"`

	// MaxTimeout caps the budget a caller may request.
	MaxTimeout time.Duration `yaml:"maxTimeout"`

	// MaxConcurrentWaits bounds the waits that poll at the same time.
	MaxConcurrentWaits int64 `yaml:"maxConcurrentWaits" validate:"min=0"`
}

// DefaultConfig returns the notifier defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       500 * time.Millisecond,
		MaxTimeout:         60 * time.Second,
		MaxConcurrentWaits: 1000,
	}
}

// Reader is the read side of the store the notifier polls.
type Reader interface {
	GetDeployment(ctx context.Context, id string) (*engine.Deployment, error)
	GetOrder(ctx context.Context, id string) (*engine.Order, error)
}

// Notifier serves long poll waits.
type Notifier struct {
	store    Reader
	identity engine.Identity
	cfg      Config
	pool     *semaphore.Weighted
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
}

// New creates a notifier. identity may be nil to skip ownership checks and
// tel may be nil.
func New(store Reader, identity engine.Identity, cfg Config, tel *telemetry.Telemetry) *Notifier {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.MaxConcurrentWaits <= 0 {
		cfg.MaxConcurrentWaits = def.MaxConcurrentWaits
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Notifier{
		store:    store,
		identity: identity,
		cfg:      cfg,
		pool:     semaphore.NewWeighted(cfg.MaxConcurrentWaits),
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("notifier"),
	}
}

// AwaitDeploymentState waits until the state of deployment id differs from
// last or timeout elapses, and returns the current state.
func (n *Notifier) AwaitDeploymentState(ctx context.Context, id string, last engine.DeploymentState, timeout time.Duration) (engine.DeploymentState, error) {
	d, err := n.store.GetDeployment(ctx, id)
	if err != nil {
		return "", err
	}
	if err := n.authorize(ctx, d.UserID, id); err != nil {
		return "", err
	}
	return await(ctx, n, KindDeployment, last, d.State, timeout, func(ctx context.Context) (engine.DeploymentState, error) {
		d, err := n.store.GetDeployment(ctx, id)
		if err != nil {
			return "", err
		}
		return d.State, nil
	})
}

// AwaitOrderStatus waits until the status of order id differs from last or
// timeout elapses, and returns the current status.
func (n *Notifier) AwaitOrderStatus(ctx context.Context, id string, last engine.TaskStatus, timeout time.Duration) (engine.TaskStatus, error) {
	o, err := n.store.GetOrder(ctx, id)
	if err != nil {
		return "", err
	}
	if err := n.authorize(ctx, o.UserID, id); err != nil {
		return "", err
	}
	return await(ctx, n, KindOrder, last, o.Status, timeout, func(ctx context.Context) (engine.TaskStatus, error) {
		o, err := n.store.GetOrder(ctx, id)
		if err != nil {
			return "", err
		}
		return o.Status, nil
	})
}

func (n *Notifier) authorize(ctx context.Context, owner, id string) error {
	if n.identity == nil || n.identity.IsAdmin(ctx) {
		return nil
	}
	userID, err := n.identity.CurrentUserID(ctx)
	if err != nil {
		return err
	}
	if userID != owner {
		return engine.NewAuthorizationError(
			fmt.Sprintf("user %s may not watch %s", userID, id)).WithResource(id)
	}
	return nil
}

func (n *Notifier) budget(timeout time.Duration) time.Duration {
	if timeout > n.cfg.MaxTimeout {
		return n.cfg.MaxTimeout
	}
	return timeout
}

// await polls read until it returns something other than last. current is
// the value already read by the caller. A cancelled ctx abandons the wait.
func await[T comparable](ctx context.Context, n *Notifier, kind string, last, current T, timeout time.Duration, read func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	done := func(v T, outcome string) (T, error) {
		n.tel.Metrics.RecordLongPoll(kind, outcome, time.Since(start))
		return v, nil
	}

	if current != last {
		return done(current, OutcomeChanged)
	}
	timeout = n.budget(timeout)
	if timeout <= 0 {
		return done(current, OutcomeTimeout)
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := n.pool.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return current, ctx.Err()
		}
		n.logger.WithField("kind", kind).Debug("long poll pool exhausted")
		v, err := read(ctx)
		if err != nil {
			return current, err
		}
		return done(v, OutcomeRejected)
	}
	defer n.pool.Release(1)

	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return current, ctx.Err()
			}
			v, err := read(ctx)
			if err != nil {
				return current, err
			}
			if v != last {
				return done(v, OutcomeChanged)
			}
			return done(v, OutcomeTimeout)

		case <-ticker.C:
			v, err := read(wctx)
			if err != nil {
				if wctx.Err() != nil {
					continue
				}
				return current, err
			}
			current = v
			if v != last {
				return done(v, OutcomeChanged)
			}
		}
	}
}
