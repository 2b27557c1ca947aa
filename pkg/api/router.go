// Package api exposes the order broker over HTTP with gin.
//
// Client routes live under /api and require an authenticated caller. The
// executor webhooks under /webhook authenticate with the shared callback
// token instead. Health and Prometheus metrics are served unauthenticated.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/orderbroker/pkg/deployers/executor"
	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/saga"
	"github.com/openfroyo/orderbroker/pkg/stores"
	"github.com/openfroyo/orderbroker/pkg/telemetry"
)

// Orders is the order and deployment surface. Saga task types are routed to
// the saga coordinator by the implementation.
type Orders interface {
	CreateOrder(ctx context.Context, req *engine.OrderRequest) (*engine.OrderRef, error)
	GetOrder(ctx context.Context, id string) (*engine.Order, error)
	ListOrders(ctx context.Context, filter stores.OrderFilter) ([]*engine.Order, error)
	DeleteOrder(ctx context.Context, id string) error
	GetDeployment(ctx context.Context, id string) (*engine.Deployment, error)
	DeleteOrdersByDeployment(ctx context.Context, deploymentID string) (int64, error)
}

// Sagas exposes saga records and operator decisions.
type Sagas interface {
	Get(ctx context.Context, sagaID string) (*saga.Detail, error)
	Query(ctx context.Context, filter stores.SagaFilter) ([]*engine.SagaInstance, error)
	Retry(ctx context.Context, sagaID string) (*engine.SagaInstance, error)
	Close(ctx context.Context, sagaID string) (*engine.SagaInstance, error)
}

// Waiter blocks until a watched value changes.
type Waiter interface {
	AwaitDeploymentState(ctx context.Context, id string, last engine.DeploymentState, timeout time.Duration) (engine.DeploymentState, error)
	AwaitOrderStatus(ctx context.Context, id string, last engine.TaskStatus, timeout time.Duration) (engine.TaskStatus, error)
}

// ResultReporter accepts executor results.
type ResultReporter interface {
	ReportResult(ctx context.Context, res *engine.CallbackResult) (*stores.CompletionOutcome, error)
}

// HealthChecker reports whether the broker can serve requests.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators of the router. Sagas, Health and Callbacks are
// optional; their routes are omitted when nil.
type Deps struct {
	Orders    Orders
	Sagas     Sagas
	Waiter    Waiter
	Results   ResultReporter
	Health    HealthChecker
	Auth      AuthConfig
	Callbacks *executor.TokenVerifier
	Telemetry *telemetry.Telemetry

	// DefaultWait is the long poll budget used when the client sends none.
	DefaultWait time.Duration
}

// NewRouter builds the HTTP handler of the broker.
func NewRouter(deps Deps) *gin.Engine {
	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	logger := tel.Logger.NewComponentLogger("api")
	if deps.DefaultWait <= 0 {
		deps.DefaultWait = 30 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	NewHealthController(deps.Health, tel.Metrics).RegisterRoutes(r.Group("/"))
	NewWebhookController(deps.Results, deps.Callbacks, logger).RegisterRoutes(r.Group("/webhook"))

	api := r.Group("/api", AuthGuard(deps.Auth))
	NewOrderController(deps.Orders, deps.Waiter, deps.DefaultWait, logger).RegisterRoutes(api)
	NewDeploymentController(deps.Orders, deps.Waiter, deps.DefaultWait, logger).RegisterRoutes(api)
	if deps.Sagas != nil {
		NewSagaController(deps.Sagas, logger).RegisterRoutes(api)
	}

	return r
}

// requestLogger logs each request through the broker logger instead of
// gin's default writer.
func requestLogger(logger *telemetry.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := logger.WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   status,
			"duration": time.Since(start).String(),
		})
		if userID := c.GetString(ContextUserID); userID != "" {
			entry = entry.WithField("user_id", userID)
		}
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request completed")
		case status >= http.StatusBadRequest:
			entry.Info("request completed")
		default:
			entry.Debug("request completed")
		}
	}
}
