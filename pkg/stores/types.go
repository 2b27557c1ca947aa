package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

// GuardFunc inspects the deployment row inside the admission transaction.
// d is nil when the deployment does not exist yet. activeChildren is the number
// of non-terminal child orders of the admitted order's parent.
// Returning an error aborts the admission and no row is written.
type GuardFunc func(d *engine.Deployment, activeChildren int) error

// Admission describes every write of a single order admission.
// All of it is applied in one transaction or not at all.
type Admission struct {
	// Order is the order row to insert.
	Order *engine.Order

	// NewDeployment is inserted when the order's deployment does not exist yet.
	NewDeployment *engine.Deployment

	// Guard runs against the current deployment row before anything is written.
	Guard GuardFunc

	// NextState is the state the deployment enters. Empty leaves it unchanged.
	NextState engine.DeploymentState

	// Slot is the value the deployment's in-flight slot holds after admission.
	// Empty leaves the slot unchanged.
	Slot string

	// Lock replaces the deployment's lock configuration when set.
	Lock *engine.LockConfig

	// Saga and Steps are inserted together with a saga parent order.
	Saga  *engine.SagaInstance
	Steps []*engine.SagaStep

	// BindStepID attaches a child order to its saga step.
	BindStepID string
}

// Completion is a terminal result applied to an order.
type Completion struct {
	OrderID      string
	Success      bool
	ErrorMessage string
	Result       *engine.OrderResult

	// Snapshot replaces the deployment's resource snapshot on success.
	Snapshot *engine.ResourceSnapshot

	// Source tags the observation, e.g. "callback" or "refetch".
	Source string

	// Payload is the raw result as received, stored with the observation.
	Payload json.RawMessage
}

// CompletionOutcome reports what CompleteOrder did.
type CompletionOutcome struct {
	Outcome engine.ApplyOutcome

	// Order is the order after the call. For a no-op it is the stored terminal order.
	Order *engine.Order

	// Deployment is set when the deployment row was updated.
	Deployment *engine.Deployment

	// PreviousState is the deployment state before the update.
	PreviousState engine.DeploymentState
}

// ParentUpdate rewrites the saga parent order.
type ParentUpdate struct {
	Status          engine.TaskStatus
	ErrorMessage    string
	DeployRetryNum  int
	DestroyRetryNum int
	Result          *engine.OrderResult
}

// SagaChange is one atomic advance of a saga computed by the coordinator.
type SagaChange struct {
	// Saga holds the new saga values. The update is guarded by Saga.Version.
	Saga *engine.SagaInstance

	// Step is rewritten when set, guarded by ExpectStepStatus.
	Step             *engine.SagaStep
	ExpectStepStatus engine.StepStatus

	// Parent is applied to the saga's parent order when set.
	Parent *ParentUpdate

	// Release clears the in-flight slot of these deployments when the parent holds it.
	Release []string

	// Restore puts a deployment back into a state if it is still in a composite state.
	Restore map[string]engine.DeploymentState
}

// OrderFilter selects orders for history listings.
type OrderFilter struct {
	DeploymentID  string
	ParentOrderID string
	UserID        string
	TaskType      engine.TaskType
	Status        engine.TaskStatus
	Limit         int
	Offset        int
}

// DeploymentFilter selects deployments.
type DeploymentFilter struct {
	UserID string
	State  engine.DeploymentState
	Limit  int
	Offset int
}

// SagaFilter selects sagas.
type SagaFilter struct {
	Kind   engine.TaskType
	Status engine.SagaStatus
	Limit  int
	Offset int
}

// CallbackObservation records one delivered result, whether or not it was applied.
type CallbackObservation struct {
	ID         int64               `json:"id"`
	OrderID    string              `json:"orderId"`
	Outcome    engine.ApplyOutcome `json:"outcome"`
	Success    bool                `json:"success"`
	Source     string              `json:"source"`
	Payload    json.RawMessage     `json:"payload,omitempty"`
	ObservedAt time.Time           `json:"observedAt"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "order.deleted", "saga.retry", "saga.close"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // order/saga/deployment ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Deployment operations
	CreateDeployment(ctx context.Context, d *engine.Deployment) error
	GetDeployment(ctx context.Context, id string) (*engine.Deployment, error)
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*engine.Deployment, error)

	// Order operations
	AdmitOrder(ctx context.Context, adm *Admission) (*engine.Deployment, error)
	StartOrderProgress(ctx context.Context, orderID string) (bool, error)
	CompleteOrder(ctx context.Context, c *Completion) (*CompletionOutcome, error)
	GetOrder(ctx context.Context, id string) (*engine.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*engine.Order, error)
	ListStaleOrders(ctx context.Context, startedBefore time.Time, states []engine.DeploymentState, limit int) ([]*engine.Order, error)
	DeleteOrder(ctx context.Context, id string) error
	DeleteOrdersByDeployment(ctx context.Context, deploymentID string) (int64, error)
	ListCallbackObservations(ctx context.Context, orderID string) ([]*CallbackObservation, error)

	// Saga operations
	GetSaga(ctx context.Context, id string) (*engine.SagaInstance, error)
	GetSagaByParent(ctx context.Context, parentOrderID string) (*engine.SagaInstance, error)
	ListSagas(ctx context.Context, filter SagaFilter) ([]*engine.SagaInstance, error)
	ListSagaSteps(ctx context.Context, sagaID string) ([]*engine.SagaStep, error)
	GetStepByChildOrder(ctx context.Context, childOrderID string) (*engine.SagaStep, error)
	AdvanceSaga(ctx context.Context, change *SagaChange) error

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
