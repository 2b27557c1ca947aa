package engine

import (
	"encoding/json"
	"time"
)

// LockConfig holds the per-deployment admission locks.
type LockConfig struct {
	// DestroyLocked rejects DESTROY, PURGE, RECREATE, MIGRATE and PORT orders.
	DestroyLocked bool `json:"destroyLocked"`

	// ModifyLocked rejects MODIFY, ACTION, RECREATE, MIGRATE and PORT orders.
	ModifyLocked bool `json:"modifyLocked"`
}

// Rejects reports whether the lock configuration blocks task type t.
func (l LockConfig) Rejects(t TaskType) bool {
	return (l.DestroyLocked && t.GatedByDestroyLock()) ||
		(l.ModifyLocked && t.GatedByModifyLock())
}

// TemplateRef identifies the service template a deployment was created from.
type TemplateRef struct {
	TemplateID  string `json:"templateId,omitempty"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Csp         Csp    `json:"csp"`
	Category    string `json:"category,omitempty"`
	HostingType string `json:"serviceHostingType,omitempty"`
	Region      string `json:"region,omitempty"`
}

// DeployedResource is a single cloud resource reported by a deployer.
type DeployedResource struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ResourceSnapshot is the opaque output of the last successful order.
type ResourceSnapshot struct {
	// Outputs are the output properties of the IaC run.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Resources are the deployed resources.
	Resources []DeployedResource `json:"resources,omitempty"`

	// ExecutorState is the executor's own state blob, handed back on destroy.
	ExecutorState json.RawMessage `json:"executorState,omitempty"`
}

// IsEmpty returns true if the snapshot carries no data.
func (s ResourceSnapshot) IsEmpty() bool {
	return len(s.Outputs) == 0 && len(s.Resources) == 0 && len(s.ExecutorState) == 0
}

// Deployment is one deployed service instance.
type Deployment struct {
	// ID is the unique identifier of the deployment.
	ID string `json:"id"`

	// UserID is the owner of the deployment.
	UserID string `json:"userId"`

	// Template is the template the deployment was created from.
	Template TemplateRef `json:"template"`

	// Request is the deploy payload that created the deployment.
	// Recreate and saga redeploys reuse it so properties survive.
	Request json.RawMessage `json:"request,omitempty"`

	// State is the current lifecycle state.
	State DeploymentState `json:"state"`

	// Lock holds the admission locks.
	Lock LockConfig `json:"lockConfig"`

	// Snapshot is the resource snapshot of the last successful order.
	Snapshot ResourceSnapshot `json:"snapshot"`

	// ActiveOrderID is the top-level order currently in flight, empty when idle.
	ActiveOrderID string `json:"activeOrderId,omitempty"`

	// Version is incremented on every row update for optimistic locking.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OrderResult is the outcome recorded on a terminal order.
type OrderResult struct {
	Outputs   map[string]string  `json:"outputs,omitempty"`
	Resources []DeployedResource `json:"resources,omitempty"`
}

// Order is one requested operation against a deployment.
type Order struct {
	ID            string     `json:"orderId"`
	DeploymentID  string     `json:"deploymentId"`
	ParentOrderID string     `json:"parentOrderId,omitempty"`
	TaskType      TaskType   `json:"taskType"`
	Status        TaskStatus `json:"taskStatus"`
	Handler       Handler    `json:"handler"`
	UserID        string     `json:"userId"`

	// Request is the validated payload of the order.
	Request json.RawMessage `json:"request,omitempty"`

	// Result is set once the order reached a terminal status.
	Result *OrderResult `json:"result,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`

	// Saga bookkeeping, set on parent orders only.
	SagaID               string `json:"sagaId,omitempty"`
	OriginalDeploymentID string `json:"originalDeploymentId,omitempty"`
	NewDeploymentID      string `json:"newDeploymentId,omitempty"`
	DeployRetryNum       int    `json:"deployRetryNum"`
	DestroyRetryNum      int    `json:"destroyRetryNum"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IsChild returns true if the order is a step of a saga.
func (o *Order) IsChild() bool {
	return o.ParentOrderID != ""
}

// DeployTask is handed to a deployer plugin. It is not persisted separately.
type DeployTask struct {
	OrderID              string            `json:"orderId"`
	DeploymentID         string            `json:"deploymentId"`
	OriginalDeploymentID string            `json:"originalDeploymentId,omitempty"`
	TaskType             TaskType          `json:"taskType"`
	UserID               string            `json:"userId"`
	Template             TemplateRef       `json:"template"`
	Request              json.RawMessage   `json:"request,omitempty"`
	Snapshot             *ResourceSnapshot `json:"snapshot,omitempty"`
}

// CallbackResult is a deployer result correlated to exactly one order.
type CallbackResult struct {
	OrderID       string             `json:"orderId" validate:"required"`
	Success       bool               `json:"success"`
	ErrorMessage  string             `json:"errorMessage,omitempty"`
	Outputs       map[string]string  `json:"outputs,omitempty"`
	Resources     []DeployedResource `json:"resources,omitempty"`
	ExecutorState json.RawMessage    `json:"executorState,omitempty"`
}

// Snapshot converts the result into a resource snapshot.
func (r *CallbackResult) Snapshot() ResourceSnapshot {
	return ResourceSnapshot{
		Outputs:       r.Outputs,
		Resources:     r.Resources,
		ExecutorState: r.ExecutorState,
	}
}

// ApplyOutcome describes what applying a result did.
type ApplyOutcome string

const (
	// OutcomeApplied means the order moved to a terminal status.
	OutcomeApplied ApplyOutcome = "applied"

	// OutcomeNoop means the order was already terminal. The result was only recorded.
	OutcomeNoop ApplyOutcome = "noop"
)

// SagaInstance is the persisted state of a multi-step operation.
type SagaInstance struct {
	ID                   string          `json:"sagaId"`
	ParentOrderID        string          `json:"parentOrderId"`
	Kind                 TaskType        `json:"kind"`
	Status               SagaStatus      `json:"status"`
	UserID               string          `json:"userId"`
	OriginalDeploymentID string          `json:"originalDeploymentId"`
	NewDeploymentID      string          `json:"newDeploymentId"`
	PriorState           DeploymentState `json:"priorState"`
	CurrentStep          int             `json:"currentStep"`
	MaxRetries           int             `json:"maxRetries"`
	LastError            string          `json:"lastError,omitempty"`
	Request              json.RawMessage `json:"request,omitempty"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// SagaStep is one row of the persisted step table.
type SagaStep struct {
	ID           string     `json:"stepId"`
	SagaID       string     `json:"sagaId"`
	Seq          int        `json:"seq"`
	Kind         StepKind   `json:"kind"`
	DeploymentID string     `json:"deploymentId"`
	ChildOrderID string     `json:"childOrderId,omitempty"`
	Status       StepStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}
