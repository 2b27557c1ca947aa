package engine

import (
	"encoding/json"
	"fmt"
)

// DeploymentState is the lifecycle state of a deployed service instance.
type DeploymentState string

const (
	// StateDeploying indicates a deploy order was admitted and is executing.
	StateDeploying DeploymentState = "DEPLOYING"

	// StateDeploySuccess indicates the last deploy order succeeded.
	StateDeploySuccess DeploymentState = "DEPLOY_SUCCESS"

	// StateDeployFailed indicates the last deploy order failed.
	StateDeployFailed DeploymentState = "DEPLOY_FAILED"

	// StateModifying indicates a modify or action order is executing.
	StateModifying DeploymentState = "MODIFYING"

	// StateModifySuccess indicates the last modify order succeeded.
	StateModifySuccess DeploymentState = "MODIFY_SUCCESS"

	// StateModifyFailed indicates the last modify order failed.
	StateModifyFailed DeploymentState = "MODIFY_FAILED"

	// StateDestroying indicates a destroy or purge order is executing.
	StateDestroying DeploymentState = "DESTROYING"

	// StateDestroySuccess indicates the deployment's resources were destroyed.
	StateDestroySuccess DeploymentState = "DESTROY_SUCCESS"

	// StateDestroyFailed indicates the last destroy order failed.
	StateDestroyFailed DeploymentState = "DESTROY_FAILED"

	// StateRecreating is the composite state of a running recreate saga.
	StateRecreating DeploymentState = "RECREATING"

	// StateMigrating is the composite state of a running migrate saga.
	StateMigrating DeploymentState = "MIGRATING"

	// StatePorting is the composite state of a running port saga.
	StatePorting DeploymentState = "PORTING"

	// StatePurged is terminal. The deployment is kept only for history.
	StatePurged DeploymentState = "PURGED"
)

// IsTransient returns true while an order is still driving the deployment.
func (s DeploymentState) IsTransient() bool {
	switch s {
	case StateDeploying, StateModifying, StateDestroying,
		StateRecreating, StateMigrating, StatePorting:
		return true
	default:
		return false
	}
}

// IsComposite returns true for states owned by a saga rather than a single order.
func (s DeploymentState) IsComposite() bool {
	return s == StateRecreating || s == StateMigrating || s == StatePorting
}

// IsTerminal returns true if no further transition is possible.
func (s DeploymentState) IsTerminal() bool {
	return s == StatePurged
}

// Validate checks if the deployment state is valid.
func (s DeploymentState) Validate() error {
	if _, ok := stateGraph[s]; !ok {
		return fmt.Errorf("invalid deployment state: %s", s)
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s DeploymentState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *DeploymentState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DeploymentState(str)
	return s.Validate()
}

// TaskType is the kind of operation an order requests.
type TaskType string

const (
	TaskTypeDeploy     TaskType = "DEPLOY"
	TaskTypeModify     TaskType = "MODIFY"
	TaskTypeDestroy    TaskType = "DESTROY"
	TaskTypePurge      TaskType = "PURGE"
	TaskTypeRecreate   TaskType = "RECREATE"
	TaskTypeMigrate    TaskType = "MIGRATE"
	TaskTypePort       TaskType = "PORT"
	TaskTypeAction     TaskType = "ACTION"
	TaskTypeLockChange TaskType = "LOCK_CHANGE"
)

// IsSaga returns true for task types composed of several child orders.
func (t TaskType) IsSaga() bool {
	return t == TaskTypeRecreate || t == TaskTypeMigrate || t == TaskTypePort
}

// CreatesDeployment returns true if the order may target a deployment that does not exist yet.
func (t TaskType) CreatesDeployment() bool {
	return t == TaskTypeDeploy
}

// GatedByDestroyLock returns true if destroyLocked rejects this task type.
func (t TaskType) GatedByDestroyLock() bool {
	switch t {
	case TaskTypeDestroy, TaskTypePurge, TaskTypeRecreate, TaskTypeMigrate, TaskTypePort:
		return true
	default:
		return false
	}
}

// GatedByModifyLock returns true if modifyLocked rejects this task type.
func (t TaskType) GatedByModifyLock() bool {
	switch t {
	case TaskTypeModify, TaskTypeAction, TaskTypeRecreate, TaskTypeMigrate, TaskTypePort:
		return true
	default:
		return false
	}
}

// Validate checks if the task type is valid.
func (t TaskType) Validate() error {
	switch t {
	case TaskTypeDeploy, TaskTypeModify, TaskTypeDestroy, TaskTypePurge,
		TaskTypeRecreate, TaskTypeMigrate, TaskTypePort, TaskTypeAction, TaskTypeLockChange:
		return nil
	default:
		return fmt.Errorf("invalid task type: %s", t)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (t TaskType) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(t))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (t *TaskType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*t = TaskType(str)
	return t.Validate()
}

// TaskStatus is the status of a single order.
type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "CREATED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusSuccessful TaskStatus = "SUCCESSFUL"
	TaskStatusFailed     TaskStatus = "FAILED"
)

// IsTerminal returns true if the order can no longer change.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccessful || s == TaskStatusFailed
}

// IsActive returns true if the order is still in flight.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusCreated || s == TaskStatusInProgress
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusCreated, TaskStatusInProgress, TaskStatusSuccessful, TaskStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskStatus(str)
	return s.Validate()
}

// Handler identifies who drives an order to completion.
type Handler string

const (
	// HandlerDirect orders are submitted to a deployer plugin and completed by its callback.
	HandlerDirect Handler = "DIRECT"

	// HandlerSaga orders are parents completed by the saga coordinator.
	HandlerSaga Handler = "SAGA"

	// HandlerInline orders complete within the admitting request (lock changes).
	HandlerInline Handler = "INLINE"
)

// Csp identifies a cloud service provider.
type Csp string

const (
	CspHuawei         Csp = "HUAWEI"
	CspFlexibleEngine Csp = "FLEXIBLE_ENGINE"
	CspOpenstack      Csp = "OPENSTACK"
	CspPlusServer     Csp = "PLUS_SERVER"
	CspRegioCloud     Csp = "REGIO_CLOUD"
	CspAws            Csp = "AWS"
	CspAzure          Csp = "AZURE"
	CspGcp            Csp = "GCP"
)

// SagaStatus is the lifecycle status of a saga instance.
type SagaStatus string

const (
	SagaStatusRunning          SagaStatus = "RUNNING"
	SagaStatusAwaitingDecision SagaStatus = "AWAITING_DECISION"
	SagaStatusCompleted        SagaStatus = "COMPLETED"
	SagaStatusClosed           SagaStatus = "CLOSED"
)

// IsTerminal returns true if the saga will never run another step.
func (s SagaStatus) IsTerminal() bool {
	return s == SagaStatusCompleted || s == SagaStatusClosed
}

// StepKind is the kind of child order a saga step creates.
type StepKind string

const (
	StepKindDeploy  StepKind = "DEPLOY"
	StepKindDestroy StepKind = "DESTROY"
)

// TaskType returns the child order task type for the step.
func (k StepKind) TaskType() TaskType {
	if k == StepKindDestroy {
		return TaskTypeDestroy
	}
	return TaskTypeDeploy
}

// StepStatus is the status of a single saga step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	StepStatusFailed    StepStatus = "FAILED"
)
