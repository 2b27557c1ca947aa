// Package lockguard decides whether a deployment may accept a new order.
//
// The guard is pure: it inspects a deployment row that the caller read inside
// the admission transaction, so the check and the subsequent writes commit or
// roll back together.
package lockguard

import (
	"fmt"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

// Request is the order asking for admission.
type Request struct {
	DeploymentID  string
	TaskType      engine.TaskType
	ParentOrderID string
}

// Guard applies lock flags, the single in-flight slot and the state graph.
type Guard struct{}

// New creates a Guard.
func New() *Guard {
	return &Guard{}
}

// Admit returns nil when req may be admitted against d. d is nil when the
// deployment does not exist yet. activeChildren counts the non-terminal
// siblings of a saga child.
func (g *Guard) Admit(d *engine.Deployment, req Request, activeChildren int) error {
	if d == nil {
		if req.TaskType.CreatesDeployment() {
			return nil
		}
		return engine.NewNotFoundError("deployment", req.DeploymentID).
			WithOperation(string(req.TaskType))
	}

	if d.State.IsTerminal() {
		return conflict(engine.ErrCodeInvalidTransition, d, req,
			fmt.Sprintf("deployment is %s and accepts no further orders", d.State))
	}

	child := req.ParentOrderID != ""

	// Saga children were admitted under both lock flags through their parent.
	if !child && d.Lock.Rejects(req.TaskType) {
		return conflict(engine.ErrCodeServiceLocked, d, req, lockReason(d.Lock, req.TaskType)).
			WithDetail("destroyLocked", d.Lock.DestroyLocked).
			WithDetail("modifyLocked", d.Lock.ModifyLocked)
	}

	if req.TaskType == engine.TaskTypeLockChange {
		return nil
	}

	if err := g.checkSlot(d, req, child, activeChildren); err != nil {
		return err
	}

	return g.checkState(d, req)
}

// Func adapts the guard to the store's admission callback.
func (g *Guard) Func(req Request) func(*engine.Deployment, int) error {
	return func(d *engine.Deployment, activeChildren int) error {
		return g.Admit(d, req, activeChildren)
	}
}

func (g *Guard) checkSlot(d *engine.Deployment, req Request, child bool, activeChildren int) error {
	if !child {
		if d.ActiveOrderID != "" {
			return conflict(engine.ErrCodeOrderInProgress, d, req,
				fmt.Sprintf("order %s is still in progress", d.ActiveOrderID)).
				WithDetail("activeOrderId", d.ActiveOrderID)
		}
		return nil
	}

	if d.ActiveOrderID != req.ParentOrderID {
		return conflict(engine.ErrCodeOrderInProgress, d, req,
			"deployment is not held by the parent order").
			WithDetail("activeOrderId", d.ActiveOrderID)
	}
	if activeChildren > 0 {
		return conflict(engine.ErrCodeOrderInProgress, d, req,
			"another step of the same saga is still in progress")
	}
	return nil
}

func (g *Guard) checkState(d *engine.Deployment, req Request) error {
	switch req.TaskType {
	case engine.TaskTypeAction:
		if engine.ActionAllowed(d.State) {
			return nil
		}
	case engine.TaskTypePurge:
		if engine.PurgeAllowed(d.State) {
			return nil
		}
	default:
		next := engine.TransientFor(req.TaskType)
		if next != "" && engine.CanTransition(d.State, next) {
			return nil
		}
	}

	if d.State.IsTransient() {
		return conflict(engine.ErrCodeOrderInProgress, d, req,
			fmt.Sprintf("deployment is %s", d.State))
	}
	return conflict(engine.ErrCodeInvalidTransition, d, req,
		fmt.Sprintf("%s is not allowed while the deployment is %s", req.TaskType, d.State))
}

func lockReason(l engine.LockConfig, t engine.TaskType) string {
	if l.DestroyLocked && t.GatedByDestroyLock() {
		return fmt.Sprintf("%s rejected: deployment is destroy locked", t)
	}
	return fmt.Sprintf("%s rejected: deployment is modify locked", t)
}

func conflict(code string, d *engine.Deployment, req Request, msg string) *engine.BrokerError {
	return engine.NewConflictError(code, msg).
		WithResource(d.ID).
		WithOperation(string(req.TaskType))
}
