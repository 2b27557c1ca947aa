// Package engine provides the core types and interfaces of the order broker.
//
// # Overview
//
// The broker accepts deployment orders for managed cloud services and drives
// them to completion asynchronously. Every order follows the same path:
//
//  1. Admission - validate the payload, check ownership, locks and the
//     in-flight order, then persist the order and move the deployment into
//     its transient state in one transaction
//  2. Dispatch - hand the order to the DeployerPlugin of its cloud provider
//  3. Correlation - apply the executor's result exactly once and settle the
//     deployment state
//
// Recreate, migrate and port orders are sagas: a parent order whose steps
// are child deploy and destroy orders.
//
// # Core Domain Types
//
//   - Deployment: a deployed service instance with its state, lock flags and
//     resource snapshot
//   - Order: one requested operation on a deployment
//   - SagaInstance and SagaStep: the progress of a composite order
//   - CallbackResult: the outcome an executor reports for an order
//
// # State Graph
//
// DeploymentState values move along a fixed graph. CanTransition and
// ValidateTransition check edges; TransientFor and TerminalFor give the
// state an order type enters on admission and on completion:
//
//	DEPLOYING -> DEPLOY_SUCCESS | DEPLOY_FAILED
//	DEPLOY_SUCCESS -> MODIFYING | DESTROYING | RECREATING | MIGRATING | PORTING
//	DESTROYING -> DESTROY_SUCCESS | DESTROY_FAILED | PURGED
//
// PURGED is terminal.
//
// # Errors
//
// Every error crossing a package boundary is a *BrokerError with a class.
// Validation, authorization, conflict and not found errors are returned
// before an order row exists. Execution failures are recorded on the order
// and observed by polling:
//
//	if errors.Is(err, engine.ErrServiceLocked) {
//	    // a lock flag rejected the order
//	}
//
// # Identity
//
// Callers are attached to a context with WithUser and read back through
// ContextIdentity. Administrators may act on any user's deployments.
package engine
