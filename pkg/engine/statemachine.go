package engine

import "fmt"

// stateGraph lists every allowed deployment state transition.
// Composite saga states may fall back to a settled state when an
// operator closes a saga that never touched the deployment.
var stateGraph = map[DeploymentState]map[DeploymentState]struct{}{
	StateDeploying: {
		StateDeploySuccess: {},
		StateDeployFailed:  {},
	},
	StateDeploySuccess: {
		StateModifying:  {},
		StateDestroying: {},
		StateRecreating: {},
		StateMigrating:  {},
		StatePorting:    {},
	},
	StateDeployFailed: {
		StateDeploying:  {},
		StateDestroying: {},
	},
	StateModifying: {
		StateModifySuccess: {},
		StateModifyFailed:  {},
	},
	StateModifySuccess: {
		StateModifying:  {},
		StateDestroying: {},
		StateRecreating: {},
		StateMigrating:  {},
		StatePorting:    {},
	},
	StateModifyFailed: {
		StateModifying:  {},
		StateDestroying: {},
		StateRecreating: {},
		StateMigrating:  {},
		StatePorting:    {},
	},
	StateDestroying: {
		StateDestroySuccess: {},
		StateDestroyFailed:  {},
		StatePurged:         {},
	},
	StateDestroySuccess: {
		StateDeploying:  {},
		StateDestroying: {},
	},
	StateDestroyFailed: {
		StateDestroying: {},
	},
	StateRecreating: compositeExits(),
	StateMigrating:  compositeExits(),
	StatePorting:    compositeExits(),
	StatePurged:     {},
}

func compositeExits() map[DeploymentState]struct{} {
	return map[DeploymentState]struct{}{
		StateDestroying:    {},
		StateDeploySuccess: {},
		StateModifySuccess: {},
		StateModifyFailed:  {},
	}
}

// actionStates are the settled states in which ACTION orders are admitted.
var actionStates = map[DeploymentState]struct{}{
	StateDeploySuccess: {},
	StateModifySuccess: {},
	StateModifyFailed:  {},
	StateDestroyFailed: {},
}

// purgeStates are the states a PURGE order may start from.
var purgeStates = map[DeploymentState]struct{}{
	StateDeployFailed:   {},
	StateDestroySuccess: {},
	StateDestroyFailed:  {},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to DeploymentState) bool {
	_, ok := stateGraph[from][to]
	return ok
}

// ValidateTransition returns an error if from -> to is not allowed.
func ValidateTransition(from, to DeploymentState) error {
	if err := from.Validate(); err != nil {
		return err
	}
	if err := to.Validate(); err != nil {
		return err
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid deployment transition: %s -> %s", from, to)
	}
	return nil
}

// ActionAllowed reports whether an ACTION order may run in state s.
func ActionAllowed(s DeploymentState) bool {
	_, ok := actionStates[s]
	return ok
}

// PurgeAllowed reports whether a PURGE order may start in state s.
func PurgeAllowed(s DeploymentState) bool {
	_, ok := purgeStates[s]
	return ok
}

// TransientFor returns the state a deployment enters when an order of type t
// is admitted. An empty result means admission leaves the state unchanged.
func TransientFor(t TaskType) DeploymentState {
	switch t {
	case TaskTypeDeploy:
		return StateDeploying
	case TaskTypeModify:
		return StateModifying
	case TaskTypeDestroy, TaskTypePurge:
		return StateDestroying
	case TaskTypeRecreate:
		return StateRecreating
	case TaskTypeMigrate:
		return StateMigrating
	case TaskTypePort:
		return StatePorting
	default:
		return ""
	}
}

// TerminalFor returns the state a deployment enters when a direct order of
// type t completes. An empty result means completion leaves the state unchanged.
func TerminalFor(t TaskType, success bool) DeploymentState {
	switch t {
	case TaskTypeDeploy:
		if success {
			return StateDeploySuccess
		}
		return StateDeployFailed
	case TaskTypeModify:
		if success {
			return StateModifySuccess
		}
		return StateModifyFailed
	case TaskTypeDestroy:
		if success {
			return StateDestroySuccess
		}
		return StateDestroyFailed
	case TaskTypePurge:
		if success {
			return StatePurged
		}
		return StateDestroyFailed
	default:
		return ""
	}
}
