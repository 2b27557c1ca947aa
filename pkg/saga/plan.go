package saga

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

// planSteps lays out the child orders of a saga.
//
// MIGRATE and PORT deploy the replacement before destroying the original, so
// a failed destroy leaves both standing. RECREATE destroys first and then
// redeploys the same deployment id.
func planSteps(sg *engine.SagaInstance) ([]*engine.SagaStep, error) {
	var kinds []engine.StepKind
	var targets []string

	switch sg.Kind {
	case engine.TaskTypeMigrate, engine.TaskTypePort:
		kinds = []engine.StepKind{engine.StepKindDeploy, engine.StepKindDestroy}
		targets = []string{sg.NewDeploymentID, sg.OriginalDeploymentID}
	case engine.TaskTypeRecreate:
		kinds = []engine.StepKind{engine.StepKindDestroy, engine.StepKindDeploy}
		targets = []string{sg.OriginalDeploymentID, sg.OriginalDeploymentID}
	default:
		return nil, fmt.Errorf("task type %s is not a saga", sg.Kind)
	}

	steps := make([]*engine.SagaStep, len(kinds))
	for i, kind := range kinds {
		steps[i] = &engine.SagaStep{
			ID:           uuid.NewString(),
			SagaID:       sg.ID,
			Seq:          i,
			Kind:         kind,
			DeploymentID: targets[i],
			Status:       engine.StepStatusPending,
		}
	}
	return steps, nil
}

// retryCount returns the parent counter charged for failures of kind.
func retryCount(parent *engine.Order, kind engine.StepKind) int {
	if kind == engine.StepKindDestroy {
		return parent.DestroyRetryNum
	}
	return parent.DeployRetryNum
}

// withRetry returns the parent counters after one more failure of kind.
func withRetry(parent *engine.Order, kind engine.StepKind) (deploy, destroy int) {
	deploy, destroy = parent.DeployRetryNum, parent.DestroyRetryNum
	if kind == engine.StepKindDestroy {
		destroy++
	} else {
		deploy++
	}
	return deploy, destroy
}

// involvedDeployments lists the deployments whose slot the saga may hold.
func involvedDeployments(sg *engine.SagaInstance) []string {
	if sg.NewDeploymentID == "" || sg.NewDeploymentID == sg.OriginalDeploymentID {
		return []string{sg.OriginalDeploymentID}
	}
	return []string{sg.OriginalDeploymentID, sg.NewDeploymentID}
}
