package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

// Identity names one executor service family.
type Identity string

const (
	// IdentityTerraformBoot is the first generation Terraform runner.
	IdentityTerraformBoot Identity = "terraform-boot"
	// IdentityTerraBoot is the renamed Terraform runner.
	IdentityTerraBoot Identity = "terra-boot"
	// IdentityTofuMaker is the OpenTofu runner.
	IdentityTofuMaker Identity = "tofu-maker"
)

// Validate checks if the identity is known.
func (i Identity) Validate() error {
	switch i {
	case IdentityTerraformBoot, IdentityTerraBoot, IdentityTofuMaker:
		return nil
	default:
		return fmt.Errorf("invalid executor identity: %s", i)
	}
}

// Operation is the executor endpoint an order is sent to.
type Operation string

const (
	// OperationDeploy creates infrastructure from scratch.
	OperationDeploy Operation = "deploy"
	// OperationModify applies changed variables to existing infrastructure.
	OperationModify Operation = "modify"
	// OperationDestroy tears infrastructure down using the stored state.
	OperationDestroy Operation = "destroy"
)

// OperationFor maps a direct task type to its executor operation.
func OperationFor(t engine.TaskType) (Operation, error) {
	switch t {
	case engine.TaskTypeDeploy:
		return OperationDeploy, nil
	case engine.TaskTypeModify, engine.TaskTypeAction:
		return OperationModify, nil
	case engine.TaskTypeDestroy, engine.TaskTypePurge:
		return OperationDestroy, nil
	default:
		return "", fmt.Errorf("task type %s is not executed by a deployer", t)
	}
}

// SubmitRequest is the body posted to an executor.
type SubmitRequest struct {
	RequestID    string         `json:"requestId"`
	DeploymentID string         `json:"deploymentId"`
	TaskType     string         `json:"taskType"`
	Template     string         `json:"template"`
	Region       string         `json:"region,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	EnvVariables map[string]any `json:"envVariables,omitempty"`

	// TerraformState is the state returned by the previous run. Empty for
	// deploys and for deployments that never produced state.
	TerraformState string `json:"terraformState,omitempty"`

	// CallbackURL is where the executor posts its ResultPayload.
	CallbackURL string `json:"callbackUrl"`
}

// Validate checks the request before it is sent.
func (r *SubmitRequest) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request id is required")
	}
	if r.CallbackURL == "" {
		return fmt.Errorf("callback url is required")
	}
	return nil
}

// ResultPayload is what executors post to the webhook and return from the
// stored result endpoint.
type ResultPayload struct {
	RequestID         string                    `json:"requestId"`
	CommandSuccessful bool                      `json:"commandSuccessful"`
	CommandStdError   string                    `json:"commandStdError,omitempty"`
	TerraformState    string                    `json:"terraformState,omitempty"`
	Outputs           map[string]string         `json:"outputs,omitempty"`
	DeployedResources []engine.DeployedResource `json:"deployedResources,omitempty"`
}

// ToResult converts the payload into a result for order orderID. The path
// parameter wins over the request id echoed in the body.
func (p *ResultPayload) ToResult(orderID string) (*engine.CallbackResult, error) {
	if orderID == "" {
		orderID = p.RequestID
	}
	if p.RequestID != "" && p.RequestID != orderID {
		return nil, engine.NewValidationError("",
			fmt.Sprintf("result is for request %s, not order %s", p.RequestID, orderID))
	}

	res := &engine.CallbackResult{
		OrderID:   orderID,
		Success:   p.CommandSuccessful,
		Outputs:   p.Outputs,
		Resources: p.DeployedResources,
	}
	if !p.CommandSuccessful {
		res.ErrorMessage = strings.TrimSpace(p.CommandStdError)
	}
	if p.TerraformState != "" {
		state, err := json.Marshal(p.TerraformState)
		if err != nil {
			return nil, fmt.Errorf("failed to encode executor state: %w", err)
		}
		res.ExecutorState = state
	}
	return res, nil
}

// stateOf returns the executor state stored in a snapshot.
func stateOf(s *engine.ResourceSnapshot) string {
	if s == nil || len(s.ExecutorState) == 0 {
		return ""
	}
	var state string
	if err := json.Unmarshal(s.ExecutorState, &state); err == nil {
		return state
	}
	// Snapshots written by other plugins may carry a JSON document.
	return string(s.ExecutorState)
}

// variablesOf extracts the executor variables from an order payload.
func variablesOf(request json.RawMessage) (map[string]any, error) {
	if len(request) == 0 {
		return nil, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(request, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode order request: %w", err)
	}

	vars := map[string]any{}
	if props, ok := raw["properties"].(map[string]any); ok {
		for k, v := range props {
			vars[k] = v
		}
	}
	for _, key := range []string{"flavor", "billingMode", "actionName"} {
		if v, ok := raw[key]; ok && v != "" {
			vars[key] = v
		}
	}
	return vars, nil
}
