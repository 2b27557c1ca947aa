package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// OrderRequest is the single tagged request accepted by the broker.
// Payload is decoded according to Type.
type OrderRequest struct {
	Type    TaskType        `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`

	// ParentOrderID is set by the saga coordinator on child orders.
	ParentOrderID string `json:"-"`

	// TargetDeploymentID pins a child deploy to a preallocated deployment id.
	TargetDeploymentID string `json:"-"`

	// UserID acts on behalf of the saga owner when no request identity exists.
	UserID string `json:"-"`

	// SagaStepID binds a child order to the saga step it executes.
	SagaStepID string `json:"-"`

	// OriginalDeploymentID is the deployment a migrate or port child replaces.
	OriginalDeploymentID string `json:"-"`
}

// IsChild returns true for orders created by the saga coordinator.
func (r *OrderRequest) IsChild() bool {
	return r.ParentOrderID != ""
}

// OrderRef is returned to the caller once an order was admitted.
type OrderRef struct {
	OrderID      string `json:"orderId"`
	DeploymentID string `json:"deploymentId"`
}

// Payload is implemented by every typed order payload.
type Payload interface {
	// TargetDeployment returns the deployment the order acts on.
	// It is empty for orders that create a new deployment.
	TargetDeployment() string
}

// DeployPayload requests a new deployment of a catalog template.
type DeployPayload struct {
	Csp          Csp               `json:"csp" validate:"required"`
	Name         string            `json:"name" validate:"required"`
	Version      string            `json:"version" validate:"required"`
	Category     string            `json:"category,omitempty"`
	HostingType  string            `json:"serviceHostingType,omitempty"`
	Region       string            `json:"region,omitempty"`
	Flavor       string            `json:"flavor,omitempty"`
	BillingMode  string            `json:"billingMode,omitempty"`
	EulaAccepted bool              `json:"eulaAccepted"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// TargetDeployment implements Payload.
func (p *DeployPayload) TargetDeployment() string { return "" }

// TemplateRef returns the template reference requested by the payload.
func (p *DeployPayload) TemplateRef() TemplateRef {
	return TemplateRef{
		Name:        p.Name,
		Version:     p.Version,
		Csp:         p.Csp,
		Category:    p.Category,
		HostingType: p.HostingType,
		Region:      p.Region,
	}
}

// Overlay returns a copy of p with every non-zero field of o applied on top.
func (p DeployPayload) Overlay(o DeployPayload) DeployPayload {
	if o.Csp != "" {
		p.Csp = o.Csp
	}
	if o.Name != "" {
		p.Name = o.Name
	}
	if o.Version != "" {
		p.Version = o.Version
	}
	if o.Category != "" {
		p.Category = o.Category
	}
	if o.HostingType != "" {
		p.HostingType = o.HostingType
	}
	if o.Region != "" {
		p.Region = o.Region
	}
	if o.Flavor != "" {
		p.Flavor = o.Flavor
	}
	if o.BillingMode != "" {
		p.BillingMode = o.BillingMode
	}
	if o.EulaAccepted {
		p.EulaAccepted = true
	}
	if len(o.Properties) > 0 {
		merged := make(map[string]string, len(p.Properties)+len(o.Properties))
		for k, v := range p.Properties {
			merged[k] = v
		}
		for k, v := range o.Properties {
			merged[k] = v
		}
		p.Properties = merged
	}
	return p
}

// Modified returns p with the flavor and properties of a successful MODIFY
// applied, so later redeploys reproduce the modified deployment.
func (p DeployPayload) Modified(m ModifyPayload) DeployPayload {
	return p.Overlay(DeployPayload{Flavor: m.Flavor, Properties: m.Properties})
}

// ModifyPayload changes the flavor or properties of a deployment.
type ModifyPayload struct {
	DeploymentID string            `json:"deploymentId" validate:"required"`
	Flavor       string            `json:"flavor,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// TargetDeployment implements Payload.
func (p *ModifyPayload) TargetDeployment() string { return p.DeploymentID }

// DeploymentPayload addresses an existing deployment. Used by DESTROY, PURGE and RECREATE.
type DeploymentPayload struct {
	DeploymentID string `json:"deploymentId" validate:"required"`
}

// TargetDeployment implements Payload.
func (p *DeploymentPayload) TargetDeployment() string { return p.DeploymentID }

// ActionPayload runs a named service action against a deployment.
type ActionPayload struct {
	DeploymentID string            `json:"deploymentId" validate:"required"`
	ActionName   string            `json:"actionName" validate:"required"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// TargetDeployment implements Payload.
func (p *ActionPayload) TargetDeployment() string { return p.DeploymentID }

// LockChangePayload replaces the lock configuration of a deployment.
type LockChangePayload struct {
	DeploymentID string     `json:"deploymentId" validate:"required"`
	LockConfig   LockConfig `json:"lockConfig"`
}

// TargetDeployment implements Payload.
func (p *LockChangePayload) TargetDeployment() string { return p.DeploymentID }

// RelocatePayload requests a MIGRATE or PORT of an existing deployment.
// Target fields left empty inherit the original deployment's deploy request.
type RelocatePayload struct {
	OriginalDeploymentID string `json:"originalDeploymentId" validate:"required"`
	DeployPayload
}

// TargetDeployment implements Payload.
func (p *RelocatePayload) TargetDeployment() string { return p.OriginalDeploymentID }

// DecodePayload decodes raw into the payload type of t.
func DecodePayload(t TaskType, raw json.RawMessage) (Payload, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("payload is required for %s", t)
	}

	var p Payload
	switch t {
	case TaskTypeDeploy:
		p = &DeployPayload{}
	case TaskTypeModify:
		p = &ModifyPayload{}
	case TaskTypeDestroy, TaskTypePurge, TaskTypeRecreate:
		p = &DeploymentPayload{}
	case TaskTypeAction:
		p = &ActionPayload{}
	case TaskTypeLockChange:
		p = &LockChangePayload{}
	case TaskTypeMigrate, TaskTypePort:
		p = &RelocatePayload{}
	}

	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return p, nil
}

// DeployRequest decodes the deploy payload the deployment was created from.
// Deployments without a stored request fall back to their template reference.
func (d *Deployment) DeployRequest() (DeployPayload, error) {
	var base DeployPayload
	if len(d.Request) == 0 {
		ref := d.Template
		return DeployPayload{
			Csp:         ref.Csp,
			Name:        ref.Name,
			Version:     ref.Version,
			Category:    ref.Category,
			HostingType: ref.HostingType,
			Region:      ref.Region,
		}, nil
	}
	if err := json.Unmarshal(d.Request, &base); err != nil {
		return base, fmt.Errorf("failed to decode deploy request of %s: %w", d.ID, err)
	}
	return base, nil
}
