package engine

import (
	"context"
)

// TemplateMetadata is what the template registry knows about a catalog entry.
type TemplateMetadata struct {
	// ID is the registry id of the template.
	ID string `json:"id"`

	Name        string `json:"name"`
	Version     string `json:"version"`
	Csp         Csp    `json:"csp"`
	Category    string `json:"category,omitempty"`
	HostingType string `json:"serviceHostingType,omitempty"`

	// Available is false for templates that were unpublished or are under review.
	Available bool `json:"available"`

	// BillingModes lists the billing modes the template supports.
	BillingModes []string `json:"billingModes,omitempty"`

	// Eula is non-empty when deployments require explicit EULA acceptance.
	Eula string `json:"eula,omitempty"`
}

// SupportsBillingMode reports whether mode is accepted.
// An empty mode is accepted by templates that declare no billing modes.
func (m *TemplateMetadata) SupportsBillingMode(mode string) bool {
	if len(m.BillingModes) == 0 {
		return true
	}
	for _, b := range m.BillingModes {
		if b == mode {
			return true
		}
	}
	return false
}

// TemplateRegistry resolves catalog templates.
type TemplateRegistry interface {
	// Validate returns the metadata of the matching template or a NotFound error.
	Validate(ctx context.Context, name, version string, csp Csp, hostingType string) (*TemplateMetadata, error)
}

// DeployerPlugin submits work to an external IaC executor for one CSP.
type DeployerPlugin interface {
	// Csp returns the cloud service provider served by the plugin.
	Csp() Csp

	// Submit hands the task to the executor and returns as soon as it was accepted.
	// It must not wait for infrastructure completion.
	Submit(ctx context.Context, task *DeployTask) error

	// FetchResult pulls a stored result the executor failed to push.
	// It returns a NotFound error while no result exists yet.
	FetchResult(ctx context.Context, orderID string) (*CallbackResult, error)
}

// Identity exposes the caller of the current request.
type Identity interface {
	// CurrentUserID returns the id of the calling user.
	CurrentUserID(ctx context.Context) (string, error)

	// IsAdmin reports whether the caller may act on other users' orders.
	IsAdmin(ctx context.Context) bool
}

// AdmissionPolicy is consulted by the dispatcher before an order is admitted.
type AdmissionPolicy interface {
	// Admit returns a validation error when a policy denies the request.
	Admit(ctx context.Context, input *AdmissionInput) error
}

// AdmissionInput is the document admission policies are evaluated against.
type AdmissionInput struct {
	Operation       TaskType        `json:"operation"`
	UserID          string          `json:"user_id"`
	Template        TemplateRef     `json:"template"`
	DeploymentID    string          `json:"deployment_id,omitempty"`
	DeploymentState DeploymentState `json:"deployment_state,omitempty"`
	Saga            bool            `json:"saga"`
}

type identityKey struct{}

// staticIdentity carries a caller attached to a context.
type staticIdentity struct {
	userID string
	admin  bool
}

// WithUser returns a context carrying userID as the calling user.
func WithUser(ctx context.Context, userID string, admin bool) context.Context {
	return context.WithValue(ctx, identityKey{}, staticIdentity{userID: userID, admin: admin})
}

// ContextIdentity reads the caller attached with WithUser.
type ContextIdentity struct{}

// CurrentUserID implements Identity.
func (ContextIdentity) CurrentUserID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(identityKey{}).(staticIdentity)
	if !ok || id.userID == "" {
		return "", NewAuthorizationError("no authenticated user in request")
	}
	return id.userID, nil
}

// IsAdmin implements Identity.
func (ContextIdentity) IsAdmin(ctx context.Context) bool {
	id, ok := ctx.Value(identityKey{}).(staticIdentity)
	return ok && id.admin
}
