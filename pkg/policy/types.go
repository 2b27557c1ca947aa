package policy

import (
	"time"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block admission.
	SeverityWarning Severity = "warning"

	// SeverityError blocks admission.
	SeverityError Severity = "error"

	// SeverityCritical blocks admission and is logged at error level.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny an order.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego admission policy.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego is the policy source. Its package must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	Enabled bool     `json:"enabled"`
	Builtin bool     `json:"builtin,omitempty"`
	Tags    []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata, such as the source file.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string                 `json:"policy"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when at least one blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
}

// Messages returns the messages of the blocking violations.
func (r *Result) Messages() []string {
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.Message)
	}
	return msgs
}

// Input is the document policies see as input. The admission fields are
// inlined, so policies read input.operation, input.template.csp and so on.
type Input struct {
	*engine.AdmissionInput

	Context *Context `json:"context"`
}

// Context carries evaluation metadata.
type Context struct {
	Timestamp time.Time `json:"timestamp"`

	// Environment is the configured deployment environment, if any.
	Environment string `json:"environment,omitempty"`
}

// Bundle is a versioned collection of policies stored as one JSON file.
type Bundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}
