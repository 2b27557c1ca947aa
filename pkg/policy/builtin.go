package policy

import (
	"time"
)

// BuiltinPolicies returns the admission policies every engine starts with.
func BuiltinPolicies() []Policy {
	now := time.Now()
	policies := []Policy{
		allowedCspsPolicy(),
		pinnedTemplateVersionPolicy(),
		authenticatedUserPolicy(),
		purgeNoticePolicy(),
	}
	for i := range policies {
		policies[i].Builtin = true
		policies[i].Enabled = true
		policies[i].CreatedAt = now
		policies[i].UpdatedAt = now
	}
	return policies
}

// allowedCspsPolicy restricts orders to the configured cloud providers.
// An empty allow list admits every provider.
func allowedCspsPolicy() Policy {
	return Policy{
		Name:        "allowed-csps",
		Description: "Orders may only target cloud service providers enabled for this broker",
		Severity:    SeverityError,
		Tags:        []string{"csp", "governance"},
		Rego: `package broker.admission.csp

import rego.v1

default allowed := []

allowed := data.broker.config.allowed_csps

deny contains violation if {
	count(allowed) > 0
	csp := input.template.csp
	not csp in allowed
	violation := {
		"message": sprintf("cloud service provider %s is not enabled", [csp]),
		"severity": "error",
	}
}
`,
	}
}

// pinnedTemplateVersionPolicy refuses deploys against floating versions.
func pinnedTemplateVersionPolicy() Policy {
	return Policy{
		Name:        "pinned-template-version",
		Description: "Deploy orders must reference an exact template version",
		Severity:    SeverityError,
		Tags:        []string{"templates"},
		Rego: `package broker.admission.versions

import rego.v1

floating := {"", "latest", "*"}

deny contains violation if {
	input.operation == "DEPLOY"
	input.template.version in floating
	violation := {
		"message": sprintf("template %s must be deployed with a pinned version", [input.template.name]),
		"severity": "error",
	}
}
`,
	}
}

// authenticatedUserPolicy rejects orders that reached admission without a caller.
func authenticatedUserPolicy() Policy {
	return Policy{
		Name:        "authenticated-user",
		Description: "Every order must carry the id of the user who placed it",
		Severity:    SeverityCritical,
		Tags:        []string{"security"},
		Rego: `package broker.admission.identity

import rego.v1

deny contains violation if {
	object.get(input, "user_id", "") == ""
	violation := {
		"message": "orders require an authenticated user",
		"severity": "critical",
	}
}
`,
	}
}

// purgeNoticePolicy flags purges for audit without blocking them.
func purgeNoticePolicy() Policy {
	return Policy{
		Name:        "purge-notice",
		Description: "Purges remove leftover resources and are reported for audit",
		Severity:    SeverityWarning,
		Tags:        []string{"audit"},
		Rego: `package broker.admission.purge

import rego.v1

deny contains violation if {
	input.operation == "PURGE"
	violation := {
		"message": sprintf("deployment %s is being purged from state %s", [input.deployment_id, input.deployment_state]),
		"severity": "warning",
	}
}
`,
	}
}
