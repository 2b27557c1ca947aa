// Package policy evaluates admission policies written in Rego.
//
// The Engine implements engine.AdmissionPolicy. The dispatcher calls Admit
// for every order after validation and before the order is admitted. Each
// policy is a Rego module whose package defines a deny set:
//
//	package broker.admission.regions
//
//	import rego.v1
//
//	deny contains violation if {
//		input.operation == "DEPLOY"
//		input.template.region == "cn-north-1"
//		violation := {"message": "region is closed for new deployments"}
//	}
//
// The input document is the engine.AdmissionInput of the order (operation,
// user_id, template, deployment_id, deployment_state, saga) plus a context
// object. Configured data is available under data.broker.config.
//
// Deny entries with severity error or critical reject the order with a
// POLICY_DENIED validation error; info and warning entries are only logged.
// A policy that fails to evaluate is reported as a warning and does not block
// admission.
//
// # Policy files
//
// Custom policies are loaded from .rego files (named after the file, with
// the leading comment block as description and an optional
// "# severity: warning" line) or .json files holding a serialized Policy.
// Engine.Watch reloads them on change. A reload that fails to compile keeps
// the previous set.
//
// # Built-in policies
//
//   - allowed-csps: restricts orders to data.broker.config.allowed_csps
//   - pinned-template-version: deploys must name an exact template version
//   - authenticated-user: orders must carry a user id
//   - purge-notice: purges are reported as warnings
package policy
