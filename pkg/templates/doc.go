// Package templates provides Template Registry adapters for the dispatcher.
//
// Three registries satisfy engine.TemplateRegistry:
//
//   - StaticRegistry serves a fixed catalog loaded from configuration or a
//     YAML file. It is meant for development and tests.
//   - GormRegistry reads the service catalog from PostgreSQL through gorm.
//   - CachedRegistry wraps either one and keeps positive lookups for a TTL.
//
// Lookups match on name, version and CSP. A request without a hosting type
// matches any hosting type; a request with one only matches templates that
// declare the same value or none.
package templates
