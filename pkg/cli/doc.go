// Package cli implements the rolegate command-line interface.
//
// # Commands
//
// migrate: create or upgrade the schema
//
//	rolegate migrate
//
// seed: apply a permission and role catalog (the built-in one by default)
//
//	rolegate seed ./catalog.yaml
//
// check: test a single permission; exits non-zero when denied
//
//	rolegate check 42 content.publish
//
// assign / revoke / onboard: administrative assignment changes, audited
//
//	rolegate assign -primary -expires-in 72h -by 1 -reason "trial" 42 premium-user
//	rolegate revoke -all-contexts 42 premium-user
//	rolegate onboard 42
//
// sweep: expire due assignments once
//
//	rolegate sweep -batch-size 500
//
// history / export: read the audit log
//
//	rolegate history -limit 20 42
//	rolegate export -format ndjson -since 2026-01-01T00:00:00Z -out audit.ndjson
//
// serve: run the cron sweeper, /health, /metrics and the read-only /rbac endpoints.
// Callers identify themselves with the X-Principal-ID header set by a trusted proxy.
//
//	rolegate serve -addr :8080 -require admin.roles
//
// All commands read configuration through pkg/config.
package cli
