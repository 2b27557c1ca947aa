// Package stores provides the durable order ledger and deployment state
// store of the broker. It includes a SQLite implementation with WAL mode,
// embedded migrations, transactional order admission guarded by a version
// column, idempotent order completion, the saga step table and an audit log.
package stores
