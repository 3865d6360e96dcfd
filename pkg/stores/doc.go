// Package stores provides the deploy agent's persistence layer.
// It is a SQLite store with WAL mode and embedded migrations that keeps the
// rollback snapshot of each deployed unit and the history of instance-sync results.
package stores
