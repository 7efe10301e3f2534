// Package database persists the transcoding engine's durable state.
//
// It owns three tables:
//   - jobs: one row per unit of work, with status, priority and attempts
//   - results: one row per produced quality variant of a job
//   - storage_analytics: cached analytics snapshots keyed by metric name
//
// plus a small metadata key/value table for service bookkeeping.
//
// Callers program against the Store interface. Two backends implement it and
// one is selected at startup: a SQLite store (WAL mode, partial unique index
// guarding one active job per input path) and a gorm store for MySQL.
package database
