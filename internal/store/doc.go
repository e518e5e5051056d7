// Package store provides SQLite-backed durable storage for the study.
//
// The store keeps the whole study state in append-only tables:
//   - assignments: the shared ledger, one row per participant, in arrival order
//   - trials: one row per (participant, overall trial number)
//   - switches: first ride choice per (participant, condition)
//   - reflections: completed reflection per (participant, condition)
//   - events: diagnostic event log
//
// # Critical Patterns
//
// Idempotent writes
//   - Every insert uses ON CONFLICT DO NOTHING on its natural key
//   - Callers learn whether a row was new from the inserted flag
//
// Serialized allocation
//   - Allocate holds a process-wide lock around a transaction that checks for
//     an existing row, counts the ledger and inserts
//
// Atomic merge
//   - CompleteReflection writes the reflection row and rewrites the reflection
//     columns of every trial of that condition in one transaction
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: Acknowledged writes survive power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Trials, switches and reflections require a ledger row
//
// Either the cgo driver (github.com/mattn/go-sqlite3) or the pure-Go driver
// (modernc.org/sqlite) can be selected with OpenWithDriver.
package store
