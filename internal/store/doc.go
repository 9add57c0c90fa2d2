// Package store provides SQLite-backed durable storage for vigil host state.
//
// Tables:
//   - modules: validated daemon binaries, keyed by content hash
//   - instances: module bindings to a chain subscription
//   - cursors: last processed block per instance (monotonic)
//   - instance_status: scheduler state and failure history
//   - execution_records: append-only sandbox run outcomes
//   - incidents: append-only findings, unique on dedup_key
//   - outbox: pending ledger submissions with idempotency keys
//
// # Critical Patterns
//
// Idempotent reports
//   - UNIQUE(dedup_key) on incidents
//   - The incident and its outbox entry are written in one transaction, so
//     a replayed report produces neither a second incident nor a second
//     ledger submission
//
// Monotonic cursors
//   - AdvanceCursor only updates when the new value is greater
//   - A crash between a run and its cursor write replays the window
//
// Deterministic listing
//   - Lists order by seq (insertion order) or by a BINARY-collated key
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Times are stored as UTC unix nanoseconds.
package store
