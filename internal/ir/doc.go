// Package ir holds the shared data model for vigil.
//
// Every other internal package imports ir; ir imports nothing internal.
// It defines the records the host persists (modules, instances, cursors,
// incidents, execution records), the scalar values a restricted query
// returns, and the content-addressed identities derived from them.
//
// Key constraints:
//   - Block numbers are uint64 and block ranges are inclusive on both ends
//   - Query values are one of Null, Int, String, Bytes (no floats)
//   - Identities are domain-separated SHA-256 over canonical JSON
//   - All JSON tags use snake_case
package ir
