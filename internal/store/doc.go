// Package store provides SQLite-backed durable storage for TPG sessions.
//
// The store keeps:
//   - Programs: compiled sequence programs keyed by content hash
//   - Operations: every engine mutation, per session
//   - Checkpoints: every checkpoint notification, per session
//
// # Ordering
//
// Records carry the logical seq of the engine clock, never timestamps.
// Every query orders by seq ASC, id ASC, so two reads of one session
// return identical results. (session, seq) is unique: rewriting a record
// is a no-op.
//
// # Schema
//
// PRAGMA user_version holds the schema version. Open applies each
// missing migration in its own transaction and refuses databases written
// by a newer tpgctl. Version 2 records the record format of each session.
//
// Connections are opened in WAL mode with synchronous=NORMAL, a 5 second
// busy timeout and foreign keys enforced.
package store
