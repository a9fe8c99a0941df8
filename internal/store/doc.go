// Package store provides SQLite-backed durable storage for the platform.
//
// The store holds:
//   - Events + Streams: append-only event log with per-stream OCC versions
//   - DCB Scopes: one OCC version per multi-entity consistency boundary
//   - CMS Snapshots: current-state records written in the same tx as events
//   - Agent Checkpoints, Dead Letters, Approvals: agent bookkeeping
//   - Commands: the command bus idempotency ledger
//
// # Critical Patterns
//
// Expected outcomes are data, not errors:
//   - A version mismatch returns Status "conflict" with the current version
//   - A duplicate approval id returns AlreadyExists
//   - Approve/reject of a terminal or expired approval returns ReviewError
//   - A duplicate command id returns RecordDuplicate
//
// Only infrastructure failures and malformed requests (ErrInvalidRequest)
// are returned as errors.
//
// Atomicity:
//   - Every write runs in a Tx; callers compose several writes with WithTx
//   - Transient lock errors restart the whole Tx with backoff
//
// Deterministic query results:
//   - Stream reads ORDER BY version, feed reads ORDER BY global_position
//   - List queries always carry a total ORDER BY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - One open connection: every transaction is serialized
//
// Payloads are stored as canonical JSON (see ir.Canonicalize).
package store
