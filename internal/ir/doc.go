// Package ir provides the shared record types of the platform: stored
// events, stream and scope version counters, agent checkpoints, approvals,
// dead letters and command ledger entries.
//
// This package contains type definitions and pure functions only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Payloads are opaque JSON, stored in canonical form (see Canonicalize)
//   - Stream versions are 1-based and gap-free; version 0 means "no stream"
//   - Global positions come from GlobalPosition and are never reused
//   - All JSON tags use snake_case
package ir
