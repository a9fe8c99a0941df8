// Package agent turns the event feed into agent decisions.
//
// An agent owns an ordered list of patterns. For each incoming event the
// Executor walks the list in order: it narrows the history to the
// pattern's window, runs the cheap trigger, and, for hybrid patterns, the
// analyzer. The first decisive pattern wins and later patterns are never
// evaluated. Every evaluated pattern is recorded in the audit trail.
//
// Analyzer failures are fail-closed: by default the pattern is skipped and
// no decision is fabricated. A pattern must opt in to FallbackToTrigger to
// decide from its trigger alone when the analyzer is down.
//
// Handler wires an agent into the engine as an action subscription:
// decisions are appended to the agent's stream, low-confidence decisions
// become pending approvals, and the rest are dispatched on the command bus.
package agent
