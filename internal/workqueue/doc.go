// Package workqueue runs named handlers asynchronously with delays,
// per-key serialization and a retry policy for handler errors.
//
// Jobs that share a Key run one at a time in enqueue order, even across
// retries and delays: a later job for a key never overtakes an earlier one.
// Jobs without a Key run as soon as they are due and a worker is free.
//
// When a job reaches a terminal outcome (success, or failure after the
// retry policy gives up) and Options.OnComplete names a handler, that
// handler is enqueued with a JSON-encoded Completion carrying the result
// and the caller's Options.Context.
package workqueue
