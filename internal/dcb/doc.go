// Package dcb implements Dynamic Consistency Boundaries: optimistic
// concurrency over a scope that spans several streams, and an asynchronous
// retry engine for scoped operations that lose the race.
//
// A scoped operation observes the scope version, decides with a pure
// function, and commits its events together with a single scope version
// bump. Losing the race is a Conflict result, not an error. The
// RetryEngine turns conflicts into delayed continuations on a work queue,
// keyed "dcb:"+scopeKey so retries for one scope never run concurrently,
// and gives up with DCB_MAX_RETRIES_EXCEEDED after a fixed number of
// attempts.
package dcb
