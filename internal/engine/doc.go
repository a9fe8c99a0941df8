// Package engine runs agent and projection subscriptions over the global
// event feed.
//
// Each subscription owns a checkpoint (agent id, subscription id) in the
// store. The runtime reads events past the checkpoint in global-position
// order and hands each one to the subscription's handler. The handler's
// writes and the checkpoint advance commit in one transaction, so an event
// is applied at most once even when two runtimes poll the same store.
//
// Handlers come in two shapes:
//
//   - Mutation handlers run inside the checkpoint transaction. They are
//     for projections and other pure store writes.
//   - Action handlers run outside any transaction (they may call slow
//     analyzers), then return an Effect. The Effect's Apply runs inside the
//     checkpoint transaction and its AfterCommit runs once the transaction
//     has committed.
//
// A handler failure never blocks the feed: the event is dead-lettered and
// the checkpoint moves past it. After FailureThreshold consecutive
// failures the subscription enters error_recovery and is skipped until it
// is resumed. Dead letters can be replayed or ignored.
//
// Run is a single polling loop. Notify wakes it early, for example right
// after an append.
package engine
