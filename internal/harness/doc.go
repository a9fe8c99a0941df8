// Package harness runs YAML conformance scenarios against the fully wired
// platform: commands go through the real command bus, the subscription
// engine and DCB retry queue settle after every step, and assertions run
// against the resulting event log, snapshots and command ledger.
//
// # Scenario Format
//
//	name: reserve_and_confirm
//	description: "What this scenario validates"
//	reservation_strategy: hash        # optional, hash by default
//	agents: agents.yaml               # optional, relative to the scenario
//	setup:
//	  - command: CreateProduct
//	    payload: { productId: p-1, name: Widget, initialStock: 5 }
//	flow:
//	  - command: SubmitOrder
//	    command_id: submit-ord-1      # optional
//	    payload: { orderId: ord-1 }
//	    advance: 25h                  # optional clock jump after settling
//	    expect:
//	      status: rejected
//	      code: EMPTY_ORDER
//	assertions:
//	  - type: event_contains
//	    event_type: OrderConfirmed
//	    stream: "Order:ord-1"
//	    payload: { orderId: ord-1 }
//	  - type: snapshot
//	    context: inventory
//	    entity_id: p-1
//	    expect: { available: 3 }
//
// # Assertion Types
//
//   - event_contains: some event has the type, stream and payload subset
//   - event_order: first occurrences of the event types are in order
//   - event_count: exactly N events match
//   - snapshot: stored entity state contains the expected fields
//   - command_status: the ledger holds the command with the given status
//
// # Deterministic Testing
//
// Every scenario runs in a fresh in-memory SQLite database, on a
// testutil.FakeClock starting at Epoch, with sequential event and job ids
// and hash reservation ids. Traces are therefore byte-identical across
// runs and can be compared against golden files with RunWithGolden.
package harness
