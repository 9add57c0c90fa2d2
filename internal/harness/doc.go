// Package harness runs end-to-end host scenarios.
//
// A scenario deploys one module through the real deployment path, then
// drives the scheduler step by step against an in-memory host store, an
// in-memory chain source and a mem:// module store. Time only moves on
// "advance" steps and execution IDs are sequential, so the trace of a
// scenario is reproducible and can be compared against a golden file.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: transfer_match
//	description: "A matching transfer produces one incident"
//	chain:
//	  range: { start: 98, end: 110 }
//	  events:
//	    - address: "0xSAFE"
//	      topics: ["0x442e...556e"]
//	      data: "0x"
//	      transaction_hash: "0xaa01"
//	      block_number: 105
//	      log_index: 0
//	module:
//	  template: query_and_report
//	  query: "SELECT block_number, transaction_hash FROM events WHERE ..."
//	  severity: 3
//	  message: "transfer out of safe"
//	instances:
//	  - { id: inst-safe, chain: ethereum, address: "0xSAFE", start_block: 100 }
//	steps:
//	  - action: tick
//	  - action: deliver
//	assertions:
//	  - { type: incident_count, instance: inst-safe, count: 1 }
//	  - { type: cursor, instance: inst-safe, next: 111 }
//
// # Steps
//
//   - tick: one scheduler tick, waiting for every dispatched run
//   - crash: run the due windows, then drop the host before any outcome is written
//   - ack: acknowledge a degraded instance
//   - advance: move the clock by duration
//   - extend: append empty blocks to the chain
//   - deliver: drain the ledger outbox once
//
// # Assertion Types
//
//   - incident_count: number of incidents, optionally for one instance
//   - incident: some incident of the instance has the expected fields
//   - cursor: the instance's next unprocessed block
//   - instance_state: scheduling state and, optionally, failure count
//   - execution_statuses: statuses of the instance's execution records, oldest first
//   - outbox_pending: number of undelivered outbox entries
//
// # Deterministic Testing
//
// The harness uses a fixed clock that only moves on advance steps,
// sequential execution IDs and the instance IDs the scenario declares, so
// a passing scenario always produces the same trace.
package harness
