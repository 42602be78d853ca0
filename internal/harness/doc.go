// Package harness runs scenario files against a real log service and
// real sync engines.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	devices: [orga, alice]
//	setup:
//	  - create_orga: ORGA
//	    save_as: orga_code
//	flow:
//	  - device: orga
//	    op: redeem
//	    code: $orga_code
//	  - device: alice
//	    op: submit_sync
//	    events:
//	      - kind: SeedPlayer
//	        payload: { handle: ALICE, player_id: P1 }
//	    expect:
//	      outcome: ok
//	      cursor: 4
//	assertions:
//	  - type: projection
//	    device: alice
//	    expect: { players: { P1: { handle: ALICE } } }
//
// Flow ops are bootstrap, sync, sync_full, submit, submit_sync, share,
// redeem and verify. A step without an expect clause must succeed.
//
// # Assertion Types
//
//   - projection: subset match against a device's projection
//   - cursor: a device's final cursor
//   - state: a device's final engine state
//   - converged: devices hold identical canonical projections
//   - log_count: number of events the service accepted
//
// # Deterministic Testing
//
// Every run uses fresh in-memory databases, a log service stamping ts
// 1, 2, 3..., share codes code-1, code-2... and the bootstrap handles
// written in the flow. Runs are byte-for-byte reproducible, which is what
// the golden snapshots rely on.
package harness
