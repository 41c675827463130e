// Package harness runs TPG scenarios against the simulated hardware.
//
// A scenario loads CUE programs, builds a TPG on a sim.Machine and
// executes a list of steps: engine mutations, hardware ticks and
// dispatcher passes. Every engine operation, observed engine action,
// checkpoint notification and callback is appended to one trace, which
// assertions inspect and golden files pin down.
//
// # Scenario Format
//
//	name: burst
//	description: "One beam engine loops a request and a checkpoint"
//	programs:
//	  - programs/burst.cue
//	tpg:
//	  beam_engines: 1
//	steps:
//	  - do: insert
//	    engine: 0
//	    program: burst
//	    as: b
//	  - do: set_address
//	    sequence: b
//	  - do: reset
//	    engines: [0]
//	  - do: tick
//	    count: 4
//	  - do: poll
//	  - do: remove
//	    sequence: b
//	    expect_error: NOT_FOUND
//	assertions:
//	  - type: trace_count
//	    event: sim:request
//	    count: 1
//	  - type: final_state
//	    table: operations
//	    where: { op: insert }
//	    expect: { address: 1 }
//
// Program paths are relative to the scenario file. Sequence references
// are either an alias given by an earlier insert or a numeric id.
//
// # Assertion Types
//
//   - trace_contains: an event key appears in the trace
//   - trace_order: event keys appear in the given order
//   - trace_count: an event key appears exactly N times
//   - sim_state: fields of one engine's simulated state
//   - final_state: one row of a store table
//
// Event keys are "type:name", for example "op:insert", "sim:request",
// "callback:done", "notify:checkpoint", "irq:fault" or "error:NOT_FOUND".
//
// # Deterministic Testing
//
// Each run uses a fresh in-memory store, a fixed session token, a fresh
// logical clock and a single goroutine for ticks and dispatcher passes,
// so a scenario always produces the same trace.
package harness
