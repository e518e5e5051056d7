// Package harness replays scripted participant journeys against the flow
// controller and checks the outcome.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	backend: sqlite            # or files; defaults to sqlite
//	steps:
//	  - op: assign
//	    participant: P1
//	    expect:
//	      outcome: ok
//	      next: BlockIntro(1,0)
//	  - op: choose
//	    participant: P1
//	    trial: 0
//	    count: 10              # trials 0..9, all with the same choice
//	    choice: walking
//	  - op: reflect
//	    participant: P1
//	    condition: 0
//	    answers:
//	      walking_reason: "short trips"
//	assertions:
//	  - type: trace_contains
//	    op: reflect
//	    outcome: ok
//	  - type: final_state
//	    participant: P1
//	    expect: { next: "BlockIntro(2,10)", reflections: 1 }
//
// # Operations
//
//   - assign: Assign the participant
//   - trial: GetTrial(trial)
//   - choose: RecordChoice for trial (or count trials starting there)
//   - subject: ReflectionSubject(condition)
//   - reflect: SubmitReflection(condition, answers)
//   - complete: Complete
//   - event: LogEvent(event, data)
//
// Every call appends one TraceEvent. Its outcome is "ok", "duplicate",
// "redirect" or the study error code.
//
// # Assertion Types
//
//   - trace_contains: an event with the given op (and participant, outcome) exists
//   - trace_order: ops appear in the given order
//   - trace_count: an op (optionally with an outcome) appears exactly N times
//   - final_state: the participant's reconstructed progress matches expect
//
// # Deterministic Testing
//
// Each run uses a fresh store, testutil.NewDeterministicClock and a
// sequence id generator, so traces are identical across runs and can be
// compared against golden files.
package harness
