// Package engine implements the study's assignment and progress state machine.
//
// The engine is stateless between requests. Every decision is recomputed from
// the durable logs behind the Store interface, so a participant can resume
// after a reload, a retry, or a process restart.
//
// COMPONENTS:
//
// Allocator (allocator.go):
// Round-robin counterbalancing. The n-th participant in the ledger receives
// condition order n mod 5 and trial order n mod 10. The store runs the policy
// inside its ledger critical section.
//
// Reconstructor (progress.go):
// A fold over the participant's trial log. The next servable trial is one past
// the highest recorded trial. Reflection status is the presence of a
// reflection record.
//
// Router (router.go):
// Chooses the reflection variant of a completed block and its anchor trial,
// validates answers, and merges them into every trial of the block.
//
// Controller (flow.go):
// The state machine exposed to transports:
//
//	Assign -> BlockIntro(b) -> Trial(n) x10 -> ReflectionCheck
//	       -> Reflection(c)? -> BlockIntro(b+1) | Complete
//
// CRITICAL PATTERNS:
//
// Idempotence:
// Re-recording a trial or re-submitting a completed reflection succeeds
// without a second write and is flagged Duplicate.
//
// Ordering:
// A trial past the next servable one is never served; callers receive a
// *RedirectError naming the step to show instead. Reflections are resolved in
// the participant's own block order.
//
// Serialization:
// Mutations of one participant run under a per-participant lock. Allocation
// is serialized by the store.
package engine
