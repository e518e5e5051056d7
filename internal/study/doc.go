// Package study provides the domain model for the counterbalanced trip-choice study.
//
// This package contains the fixed study topology, the counterbalancing tables,
// the durable record types and the pure resolvers that map an assignment and an
// overall trial number to a condition and a trip. All other internal packages
// import study; study imports nothing internal.
//
// Key design constraints:
//   - The topology (5 conditions x 10 trials = 50) is a compile-time constant
//   - The counterbalancing tables are reproduced verbatim and never mutated
//   - Resolvers are pure functions of (assignment, overall trial number)
//   - All JSON tags use snake_case
package study
