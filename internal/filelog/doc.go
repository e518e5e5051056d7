// Package filelog stores the study in plain CSV and JSON files.
//
// Layout under the root directory:
//
//	participant_assignments.csv                          ledger, one row per participant
//	participant_logs/<pid>.csv                           trial log
//	participant_logs/<pid>_first_ride_switches.json      first ride per condition
//	participant_logs/<pid>_reflection_<c>.json           completed reflection
//	event_logs/<pid>_events.csv                          diagnostic events
//
// Appends go to the end of the file and are fsynced. Whole-file rewrites
// (reflection merge, JSON records) write a temp file, fsync it, rename it over
// the target and fsync the directory, so a crash leaves either the old or the
// new file. Readers skip rows they cannot parse, which covers a trailing row
// truncated by a crash during append.
//
// The ledger is guarded by a process mutex and an flock on a sidecar lock
// file. Each participant's files are guarded by a per-participant mutex.
package filelog
