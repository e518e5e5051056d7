package engine

import "time"

// Clock supplies the timestamps written into records and events.
//
// Timestamps are informational only. Ordering and progress are derived from
// overall trial numbers, never from wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
//
// Thread-safety: SystemClock is stateless and safe for concurrent use.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
