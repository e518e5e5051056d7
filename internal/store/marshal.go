package store

import (
	"database/sql"
	"time"

	"github.com/roach88/tripstudy/internal/study"
)

// formatTime converts a timestamp to the TEXT form stored in every table.
// All timestamps are stored in UTC with nanosecond precision.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a stored timestamp. Unparsable values yield the zero time
// rather than failing the whole read.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullIfUnset maps study.Unset to SQL NULL.
func nullIfUnset(v int) any {
	if v == study.Unset {
		return nil
	}
	return v
}

// unsetIfNull maps SQL NULL back to study.Unset.
func unsetIfNull(v sql.NullInt64) int {
	if !v.Valid {
		return study.Unset
	}
	return int(v.Int64)
}
