package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/tripstudy/internal/study"
)

var testTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fixedPolicy allocates every participant to the same table row.
func fixedPolicy(ci, ti int) study.AllocationPolicy {
	return func(int) (int, int) { return ci, ti }
}

// countingPolicy mirrors the round-robin policy without importing engine.
func countingPolicy(n int) (int, int) {
	return n % study.NumConditions, n % study.NumTrips
}

// mustAllocate registers a participant so foreign keys are satisfied.
func mustAllocate(t *testing.T, s *Store, pid string) study.Assignment {
	t.Helper()
	a, _, err := s.Allocate(context.Background(), pid, testTime, fixedPolicy(0, 0))
	if err != nil {
		t.Fatalf("Allocate(%q) failed: %v", pid, err)
	}
	return a
}

// createTestTrial creates a trial row with minimal required fields.
func createTestTrial(pid string, n, tripID int, choice study.Choice) study.TrialRecord {
	return study.TrialRecord{
		ParticipantID:        pid,
		OverallTrialNumber:   n,
		Condition:            n / study.TrialsPerCondition,
		TrialWithinCondition: n % study.TrialsPerCondition,
		TripID:               tripID,
		Choice:               choice,
		Timestamp:            testTime.Add(time.Duration(n) * time.Second),
	}
}
