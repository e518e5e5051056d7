package engine

import (
	"context"
	"time"

	"github.com/roach88/tripstudy/internal/study"
)

// Store is the persistence layer the engine runs on.
// Implemented by store.Store (SQLite) and filelog.Store (CSV and JSON files).
//
// Every write is idempotent on its natural key and reports whether it created
// a new record. Reads return empty slices, never nil, when nothing is stored.
type Store interface {
	// Allocate returns the participant's assignment, creating it with the
	// policy if absent. Counting the ledger and appending to it form one
	// critical section.
	Allocate(ctx context.Context, participantID string, now time.Time, policy study.AllocationPolicy) (study.Assignment, bool, error)
	FindAssignment(ctx context.Context, participantID string) (study.Assignment, bool, error)
	ListAssignments(ctx context.Context) ([]study.Assignment, error)

	// AppendTrial writes a trial unless one with the same overall trial
	// number exists. ReadTrials skips malformed rows.
	AppendTrial(ctx context.Context, rec study.TrialRecord) (bool, error)
	ReadTrials(ctx context.Context, participantID string) ([]study.TrialRecord, error)

	// RecordSwitch is first-write-wins per (participant, condition).
	RecordSwitch(ctx context.Context, sw study.SwitchRecord) (bool, error)
	ReadSwitch(ctx context.Context, participantID string, condition int) (study.SwitchRecord, bool, error)

	// CompleteReflection writes the reflection and merges its answers into
	// every trial of the condition. If a reflection already exists the stored
	// one is kept and false is returned.
	CompleteReflection(ctx context.Context, rec study.ReflectionRecord) (bool, error)
	ReadReflection(ctx context.Context, participantID string, condition int) (study.ReflectionRecord, bool, error)

	AppendEvent(ctx context.Context, ev study.Event) error
	ReadEvents(ctx context.Context, participantID string) ([]study.Event, error)

	Ping(ctx context.Context) error
	Close() error
}
