package engine

import (
	"context"
	"fmt"

	"github.com/roach88/tripstudy/internal/study"
)

// RoundRobin is the counterbalancing policy: the n-th participant (0-based,
// arrival order) gets condition order n mod 5 and trial order n mod 10.
func RoundRobin(n int) (conditionOrderIndex, trialOrderIndex int) {
	return n % study.NumConditions, n % study.NumTrips
}

// Allocator assigns counterbalanced orderings and looks them up.
type Allocator struct {
	store  Store
	clock  Clock
	policy study.AllocationPolicy
}

// NewAllocator creates an allocator using the RoundRobin policy.
func NewAllocator(s Store, clock Clock) *Allocator {
	return &Allocator{store: s, clock: clock, policy: RoundRobin}
}

// Allocate returns the participant's assignment, creating it on first visit.
// Returns created=false for a returning participant; the stored assignment is
// returned unchanged.
func (a *Allocator) Allocate(ctx context.Context, participantID string) (study.Assignment, bool, error) {
	asg, created, err := a.store.Allocate(ctx, participantID, a.clock.Now(), a.policy)
	if err != nil {
		return study.Assignment{}, false, study.Persistence(participantID, "allocate", err)
	}
	if !asg.Valid() {
		return study.Assignment{}, false, study.Persistence(participantID, "allocate",
			fmt.Errorf("ledger row out of range: condition order %d, trial order %d",
				asg.ConditionOrderIndex, asg.TrialOrderIndex))
	}
	return asg, created, nil
}

// Lookup returns the assignment of a participant already in the ledger.
// Returns a NotFound error for unknown participants.
func (a *Allocator) Lookup(ctx context.Context, participantID string) (study.Assignment, error) {
	asg, found, err := a.store.FindAssignment(ctx, participantID)
	if err != nil {
		return study.Assignment{}, study.Persistence(participantID, "find assignment", err)
	}
	if !found {
		return study.Assignment{}, study.NotFound(participantID, "participant not assigned")
	}
	if !asg.Valid() {
		return study.Assignment{}, study.Persistence(participantID, "find assignment",
			fmt.Errorf("ledger row out of range: condition order %d, trial order %d",
				asg.ConditionOrderIndex, asg.TrialOrderIndex))
	}
	return asg, nil
}

// Stats tallies the ledger.
func (a *Allocator) Stats(ctx context.Context) (study.Stats, error) {
	all, err := a.store.ListAssignments(ctx)
	if err != nil {
		return study.Stats{}, study.Persistence("", "list assignments", err)
	}
	return study.Tally(all), nil
}
