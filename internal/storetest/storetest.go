// Package storetest holds the behavioural contract every engine.Store must
// satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tripstudy/internal/engine"
	"github.com/roach88/tripstudy/internal/study"
)

// Factory returns a fresh, empty store. It should register its own cleanup.
type Factory func(t *testing.T) engine.Store

var baseTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s engine.Store)
	}{
		{"AllocateOnce", testAllocateOnce},
		{"AllocateCountsLedger", testAllocateCountsLedger},
		{"AllocateConcurrent", testAllocateConcurrent},
		{"FindAssignmentMissing", testFindAssignmentMissing},
		{"EmptyReadsAreNonNil", testEmptyReads},
		{"AppendTrialIdempotent", testAppendTrialIdempotent},
		{"ReadTrialsOrdered", testReadTrialsOrdered},
		{"SwitchFirstWins", testSwitchFirstWins},
		{"ReflectionMergesCondition", testReflectionMerge},
		{"ReflectionKeepsFirst", testReflectionKeepsFirst},
		{"WalkingOnlyReflection", testWalkingOnlyReflection},
		{"EventsRoundTrip", testEventsRoundTrip},
		{"EventsDedupByID", testEventsDedup},
		{"Ping", testPing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func countingPolicy(n int) (int, int) {
	return n % study.NumConditions, n % study.NumTrips
}

func trial(pid string, n, tripID int, choice study.Choice) study.TrialRecord {
	return study.TrialRecord{
		ParticipantID:        pid,
		OverallTrialNumber:   n,
		Condition:            n / study.TrialsPerCondition,
		TrialWithinCondition: n % study.TrialsPerCondition,
		TripID:               tripID,
		Choice:               choice,
		Timestamp:            baseTime.Add(time.Duration(n) * time.Second),
	}
}

func allocate(t *testing.T, s engine.Store, pid string) study.Assignment {
	t.Helper()
	a, _, err := s.Allocate(context.Background(), pid, baseTime, countingPolicy)
	require.NoError(t, err)
	return a
}

func testAllocateOnce(t *testing.T, s engine.Store) {
	ctx := context.Background()

	a1, created, err := s.Allocate(ctx, "P1", baseTime, countingPolicy)
	require.NoError(t, err)
	assert.True(t, created)

	a2, created, err := s.Allocate(ctx, "P1", baseTime.Add(time.Hour), func(int) (int, int) { return 4, 9 })
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a1.ConditionOrderIndex, a2.ConditionOrderIndex)
	assert.Equal(t, a1.TrialOrderIndex, a2.TrialOrderIndex)
	assert.True(t, a1.AssignedAt.Equal(a2.AssignedAt))
}

func testAllocateCountsLedger(t *testing.T, s engine.Store) {
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		a, _, err := s.Allocate(ctx, fmt.Sprintf("P%02d", i), baseTime, countingPolicy)
		require.NoError(t, err)
		assert.Equal(t, i%5, a.ConditionOrderIndex, "participant %d", i)
		assert.Equal(t, i%10, a.TrialOrderIndex, "participant %d", i)
	}

	all, err := s.ListAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 12)
	for i, a := range all {
		assert.Equal(t, fmt.Sprintf("P%02d", i), a.ParticipantID)
	}
}

func testAllocateConcurrent(t *testing.T, s engine.Store) {
	ctx := context.Background()
	const n = 10

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, _, err := s.Allocate(ctx, fmt.Sprintf("C%02d", i), baseTime, countingPolicy); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := s.ListAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, all, n)

	seen := make(map[int]bool)
	for _, a := range all {
		assert.False(t, seen[a.TrialOrderIndex], "trip order %d assigned twice", a.TrialOrderIndex)
		seen[a.TrialOrderIndex] = true
	}
}

func testFindAssignmentMissing(t *testing.T, s engine.Store) {
	_, found, err := s.FindAssignment(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func testEmptyReads(t *testing.T, s engine.Store) {
	ctx := context.Background()
	allocate(t, s, "P1")

	trials, err := s.ReadTrials(ctx, "P1")
	require.NoError(t, err)
	assert.NotNil(t, trials)
	assert.Empty(t, trials)

	events, err := s.ReadEvents(ctx, "P1")
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)

	_, found, err := s.ReadSwitch(ctx, "P1", 0)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = s.ReadReflection(ctx, "P1", 0)
	require.NoError(t, err)
	assert.False(t, found)
}

func testAppendTrialIdempotent(t *testing.T, s engine.Store) {
	ctx := context.Background()
	allocate(t, s, "P1")

	inserted, err := s.AppendTrial(ctx, trial("P1", 0, 3, study.ChoiceWalking))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.AppendTrial(ctx, trial("P1", 0, 3, study.ChoiceEcoRide))
	require.NoError(t, err)
	assert.False(t, inserted)

	trials, err := s.ReadTrials(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, study.ChoiceWalking, trials[0].Choice)
}

func testReadTrialsOrdered(t *testing.T, s engine.Store) {
	ctx := context.Background()
	allocate(t, s, "P1")

	for _, n := range []int{2, 0, 1} {
		_, err := s.AppendTrial(ctx, trial("P1", n, n+4, study.ChoiceRegularRide))
		require.NoError(t, err)
	}

	trials, err := s.ReadTrials(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, trials, 3)
	for i, tr := range trials {
		assert.Equal(t, i, tr.OverallTrialNumber)
		assert.Equal(t, i+4, tr.TripID)
		assert.True(t, tr.Timestamp.Equal(baseTime.Add(time.Duration(i)*time.Second)))
	}
}

func testSwitchFirstWins(t *testing.T, s engine.Store) {
	ctx := context.Background()
	allocate(t, s, "P1")

	first := study.SwitchRecord{ParticipantID: "P1", Condition: 1, OverallTrialNumber: 12, TripID: 7, Choice: study.ChoiceEcoRide, Timestamp: baseTime}
	inserted, err := s.RecordSwitch(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	second := first
	second.OverallTrialNumber = 15
	second.Choice = study.ChoiceRegularRide
	inserted, err = s.RecordSwitch(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, found, err := s.ReadSwitch(ctx, "P1", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 12, got.OverallTrialNumber)
	assert.Equal(t, 7, got.TripID)
	assert.Equal(t, study.ChoiceEcoRide, got.Choice)

	_, found, err = s.ReadSwitch(ctx, "P1", 0)
	require.NoError(t, err)
	assert.False(t, found)
}

func fillBlock(t *testing.T, s engine.Store, pid string, block int, choice study.Choice) {
	t.Helper()
	for i := 0; i < study.TrialsPerCondition; i++ {
		n := block*study.TrialsPerCondition + i
		_, err := s.AppendTrial(context.Background(), trial(pid, n, i, choice))
		require.NoError(t, err)
	}
}

func testReflectionMerge(t *testing.T, s engine.Store) {
	ctx := context.Background()
	allocate(t, s, "P1")
	fillBlock(t, s, "P1", 0, study.ChoiceRegularRide)
	fillBlock(t, s, "P1", 1, study.ChoiceWalking)

	rec := study.ReflectionRecord{
		ParticipantID:    "P1",
		Condition:        0,
		Type:             study.ReflectionSwitchBased,
		Rationale:        "too far, it was raining",
		CreditLost:       5,
		ImpactComparison: 2,
		Anchor:           &study.Anchor{OverallTrialNumber: 0, TripID: 0, Choice: study.ChoiceRegularRide},
		CompletedAt:      baseTime.Add(time.Minute),
	}
	inserted, err := s.CompleteReflection(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	trials, err := s.ReadTrials(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, trials, 20)
	for _, tr := range trials {
		if tr.Condition == 0 {
			assert.Equal(t, "too far, it was raining", tr.Rationale, "trial %d", tr.OverallTrialNumber)
			assert.Equal(t, "5", tr.CreditLost)
			assert.Equal(t, "2", tr.ImpactComparison)
			assert.Empty(t, tr.WalkingReason)
		} else {
			assert.Empty(t, tr.Rationale, "trial %d", tr.OverallTrialNumber)
			assert.Empty(t, tr.CreditLost)
		}
	}

	got, found, err := s.ReadReflection(ctx, "P1", 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, study.ReflectionSwitchBased, got.Type)
	assert.Equal(t, 5, got.CreditLost)
	assert.Equal(t, 2, got.ImpactComparison)
	require.NotNil(t, got.Anchor)
	assert.Equal(t, *rec.Anchor, *got.Anchor)
	assert.True(t, got.CompletedAt.Equal(rec.CompletedAt))
}

func testReflectionKeepsFirst(t *testing.T, s engine.Store) {
	ctx := context.Background()
	allocate(t, s, "P1")
	fillBlock(t, s, "P1", 0, study.ChoiceEcoRide)

	first := study.ReflectionRecord{
		ParticipantID: "P1", Condition: 0, Type: study.ReflectionSwitchBased,
		Rationale: "first", CreditLost: 1, ImpactComparison: 1, CompletedAt: baseTime,
	}
	_, err := s.CompleteReflection(ctx, first)
	require.NoError(t, err)

	second := first
	second.Rationale = "second"
	second.CreditLost = 7
	inserted, err := s.CompleteReflection(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, _, err := s.ReadReflection(ctx, "P1", 0)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Rationale)

	trials, err := s.ReadTrials(ctx, "P1")
	require.NoError(t, err)
	for _, tr := range trials {
		assert.Equal(t, "first", tr.Rationale)
		assert.Equal(t, "1", tr.CreditLost)
	}
}

func testWalkingOnlyReflection(t *testing.T, s engine.Store) {
	ctx := context.Background()
	allocate(t, s, "P1")
	fillBlock(t, s, "P1", 2, study.ChoiceWalking)

	rec := study.ReflectionRecord{
		ParticipantID: "P1", Condition: 2, Type: study.ReflectionWalkingOnly,
		WalkingReason: "I like walking", CompletedAt: baseTime,
	}
	inserted, err := s.CompleteReflection(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	trials, err := s.ReadTrials(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, trials, 10)
	for _, tr := range trials {
		assert.Equal(t, "I like walking", tr.WalkingReason)
		assert.Empty(t, tr.Rationale)
		assert.Empty(t, tr.CreditLost)
		assert.Empty(t, tr.ImpactComparison)
	}

	got, found, err := s.ReadReflection(ctx, "P1", 2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, study.ReflectionWalkingOnly, got.Type)
	assert.Nil(t, got.Anchor)
}

func testEventsRoundTrip(t *testing.T, s engine.Store) {
	ctx := context.Background()
	allocate(t, s, "P1")

	events := []study.Event{
		{ID: "e1", ParticipantID: "P1", OverallTrialNumber: study.Unset, Condition: study.Unset, TripID: study.Unset, Type: study.EventAssignment, Data: `{"condition_order_idx":0}`, Timestamp: baseTime},
		{ID: "e2", ParticipantID: "P1", OverallTrialNumber: 3, Condition: 0, TripID: 8, Type: study.EventTrialChoice, Data: "walking", Timestamp: baseTime.Add(time.Second)},
	}
	for _, ev := range events {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	got, err := s.ReadEvents(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range events {
		assert.Equal(t, events[i].ID, got[i].ID)
		assert.Equal(t, events[i].Type, got[i].Type)
		assert.Equal(t, events[i].OverallTrialNumber, got[i].OverallTrialNumber)
		assert.Equal(t, events[i].Condition, got[i].Condition)
		assert.Equal(t, events[i].TripID, got[i].TripID)
		assert.Equal(t, events[i].Data, got[i].Data)
		assert.True(t, events[i].Timestamp.Equal(got[i].Timestamp))
	}
}

func testEventsDedup(t *testing.T, s engine.Store) {
	ctx := context.Background()
	allocate(t, s, "P1")

	ev := study.Event{ID: "dup", ParticipantID: "P1", OverallTrialNumber: study.Unset, Condition: study.Unset, TripID: study.Unset, Type: study.EventReturnVisit, Timestamp: baseTime}
	require.NoError(t, s.AppendEvent(ctx, ev))
	require.NoError(t, s.AppendEvent(ctx, ev))

	got, err := s.ReadEvents(ctx, "P1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func testPing(t *testing.T, s engine.Store) {
	assert.NoError(t, s.Ping(context.Background()))
}
