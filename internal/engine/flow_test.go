package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tripstudy/internal/filelog"
	"github.com/roach88/tripstudy/internal/questionnaire"
	"github.com/roach88/tripstudy/internal/study"
	"github.com/roach88/tripstudy/internal/testutil"
)

func intPtr(v int) *int { return &v }

// appendDirect writes a trial straight to storage, bypassing the controller.
func appendDirect(t *testing.T, s Store, a study.Assignment, n int, choice study.Choice) {
	t.Helper()
	_, err := s.AppendTrial(context.Background(), study.TrialRecord{
		ParticipantID:        a.ParticipantID,
		OverallTrialNumber:   n,
		Condition:            study.ResolveCondition(a, n),
		TrialWithinCondition: n % study.TrialsPerCondition,
		TripID:               study.ResolveTripID(a, n),
		Choice:               choice,
		Timestamp:            testutil.Epoch,
	})
	require.NoError(t, err)
}

func TestAssign_RoundRobin(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		a, created, err := c.Assign(ctx, fmt.Sprintf("P%02d", i))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, i%5, a.ConditionOrderIndex, "participant %d", i)
		assert.Equal(t, i%10, a.TrialOrderIndex, "participant %d", i)
	}

	again, created, err := c.Assign(ctx, "P03")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 3, again.ConditionOrderIndex)
	assert.Equal(t, 3, again.TrialOrderIndex)
}

func TestAssign_ConcurrentParticipantsGetDistinctIndices(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	ctx := context.Background()

	const n = study.NumTrips
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := c.Assign(ctx, fmt.Sprintf("C%02d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, stats.TotalParticipants)
	assert.Equal(t, [study.NumConditions]int{2, 2, 2, 2, 2}, stats.ConditionOrderCounts)
	for idx, count := range stats.TrialOrderCounts {
		assert.Equal(t, 1, count, "trip order %d", idx)
	}
}

func TestAssign_NormalizesID(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	a := assign(t, c, "  P1\t")
	assert.Equal(t, "P1", a.ParticipantID)

	_, created, err := c.Assign(context.Background(), "P1")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestAssign_BotIDsAreNotAllocated(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	ctx := context.Background()

	for _, pid := range []string{"wp-login.php", "favicon.ico", "a/b", "robots.txt"} {
		_, _, err := c.Assign(ctx, pid)
		assert.True(t, study.IsNotFound(err), "pid %q: %v", pid, err)
	}
	_, _, err := c.Assign(ctx, "   ")
	assert.True(t, study.IsValidation(err))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalParticipants)
}

func TestAssign_LogsAssignmentThenReturnVisit(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	assign(t, c, "P1")
	assign(t, c, "P1")

	events, err := s.ReadEvents(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, study.EventAssignment, events[0].Type)
	assert.JSONEq(t, `{"condition_order_idx":0,"trip_order_idx":0}`, events[0].Data)
	assert.Equal(t, study.Unset, events[0].OverallTrialNumber)
	assert.Equal(t, study.EventReturnVisit, events[1].Type)
	assert.Equal(t, "evt-0001", events[0].ID)
}

func TestFirstParticipantResolution(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	ctx := context.Background()
	a := assign(t, c, "P1")
	assert.Equal(t, [study.NumConditions]int{0, 1, 2, 3, 4}, a.ConditionSequence())

	view, err := c.GetTrial(ctx, "P1", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, view.Condition)
	assert.Equal(t, 0, view.TripID)
	assert.Equal(t, 1, view.BlockNumber)
	assert.Equal(t, study.DrivingFirst("P1", 0), view.DrivingFirst)
	assert.False(t, view.AlreadyRecorded)

	record(t, c, "P1", 0, 10, walkAll)
	reflect(t, c, "P1", 0)

	view, err = c.GetTrial(ctx, "P1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Condition)
	assert.Equal(t, 4, view.TripID)
	assert.Equal(t, 2, view.BlockNumber)
	assert.Equal(t, 0, view.TrialWithinCondition)
}

func TestCheckProgress_NewParticipantStartsAtBlockIntro(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	assign(t, c, "P1")

	step, err := c.CheckProgress(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, BlockIntroStep(1, 0), step)
}

func TestCheckProgress_UnknownParticipant(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	_, err := c.CheckProgress(context.Background(), "ghost")
	assert.True(t, study.IsNotFound(err))
}

func TestGetTrial_AheadRedirectsToNext(t *testing.T) {
	obs := newRecordingObserver()
	c := newTestController(t, newTestStore(t), WithObserver(obs))
	assign(t, c, "P1")
	record(t, c, "P1", 0, 3, walkAll)

	_, err := c.GetTrial(context.Background(), "P1", 7)
	step, ok := AsRedirect(err)
	require.True(t, ok, "expected redirect, got %v", err)
	assert.Equal(t, TrialStep(3), step)
	assert.Equal(t, 1, obs.redirects[StepTrial])
}

func TestGetTrial_Errors(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	ctx := context.Background()
	assign(t, c, "P1")

	_, err := c.GetTrial(ctx, "P1", study.TotalTrials)
	assert.True(t, study.IsInvalidRange(err))
	_, err = c.GetTrial(ctx, "P1", -1)
	assert.True(t, study.IsInvalidRange(err))
	_, err = c.GetTrial(ctx, "nobody", 0)
	assert.True(t, study.IsNotFound(err))
}

func TestGetTrial_RecordedTrialIsServedAsRecorded(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	assign(t, c, "P1")
	record(t, c, "P1", 0, 4, func(n int) study.Choice {
		if n == 2 {
			return study.ChoiceEcoRide
		}
		return study.ChoiceWalking
	})

	view, err := c.GetTrial(context.Background(), "P1", 2)
	require.NoError(t, err)
	assert.True(t, view.AlreadyRecorded)
	assert.Equal(t, study.ChoiceEcoRide, view.Choice)
}

func TestGetTrial_LogsViewWithOptionOrder(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	ctx := context.Background()
	assign(t, c, "P1")

	view, err := c.GetTrial(ctx, "P1", 0)
	require.NoError(t, err)
	assert.Equal(t, study.OptionOrder("P1", 0, 0), view.OptionOrder)
	require.Len(t, view.OptionOrder, 3)

	again, err := c.GetTrial(ctx, "P1", 0)
	require.NoError(t, err)
	assert.Equal(t, view.OptionOrder, again.OptionOrder)

	_, err = c.GetTrial(ctx, "P1", 5)
	_, ok := AsRedirect(err)
	require.True(t, ok)

	events, err := s.ReadEvents(ctx, "P1")
	require.NoError(t, err)
	var views []study.Event
	for _, ev := range events {
		if ev.Type == study.EventTrialView {
			views = append(views, ev)
		}
	}
	require.Len(t, views, 2, "redirected requests log no view")
	assert.Equal(t, 0, views[0].OverallTrialNumber)
	assert.Equal(t, view.Condition, views[0].Condition)
	assert.Equal(t, view.TripID, views[0].TripID)

	err = c.LogEvent(ctx, "P1", study.EventTrialView, ClientEvent{})
	assert.True(t, study.IsValidation(err))
}

func TestGetTrial_PendingReflectionRedirects(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	assign(t, c, "P1")
	record(t, c, "P1", 0, 10, walkAll)

	_, err := c.GetTrial(context.Background(), "P1", 10)
	step, ok := AsRedirect(err)
	require.True(t, ok)
	assert.Equal(t, ReflectionStep(0), step)

	_, err = c.GetTrial(context.Background(), "P1", 25)
	step, ok = AsRedirect(err)
	require.True(t, ok)
	assert.Equal(t, ReflectionStep(0), step)
}

func TestRecordChoice_NextStep(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	assign(t, c, "P1")

	ack := record(t, c, "P1", 0, 1, walkAll)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, TrialStep(1), ack.Next)

	ack = record(t, c, "P1", 1, 10, walkAll)
	assert.Equal(t, ReflectionStep(0), ack.Next)
}

func TestRecordChoice_DuplicateKeepsFirstChoice(t *testing.T) {
	s := newTestStore(t)
	obs := newRecordingObserver()
	c := newTestController(t, s, WithObserver(obs))
	ctx := context.Background()
	assign(t, c, "P1")
	record(t, c, "P1", 0, 1, walkAll)

	ack, err := c.RecordChoice(ctx, TrialSubmission{ParticipantID: "P1", OverallTrialNumber: 0, Choice: study.ChoiceEcoRide})
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
	assert.Equal(t, TrialStep(1), ack.Next)

	trials, err := s.ReadTrials(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, study.ChoiceWalking, trials[0].Choice)

	_, found, err := s.ReadSwitch(ctx, "P1", 0)
	require.NoError(t, err)
	assert.False(t, found, "duplicate must not record the discarded ride")
	assert.Equal(t, 1, obs.duplicates[DuplicateTrial])
	assert.Contains(t, eventTypes(t, s, "P1"), study.EventDuplicateChoice)
}

func TestRecordChoice_ConcurrentDuplicatesWriteOnce(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	ctx := context.Background()
	assign(t, c, "P1")

	const n = 10
	var wg sync.WaitGroup
	results := make(chan TrialAck, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := c.RecordChoice(ctx, TrialSubmission{ParticipantID: "P1", OverallTrialNumber: 0, Choice: study.ChoiceRegularRide})
			assert.NoError(t, err)
			results <- ack
		}()
	}
	wg.Wait()
	close(results)

	fresh := 0
	for ack := range results {
		if !ack.Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	trials, err := s.ReadTrials(ctx, "P1")
	require.NoError(t, err)
	assert.Len(t, trials, 1)
}

func TestRecordChoice_DuplicateHealsMissingSwitch(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	ctx := context.Background()
	a := assign(t, c, "P1")

	// Crash between the trial append and the switch write.
	appendDirect(t, s, a, 0, study.ChoiceEcoRide)

	ack, err := c.RecordChoice(ctx, TrialSubmission{ParticipantID: "P1", OverallTrialNumber: 0, Choice: study.ChoiceEcoRide})
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)

	sw, found, err := s.ReadSwitch(ctx, "P1", 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0, sw.OverallTrialNumber)
	assert.Equal(t, study.ChoiceEcoRide, sw.Choice)
}

func TestRecordChoice_SwitchIsFirstRide(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	assign(t, c, "P1")
	record(t, c, "P1", 0, 6, func(n int) study.Choice {
		switch n {
		case 2:
			return study.ChoiceEcoRide
		case 4:
			return study.ChoiceRegularRide
		}
		return study.ChoiceWalking
	})

	sw, found, err := s.ReadSwitch(context.Background(), "P1", 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, sw.OverallTrialNumber)
	assert.Equal(t, 2, sw.TripID)
	assert.Equal(t, study.ChoiceEcoRide, sw.Choice)
}

func TestRecordChoice_Rejections(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	ctx := context.Background()
	assign(t, c, "P1")

	tests := []struct {
		name  string
		sub   TrialSubmission
		check func(error) bool
	}{
		{"invalid choice", TrialSubmission{ParticipantID: "P1", OverallTrialNumber: 0, Choice: "teleport"}, study.IsValidation},
		{"out of range", TrialSubmission{ParticipantID: "P1", OverallTrialNumber: 50, Choice: study.ChoiceWalking}, study.IsInvalidRange},
		{"unknown participant", TrialSubmission{ParticipantID: "ghost", OverallTrialNumber: 0, Choice: study.ChoiceWalking}, study.IsNotFound},
		{"not reached", TrialSubmission{ParticipantID: "P1", OverallTrialNumber: 2, Choice: study.ChoiceWalking}, study.IsValidation},
		{"wrong condition", TrialSubmission{ParticipantID: "P1", OverallTrialNumber: 0, Condition: intPtr(1), Choice: study.ChoiceWalking}, study.IsValidation},
		{"wrong trip", TrialSubmission{ParticipantID: "P1", OverallTrialNumber: 0, TripID: intPtr(5), Choice: study.ChoiceWalking}, study.IsValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.RecordChoice(ctx, tt.sub)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}

	ack, err := c.RecordChoice(ctx, TrialSubmission{ParticipantID: "P1", OverallTrialNumber: 0, Condition: intPtr(0), TripID: intPtr(0), Choice: study.ChoiceWalking})
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
}

func TestRecordChoice_PendingReflectionBlocksNextBlock(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	assign(t, c, "P1")
	record(t, c, "P1", 0, 10, walkAll)

	_, err := c.RecordChoice(context.Background(), TrialSubmission{ParticipantID: "P1", OverallTrialNumber: 10, Choice: study.ChoiceWalking})
	step, ok := AsRedirect(err)
	require.True(t, ok, "expected redirect, got %v", err)
	assert.Equal(t, ReflectionStep(0), step)

	trials, err := s.ReadTrials(context.Background(), "P1")
	require.NoError(t, err)
	assert.Len(t, trials, 10)
}

func TestRecordChoice_FillingGapKeepsPosition(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	a := assign(t, c, "P1")
	for _, n := range []int{0, 1, 3} {
		appendDirect(t, s, a, n, study.ChoiceWalking)
	}

	ack, err := c.RecordChoice(context.Background(), TrialSubmission{ParticipantID: "P1", OverallTrialNumber: 2, Choice: study.ChoiceWalking})
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, TrialStep(4), ack.Next)
}

func TestReflection_WalkingOnlyBlock(t *testing.T) {
	s := newTestStore(t)
	obs := newRecordingObserver()
	c := newTestController(t, s, WithObserver(obs))
	ctx := context.Background()
	assign(t, c, "P1")
	record(t, c, "P1", 0, 10, walkAll)

	subject, err := c.ReflectionSubject(ctx, "P1", 0)
	require.NoError(t, err)
	assert.Equal(t, study.ReflectionWalkingOnly, subject.Variant)
	assert.Nil(t, subject.Anchor)
	assert.False(t, subject.Completed)

	_, found, err := s.ReadSwitch(ctx, "P1", 0)
	require.NoError(t, err)
	assert.False(t, found)

	ack, err := c.SubmitReflection(ctx, "P1", 0, walkingPayload("  I enjoy walking  "))
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, study.ReflectionWalkingOnly, ack.Variant)
	assert.Equal(t, BlockIntroStep(2, 10), ack.Next)

	trials, err := s.ReadTrials(ctx, "P1")
	require.NoError(t, err)
	for _, tr := range trials {
		assert.Equal(t, "I enjoy walking", tr.WalkingReason)
		assert.Empty(t, tr.Rationale)
	}
	assert.Equal(t, 1, obs.reflections[study.ReflectionWalkingOnly])

	types := eventTypes(t, s, "P1")
	assert.Contains(t, types, study.EventWalkingOnlyReflection)
	assert.Contains(t, types, study.EventReflectionCompleted)
}

func TestReflection_AnchorIsSmallestTripID(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	ctx := context.Background()
	assign(t, c, "P0")
	a := assign(t, c, "P1")
	require.Equal(t, 1, a.TrialOrderIndex)
	require.Equal(t, 1, study.ResolveCondition(a, 0))

	// Trip order row 1: trial 3 shows trip 9, trial 7 shows trip 8.
	record(t, c, "P1", 0, 10, func(n int) study.Choice {
		switch n {
		case 3:
			return study.ChoiceEcoRide
		case 7:
			return study.ChoiceRegularRide
		}
		return study.ChoiceWalking
	})

	subject, err := c.ReflectionSubject(ctx, "P1", 1)
	require.NoError(t, err)
	assert.Equal(t, study.ReflectionSwitchBased, subject.Variant)
	require.NotNil(t, subject.Anchor)
	assert.Equal(t, study.Anchor{OverallTrialNumber: 7, TripID: 8, Choice: study.ChoiceRegularRide}, *subject.Anchor)

	sw, found, err := s.ReadSwitch(ctx, "P1", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, sw.OverallTrialNumber)

	ack, err := c.SubmitReflection(ctx, "P1", 1, switchPayload("rain", 6, 2))
	require.NoError(t, err)
	assert.Equal(t, study.ReflectionSwitchBased, ack.Variant)

	stored, found, err := s.ReadReflection(ctx, "P1", 1)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, stored.Anchor)
	assert.Equal(t, 7, stored.Anchor.OverallTrialNumber)
	assert.Equal(t, 6, stored.CreditLost)
	assert.Equal(t, 2, stored.ImpactComparison)

	events, err := s.ReadEvents(ctx, "P1")
	require.NoError(t, err)
	var response *study.Event
	for i := range events {
		if events[i].Type == study.EventTripReflectionResponse {
			response = &events[i]
		}
	}
	require.NotNil(t, response)
	assert.Equal(t, 7, response.OverallTrialNumber)
	assert.Equal(t, 8, response.TripID)
	assert.JSONEq(t, `{"trip_likert_responses":{"credit.lost":6,"impact.comparison":2}}`, response.Data)
}

func TestReflection_MergesOnlyItsCondition(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	ctx := context.Background()
	assign(t, c, "P1")
	record(t, c, "P1", 0, 10, rideAll)

	_, err := c.SubmitReflection(ctx, "P1", 0, switchPayload("faster", 3, 5))
	require.NoError(t, err)
	record(t, c, "P1", 10, 20, walkAll)

	trials, err := s.ReadTrials(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, trials, 20)
	for _, tr := range trials {
		if tr.Condition == 0 {
			assert.Equal(t, "faster", tr.Rationale, "trial %d", tr.OverallTrialNumber)
			assert.Equal(t, "3", tr.CreditLost)
			assert.Equal(t, "5", tr.ImpactComparison)
		} else {
			assert.Empty(t, tr.Rationale, "trial %d", tr.OverallTrialNumber)
			assert.Empty(t, tr.CreditLost)
			assert.Empty(t, tr.WalkingReason)
		}
	}
}

func TestSubmitReflection_InvalidPayloads(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	ctx := context.Background()
	assign(t, c, "P1")
	record(t, c, "P1", 0, 10, rideAll)

	tests := []struct {
		name    string
		payload func() questionnaire.Payload
	}{
		{"blank rationale", func() questionnaire.Payload { return switchPayload("   ", 3, 3) }},
		{"likert above scale", func() questionnaire.Payload { return switchPayload("ok", 8, 3) }},
		{"likert below scale", func() questionnaire.Payload { return switchPayload("ok", 3, 0) }},
		{"missing likert", func() questionnaire.Payload {
			return questionnaire.Payload{Rationale: "ok", Likert: map[string]int{questionnaire.LikertCreditLost: 2}}
		}},
		{"wrong variant", func() questionnaire.Payload { return walkingPayload("walked") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.SubmitReflection(ctx, "P1", 0, tt.payload())
			assert.True(t, study.IsValidation(err), "unexpected error: %v", err)
		})
	}

	step, err := c.CheckProgress(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, ReflectionStep(0), step)
}

func TestSubmitReflection_DuplicateKeepsStoredAnswers(t *testing.T) {
	s := newTestStore(t)
	obs := newRecordingObserver()
	c := newTestController(t, s, WithObserver(obs))
	ctx := context.Background()
	assign(t, c, "P1")
	record(t, c, "P1", 0, 10, rideAll)

	_, err := c.SubmitReflection(ctx, "P1", 0, switchPayload("first", 1, 1))
	require.NoError(t, err)

	ack, err := c.SubmitReflection(ctx, "P1", 0, switchPayload("second", 7, 7))
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
	assert.Equal(t, BlockIntroStep(2, 10), ack.Next)

	stored, _, err := s.ReadReflection(ctx, "P1", 0)
	require.NoError(t, err)
	assert.Equal(t, "first", stored.Rationale)
	assert.Equal(t, 1, obs.duplicates[DuplicateReflection])
	assert.Equal(t, 1, obs.reflections[study.ReflectionSwitchBased])
}

func TestSubmitReflection_BlockNotFinished(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	ctx := context.Background()
	assign(t, c, "P1")
	record(t, c, "P1", 0, 5, walkAll)

	_, err := c.SubmitReflection(ctx, "P1", 0, walkingPayload("x"))
	assert.True(t, study.IsValidation(err))

	_, err = c.SubmitReflection(ctx, "P1", 3, walkingPayload("x"))
	assert.True(t, study.IsValidation(err))

	_, err = c.SubmitReflection(ctx, "P1", 5, walkingPayload("x"))
	assert.True(t, study.IsInvalidRange(err))
}

func TestReflectionSubject_RedirectsUntilBlockDone(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	assign(t, c, "P1")
	record(t, c, "P1", 0, 5, walkAll)

	_, err := c.ReflectionSubject(context.Background(), "P1", 0)
	step, ok := AsRedirect(err)
	require.True(t, ok, "expected redirect, got %v", err)
	assert.Equal(t, TrialStep(5), step)
}

func TestReflection_OutOfOrderRedirectsToEarliestOwed(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	ctx := context.Background()
	a := assign(t, c, "P1")
	for n := 0; n < 20; n++ {
		appendDirect(t, s, a, n, study.ChoiceWalking)
	}

	_, err := c.SubmitReflection(ctx, "P1", 1, walkingPayload("x"))
	step, ok := AsRedirect(err)
	require.True(t, ok, "expected redirect, got %v", err)
	assert.Equal(t, ReflectionStep(0), step)

	_, err = c.ReflectionSubject(ctx, "P1", 1)
	step, ok = AsRedirect(err)
	require.True(t, ok)
	assert.Equal(t, ReflectionStep(0), step)

	_, found, err := s.ReadReflection(ctx, "P1", 1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReflectionSubject_RepairsMissingSwitch(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	ctx := context.Background()
	a := assign(t, c, "P1")
	for n := 0; n < 10; n++ {
		choice := study.ChoiceWalking
		if n == 2 {
			choice = study.ChoiceEcoRide
		}
		appendDirect(t, s, a, n, choice)
	}

	subject, err := c.ReflectionSubject(ctx, "P1", 0)
	require.NoError(t, err)
	assert.Equal(t, study.ReflectionSwitchBased, subject.Variant)
	require.NotNil(t, subject.Anchor)
	assert.Equal(t, 2, subject.Anchor.OverallTrialNumber)

	sw, found, err := s.ReadSwitch(ctx, "P1", 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, sw.OverallTrialNumber)
	assert.Contains(t, eventTypes(t, s, "P1"), study.EventSwitchRepaired)
}

func TestFullJourney(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	ctx := context.Background()
	a := assign(t, c, "P1")
	seq := a.ConditionSequence()

	for block := 0; block < study.NumConditions; block++ {
		step, err := c.CheckProgress(ctx, "P1")
		require.NoError(t, err)
		assert.Equal(t, BlockIntroStep(block+1, block*10), step)

		ack := record(t, c, "P1", block*10, block*10+10, func(n int) study.Choice {
			if block%2 == 1 && n%10 == 4 {
				return study.ChoiceEcoRide
			}
			return study.ChoiceWalking
		})
		assert.Equal(t, ReflectionStep(seq[block]), ack.Next)

		rack := reflect(t, c, "P1", seq[block])
		if block == study.NumConditions-1 {
			assert.Equal(t, CompleteStep(), rack.Next)
		}
	}

	p, step, err := c.Progress(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, CompleteStep(), step)
	assert.Equal(t, study.TotalTrials, p.NextTrial)
	assert.Equal(t, study.TotalTrials, p.RecordedTrials)
	assert.Equal(t, [study.NumConditions]int{10, 10, 10, 10, 10}, p.TrialsByCondition)
	assert.Equal(t, [study.NumConditions]bool{true, true, true, true, true}, p.Reflections)
	assert.Equal(t, [study.NumConditions]bool{false, true, false, true, false}, p.Switches)

	step, err = c.Complete(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, CompleteStep(), step)
	assert.Contains(t, eventTypes(t, s, "P1"), study.EventStudyComplete)

	_, err = c.GetTrial(ctx, "P1", 49)
	assert.NoError(t, err)
}

func TestComplete_ReturnsOwedStep(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	assign(t, c, "P1")
	record(t, c, "P1", 0, 10, walkAll)

	step, err := c.Complete(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, ReflectionStep(0), step)
	assert.NotContains(t, eventTypes(t, s, "P1"), study.EventStudyComplete)
}

func TestReconstruction_SkipsTruncatedRow(t *testing.T) {
	root := t.TempDir()
	fs, err := filelog.Open(root)
	require.NoError(t, err)
	c := newTestController(t, fs)
	assign(t, c, "P1")
	record(t, c, "P1", 0, 5, walkAll)

	f, err := os.OpenFile(filepath.Join(root, "participant_logs", "P1.csv"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("P1,5,0,5,2026-01-01T09:")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	step, err := c.CheckProgress(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, TrialStep(5), step)

	ack := record(t, c, "P1", 5, 6, walkAll)
	assert.Equal(t, TrialStep(6), ack.Next)
}

func TestLogEvent(t *testing.T) {
	s := newTestStore(t)
	c := newTestController(t, s)
	ctx := context.Background()
	assign(t, c, "P1")

	require.NoError(t, c.LogEvent(ctx, "P1", "page_view", ClientEvent{OverallTrialNumber: intPtr(4), Data: "  map shown "}))
	require.NoError(t, c.LogEvent(ctx, "P1", study.EventConditionLikert, ClientEvent{
		Condition:       intPtr(2),
		LikertResponses: map[string]int{"b_effort": 3, "a_time": 5},
	}))

	events, err := s.ReadEvents(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "page_view", events[1].Type)
	assert.Equal(t, "map shown", events[1].Data)
	assert.Equal(t, 4, events[1].OverallTrialNumber)
	assert.Equal(t, study.Unset, events[1].Condition)
	assert.Equal(t, "likert_a_time", events[2].Type)
	assert.Equal(t, "5", events[2].Data)
	assert.Equal(t, 2, events[2].Condition)
	assert.Equal(t, "likert_b_effort", events[3].Type)
	assert.Equal(t, "3", events[3].Data)
}

func TestLogEvent_Rejections(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	ctx := context.Background()
	assign(t, c, "P1")

	assert.True(t, study.IsNotFound(c.LogEvent(ctx, "ghost", "page_view", ClientEvent{})))
	assert.True(t, study.IsValidation(c.LogEvent(ctx, "P1", study.EventTrialChoice, ClientEvent{})))
	assert.True(t, study.IsValidation(c.LogEvent(ctx, "P1", "Bad-Type", ClientEvent{})))
	assert.True(t, study.IsValidation(c.LogEvent(ctx, "P1", "", ClientEvent{})))
}

func TestEventWriteFailureDoesNotFailOperation(t *testing.T) {
	s := &faultyStore{Store: newTestStore(t), failEvents: true}
	c := newTestController(t, s)
	assign(t, c, "P1")

	ack := record(t, c, "P1", 0, 1, rideAll)
	assert.Equal(t, TrialStep(1), ack.Next)
}

func TestStorageFailuresArePersistenceErrors(t *testing.T) {
	s := &faultyStore{Store: newTestStore(t)}
	c := newTestController(t, s)
	ctx := context.Background()
	assign(t, c, "P1")

	s.failTrials = true
	_, err := c.RecordChoice(ctx, TrialSubmission{ParticipantID: "P1", OverallTrialNumber: 0, Choice: study.ChoiceWalking})
	assert.True(t, study.IsPersistence(err), "unexpected error: %v", err)

	s.failTrials = false
	s.failReads = true
	_, err = c.CheckProgress(ctx, "P1")
	assert.True(t, study.IsPersistence(err), "unexpected error: %v", err)
	assert.ErrorIs(t, err, errInjected)
}

func TestQuestionnaire(t *testing.T) {
	c := newTestController(t, newTestStore(t))
	def := c.Questionnaire()
	assert.Len(t, def.ScaleLabels, 7)
	assert.NotEmpty(t, def.SwitchBased)
	assert.NotEmpty(t, def.WalkingOnly)
}
