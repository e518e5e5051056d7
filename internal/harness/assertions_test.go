package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Op: OpAssign, Participant: "P1", Outcome: OutcomeOK},
		{Seq: 2, Op: OpChoose, Participant: "P1", Target: "trial 0", Outcome: OutcomeOK},
		{Seq: 3, Op: OpChoose, Participant: "P1", Target: "trial 0", Outcome: OutcomeDuplicate},
		{Seq: 4, Op: OpAssign, Participant: "P2", Outcome: OutcomeOK},
		{Seq: 5, Op: OpSubject, Participant: "P1", Outcome: OutcomeRedirect},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Op: OpChoose}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Op: OpChoose, Outcome: OutcomeDuplicate}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Op: OpAssign, Participant: "P2"}))

	err := assertTraceContains(trace, Assertion{Op: OpReflect})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "not found in trace")
	assert.Contains(t, err.Error(), "[5] subject P1")

	assert.Error(t, assertTraceContains(trace, Assertion{Op: OpChoose, Participant: "P2"}))
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Ops: []string{OpAssign, OpChoose, OpSubject}}))

	err := assertTraceOrder(trace, Assertion{Ops: []string{OpSubject, OpChoose}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subject (pos 5) should be before choose (pos 2)")

	err = assertTraceOrder(trace, Assertion{Ops: []string{OpAssign, OpReflect}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing op: reflect")

	err = assertTraceOrder(trace, Assertion{Participant: "P2", Ops: []string{OpAssign, OpChoose}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing op: choose")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Op: OpChoose, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Op: OpChoose, Outcome: OutcomeOK, Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Op: OpReflect, Count: 0}))

	err := assertTraceCount(trace, Assertion{Op: OpAssign, Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 occurrences")
}

func TestAssertFinalState(t *testing.T) {
	state := map[string]map[string]any{
		"P1": {"next": "Trial(3)", "next_trial": 3, "switches": 1},
	}

	assert.NoError(t, assertFinalState(state, Assertion{Participant: "P1", Expect: map[string]any{"next": "Trial(3)"}}))
	assert.NoError(t, assertFinalState(state, Assertion{Participant: "P1", Expect: map[string]any{"next_trial": int64(3), "switches": uint64(1)}}))

	err := assertFinalState(state, Assertion{Participant: "P1", Expect: map[string]any{"next_trial": 4}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "next_trial" = 4`)

	err = assertFinalState(state, Assertion{Participant: "P1", Expect: map[string]any{"reflections": 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "reflections" to exist`)

	err = assertFinalState(state, Assertion{Participant: "P9", Expect: map[string]any{"next_trial": 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "participant not addressed")
}

func TestStateValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		expected any
		actual   any
		want     bool
	}{
		{"int vs int", 3, 3, true},
		{"int64 vs int", int64(3), 3, true},
		{"uint64 vs int", uint64(3), 3, true},
		{"int mismatch", 3, 4, false},
		{"int vs string", 3, "3", false},
		{"string", "Complete", "Complete", true},
		{"string mismatch", "Complete", "Trial(0)", false},
		{"bool", true, true, true},
		{"nil vs nil", nil, nil, true},
		{"nil vs value", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateValuesEqual(tt.expected, tt.actual))
		})
	}
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()
	result.State["P1"] = map[string]any{"next_trial": 1}

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Op: OpAssign},
		{Type: AssertTraceCount, Op: OpSubject, Count: 2},
		{Type: AssertFinalState, Participant: "P1", Expect: map[string]any{"next_trial": 1}},
		{Type: "bogus"},
	})
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "trace_count")
	assert.Contains(t, errs[1], `unknown assertion type "bogus"`)
}
