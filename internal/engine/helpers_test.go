package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tripstudy/internal/questionnaire"
	"github.com/roach88/tripstudy/internal/store"
	"github.com/roach88/tripstudy/internal/study"
	"github.com/roach88/tripstudy/internal/testutil"
)

// newTestStore opens a pure-Go SQLite store in a temp directory.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenWithDriver(store.DriverPureGo, filepath.Join(t.TempDir(), "study.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestController wires a controller with a deterministic clock and ids.
func newTestController(t *testing.T, s Store, opts ...Option) *Controller {
	t.Helper()
	base := []Option{
		WithClock(testutil.NewDeterministicClock()),
		WithIDGenerator(testutil.NewSequenceGenerator("")),
		WithLogger(discardLogger()),
	}
	c, err := New(s, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func assign(t *testing.T, c *Controller, pid string) study.Assignment {
	t.Helper()
	a, _, err := c.Assign(context.Background(), pid)
	require.NoError(t, err)
	return a
}

// record submits trials [from, to) with the choice picked by choose.
func record(t *testing.T, c *Controller, pid string, from, to int, choose func(n int) study.Choice) TrialAck {
	t.Helper()
	var ack TrialAck
	for n := from; n < to; n++ {
		var err error
		ack, err = c.RecordChoice(context.Background(), TrialSubmission{
			ParticipantID:      pid,
			OverallTrialNumber: n,
			Choice:             choose(n),
		})
		require.NoError(t, err, "trial %d", n)
	}
	return ack
}

func walkAll(int) study.Choice { return study.ChoiceWalking }

func rideAll(int) study.Choice { return study.ChoiceRegularRide }

func switchPayload(rationale string, creditLost, impact int) questionnaire.Payload {
	return questionnaire.Payload{
		Rationale: rationale,
		Likert: map[string]int{
			questionnaire.LikertCreditLost:       creditLost,
			questionnaire.LikertImpactComparison: impact,
		},
	}
}

func walkingPayload(reason string) questionnaire.Payload {
	return questionnaire.Payload{WalkingReason: reason}
}

// reflect submits whichever payload the condition's variant needs.
func reflect(t *testing.T, c *Controller, pid string, cond int) ReflectionAck {
	t.Helper()
	ctx := context.Background()
	subject, err := c.ReflectionSubject(ctx, pid, cond)
	require.NoError(t, err)
	payload := walkingPayload("nice weather")
	if subject.Variant == study.ReflectionSwitchBased {
		payload = switchPayload("it was late", 4, 4)
	}
	ack, err := c.SubmitReflection(ctx, pid, cond, payload)
	require.NoError(t, err)
	return ack
}

func eventTypes(t *testing.T, s Store, pid string) []string {
	t.Helper()
	events, err := s.ReadEvents(context.Background(), pid)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

var errInjected = errors.New("injected failure")

// faultyStore wraps a Store and fails the operations whose flag is set.
type faultyStore struct {
	Store
	failEvents bool
	failTrials bool
	failReads  bool
}

func (f *faultyStore) AppendEvent(ctx context.Context, ev study.Event) error {
	if f.failEvents {
		return errInjected
	}
	return f.Store.AppendEvent(ctx, ev)
}

func (f *faultyStore) AppendTrial(ctx context.Context, rec study.TrialRecord) (bool, error) {
	if f.failTrials {
		return false, errInjected
	}
	return f.Store.AppendTrial(ctx, rec)
}

func (f *faultyStore) ReadTrials(ctx context.Context, pid string) ([]study.TrialRecord, error) {
	if f.failReads {
		return nil, errInjected
	}
	return f.Store.ReadTrials(ctx, pid)
}

// recordingObserver counts observer callbacks.
type recordingObserver struct {
	mu          sync.Mutex
	assigned    int
	returning   int
	trials      map[study.Choice]int
	duplicates  map[string]int
	reflections map[study.ReflectionType]int
	redirects   map[StepKind]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		trials:      map[study.Choice]int{},
		duplicates:  map[string]int{},
		reflections: map[study.ReflectionType]int{},
		redirects:   map[StepKind]int{},
	}
}

func (o *recordingObserver) ParticipantAssigned(created bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if created {
		o.assigned++
	} else {
		o.returning++
	}
}

func (o *recordingObserver) TrialRecorded(choice study.Choice) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trials[choice]++
}

func (o *recordingObserver) DuplicateSubmission(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.duplicates[kind]++
}

func (o *recordingObserver) ReflectionCompleted(variant study.ReflectionType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reflections[variant]++
}

func (o *recordingObserver) Redirected(to StepKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.redirects[to]++
}

func testTime() time.Time {
	return testutil.Epoch
}
