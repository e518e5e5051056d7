package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/roach88/tripstudy/internal/engine"
	"github.com/roach88/tripstudy/internal/filelog"
	"github.com/roach88/tripstudy/internal/questionnaire"
	"github.com/roach88/tripstudy/internal/store"
	"github.com/roach88/tripstudy/internal/study"
	"github.com/roach88/tripstudy/internal/testutil"
)

// Harness executes one scenario against a controller.
type Harness struct {
	store      engine.Store
	controller *engine.Controller
	logger     *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh store (in-memory SQLite or a temporary
// directory) with a deterministic clock and id generator. Step failures are
// recorded in the trace; an error is returned only if the run could not be
// set up.
func Run(scenario *Scenario) (*Result, error) {
	st, cleanup, err := openBackend(scenario.Backend)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl, err := engine.New(st,
		engine.WithClock(testutil.NewDeterministicClock()),
		engine.WithIDGenerator(testutil.NewSequenceGenerator("")),
		engine.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	h := &Harness{store: st, controller: ctrl, logger: logger}
	ctx := context.Background()

	result := NewResult()
	h.executeSteps(ctx, scenario.Steps, result)
	if err := h.collectState(ctx, scenario.Steps, result); err != nil {
		return nil, err
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

func openBackend(backend string) (engine.Store, func(), error) {
	switch backend {
	case BackendFiles:
		dir, err := os.MkdirTemp("", "tripstudy-scenario-")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create scenario directory: %w", err)
		}
		fs, err := filelog.Open(dir)
		if err != nil {
			os.RemoveAll(dir)
			return nil, nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return fs, func() {
			fs.Close()
			os.RemoveAll(dir)
		}, nil
	default:
		st, err := store.Open(":memory:")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create in-memory store: %w", err)
		}
		return st, func() { st.Close() }, nil
	}
}

// executeSteps runs all steps in order and checks their expect clauses.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) {
	for i, step := range steps {
		ev := h.execute(ctx, step, result)
		if step.Expect != nil {
			for _, msg := range checkExpect(step.Expect, ev) {
				result.AddError(fmt.Sprintf("steps[%d] %s %s: %s", i, step.Op, step.Participant, msg))
			}
		}
		h.logger.Debug("scenario step completed",
			"step", i,
			"op", step.Op,
			"participant", step.Participant,
			"outcome", ev.Outcome,
		)
	}
}

// execute performs one step and returns the last trace event it produced.
func (h *Harness) execute(ctx context.Context, step Step, result *Result) TraceEvent {
	pid := step.Participant
	var ev TraceEvent

	switch step.Op {
	case OpAssign:
		ev = TraceEvent{Op: step.Op, Participant: pid}
		a, created, err := h.controller.Assign(ctx, pid)
		if err != nil {
			setError(&ev, err)
			break
		}
		ev.Outcome = OutcomeOK
		if !created {
			ev.Outcome = OutcomeDuplicate
		}
		ev.Detail = fmt.Sprintf("conditions=%v trips=%d", a.ConditionSequence(), a.TrialOrderIndex)
		if next, err := h.controller.CheckProgress(ctx, pid); err == nil {
			ev.Next = next.String()
		}

	case OpTrial:
		ev = TraceEvent{Op: step.Op, Participant: pid, Target: fmt.Sprintf("trial %d", *step.Trial)}
		view, err := h.controller.GetTrial(ctx, pid, *step.Trial)
		if err != nil {
			setError(&ev, err)
			break
		}
		ev.Outcome = OutcomeOK
		ev.Detail = fmt.Sprintf("condition=%d trip=%d", view.Condition, view.TripID)
		if view.AlreadyRecorded {
			ev.Outcome = OutcomeDuplicate
			ev.Detail += " choice=" + string(view.Choice)
		}

	case OpChoose:
		count := max(step.Count, 1)
		for n := *step.Trial; n < *step.Trial+count; n++ {
			ev = TraceEvent{Op: step.Op, Participant: pid, Target: fmt.Sprintf("trial %d", n), Detail: step.Choice}
			ack, err := h.controller.RecordChoice(ctx, engine.TrialSubmission{
				ParticipantID:      pid,
				OverallTrialNumber: n,
				Choice:             study.Choice(step.Choice),
			})
			if err != nil {
				setError(&ev, err)
			} else {
				ev.Outcome = OutcomeOK
				if ack.Duplicate {
					ev.Outcome = OutcomeDuplicate
				}
				ev.Next = ack.Next.String()
			}
			if n < *step.Trial+count-1 {
				result.add(ev)
			}
		}

	case OpSubject:
		ev = TraceEvent{Op: step.Op, Participant: pid, Target: fmt.Sprintf("condition %d", *step.Condition)}
		subject, err := h.controller.ReflectionSubject(ctx, pid, *step.Condition)
		if err != nil {
			setError(&ev, err)
			break
		}
		ev.Outcome = OutcomeOK
		if subject.Completed {
			ev.Outcome = OutcomeDuplicate
		}
		ev.Detail = string(subject.Variant)
		if subject.Anchor != nil {
			ev.Detail += fmt.Sprintf(" anchor=trial %d trip %d %s",
				subject.Anchor.OverallTrialNumber, subject.Anchor.TripID, subject.Anchor.Choice)
		}

	case OpReflect:
		ev = TraceEvent{Op: step.Op, Participant: pid, Target: fmt.Sprintf("condition %d", *step.Condition)}
		ack, err := h.controller.SubmitReflection(ctx, pid, *step.Condition, questionnaire.Payload{
			Rationale:     step.Answers.Rationale,
			Likert:        step.Answers.Likert,
			WalkingReason: step.Answers.WalkingReason,
		})
		if err != nil {
			setError(&ev, err)
			break
		}
		ev.Outcome = OutcomeOK
		if ack.Duplicate {
			ev.Outcome = OutcomeDuplicate
		}
		ev.Detail = string(ack.Variant)
		ev.Next = ack.Next.String()

	case OpComplete:
		ev = TraceEvent{Op: step.Op, Participant: pid}
		next, err := h.controller.Complete(ctx, pid)
		if err != nil {
			setError(&ev, err)
			break
		}
		ev.Outcome = OutcomeOK
		ev.Next = next.String()

	case OpEvent:
		ev = TraceEvent{Op: step.Op, Participant: pid, Target: step.Event}
		err := h.controller.LogEvent(ctx, pid, step.Event, engine.ClientEvent{Data: step.Data})
		if err != nil {
			setError(&ev, err)
			break
		}
		ev.Outcome = OutcomeOK
	}

	result.add(ev)
	return result.Trace[len(result.Trace)-1]
}

// setError records a failed call. Redirects carry the step the participant
// was sent to.
func setError(ev *TraceEvent, err error) {
	if step, ok := engine.AsRedirect(err); ok {
		ev.Outcome = OutcomeRedirect
		ev.Next = step.String()
		return
	}
	code := study.CodeOf(err)
	if code == "" {
		code = study.ErrCodePersistence
	}
	ev.Outcome = string(code)
}

func checkExpect(expect *ExpectClause, ev TraceEvent) []string {
	var msgs []string
	if expect.Outcome != "" && expect.Outcome != ev.Outcome {
		msgs = append(msgs, fmt.Sprintf("expected outcome %q, got %q", expect.Outcome, ev.Outcome))
	}
	if expect.Next != "" && expect.Next != ev.Next {
		msgs = append(msgs, fmt.Sprintf("expected next %q, got %q", expect.Next, ev.Next))
	}
	if expect.Detail != "" && expect.Detail != ev.Detail {
		msgs = append(msgs, fmt.Sprintf("expected detail %q, got %q", expect.Detail, ev.Detail))
	}
	return msgs
}

// collectState reconstructs the final progress of every participant the
// scenario addressed. Participants the controller rejects get only an
// "error" entry.
func (h *Harness) collectState(ctx context.Context, steps []Step, result *Result) error {
	for _, step := range steps {
		pid := step.Participant
		if _, seen := result.State[pid]; seen {
			continue
		}
		p, next, err := h.controller.Progress(ctx, pid)
		if err != nil {
			result.State[pid] = map[string]any{"error": string(study.CodeOf(err))}
			continue
		}
		events, err := h.store.ReadEvents(ctx, p.ParticipantID)
		if err != nil {
			return fmt.Errorf("failed to read events of %s: %w", p.ParticipantID, err)
		}
		result.State[pid] = map[string]any{
			"condition_order_index": p.Assignment.ConditionOrderIndex,
			"trial_order_index":     p.Assignment.TrialOrderIndex,
			"next_trial":            p.NextTrial,
			"recorded_trials":       p.RecordedTrials,
			"reflections":           countTrue(p.Reflections),
			"switches":              countTrue(p.Switches),
			"events":                len(events),
			"next":                  next.String(),
		}
	}
	return nil
}

func countTrue(flags [study.NumConditions]bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
