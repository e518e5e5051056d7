package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/tripstudy/internal/questionnaire"
	"github.com/roach88/tripstudy/internal/study"
)

// Subject describes the reflection owed for one condition.
type Subject struct {
	ParticipantID string               `json:"participant_id"`
	Condition     int                  `json:"condition"`
	Variant       study.ReflectionType `json:"variant"`
	Anchor        *study.Anchor        `json:"anchor,omitempty"`
	Completed     bool                 `json:"completed"`
}

// Router picks reflection variants and anchors and applies submissions.
type Router struct {
	store  Store
	clock  Clock
	schema *questionnaire.Schema
	events *eventLog
	logger *slog.Logger
}

// minTripAnchor selects, among ride trials of one condition, the one with the
// smallest trip id. Ties go to the lower overall trial number.
// Returns nil if no ride was chosen.
func minTripAnchor(trials []study.TrialRecord, condition int) *study.Anchor {
	var best *study.TrialRecord
	for i := range trials {
		t := &trials[i]
		if t.Condition != condition || !t.Choice.Valid() || !t.Choice.IsRide() {
			continue
		}
		if best == nil ||
			t.TripID < best.TripID ||
			(t.TripID == best.TripID && t.OverallTrialNumber < best.OverallTrialNumber) {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	return &study.Anchor{
		OverallTrialNumber: best.OverallTrialNumber,
		TripID:             best.TripID,
		Choice:             best.Choice,
	}
}

// firstRide returns the chronologically first ride trial of a condition.
func firstRide(trials []study.TrialRecord, condition int) (study.TrialRecord, bool) {
	var first study.TrialRecord
	found := false
	for _, t := range trials {
		if t.Condition != condition || !t.Choice.Valid() || !t.Choice.IsRide() {
			continue
		}
		if !found || t.OverallTrialNumber < first.OverallTrialNumber {
			first = t
			found = true
		}
	}
	return first, found
}

// Subject routes condition c of a participant.
//
// Without a switch record the block was walked throughout and the variant is
// walking_only. Otherwise it is switch_based and the anchor is re-derived from
// the trial log. If the log shows a ride but the switch record is missing,
// the switch record is written first so the two agree again.
func (r *Router) Subject(ctx context.Context, a study.Assignment, c int) (Subject, error) {
	pid := a.ParticipantID

	trials, err := r.store.ReadTrials(ctx, pid)
	if err != nil {
		return Subject{}, study.Persistence(pid, "read trials", err)
	}
	sw, hasSwitch, err := r.store.ReadSwitch(ctx, pid, c)
	if err != nil {
		return Subject{}, study.Persistence(pid, "read switch", err)
	}

	if !hasSwitch {
		if ride, ok := firstRide(trials, c); ok {
			if err := r.repairSwitch(ctx, ride); err != nil {
				return Subject{}, err
			}
			hasSwitch = true
			sw = switchFromTrial(ride)
		}
	}

	_, done, err := r.store.ReadReflection(ctx, pid, c)
	if err != nil {
		return Subject{}, study.Persistence(pid, "read reflection", err)
	}

	subject := Subject{ParticipantID: pid, Condition: c, Completed: done}
	if !hasSwitch {
		subject.Variant = study.ReflectionWalkingOnly
		return subject, nil
	}

	subject.Variant = study.ReflectionSwitchBased
	subject.Anchor = minTripAnchor(trials, c)
	if subject.Anchor == nil {
		// Ride rows unreadable; fall back to the recorded switch.
		subject.Anchor = &study.Anchor{
			OverallTrialNumber: sw.OverallTrialNumber,
			TripID:             sw.TripID,
			Choice:             sw.Choice,
		}
	}
	return subject, nil
}

func switchFromTrial(t study.TrialRecord) study.SwitchRecord {
	return study.SwitchRecord{
		ParticipantID:      t.ParticipantID,
		Condition:          t.Condition,
		OverallTrialNumber: t.OverallTrialNumber,
		TripID:             t.TripID,
		Choice:             t.Choice,
		Timestamp:          t.Timestamp,
	}
}

func (r *Router) repairSwitch(ctx context.Context, ride study.TrialRecord) error {
	inserted, err := r.store.RecordSwitch(ctx, switchFromTrial(ride))
	if err != nil {
		return study.Persistence(ride.ParticipantID, "repair switch", err)
	}
	if inserted {
		r.logger.Warn("switch record repaired",
			"participant", ride.ParticipantID,
			"condition", ride.Condition,
			"trial", ride.OverallTrialNumber)
		r.events.append(ctx, ride.ParticipantID, study.EventSwitchRepaired,
			trialRef(ride.OverallTrialNumber, ride.Condition, ride.TripID), string(ride.Choice))
	}
	return nil
}

// Submit validates and stores a reflection for condition c and merges it into
// the block's trials. The caller has checked that the block is complete.
//
// A condition whose reflection already exists is a duplicate: the stored
// answers are kept and re-merged, and duplicate=true is returned.
func (r *Router) Submit(ctx context.Context, a study.Assignment, c int, payload questionnaire.Payload) (Subject, bool, error) {
	pid := a.ParticipantID

	subject, err := r.Subject(ctx, a, c)
	if err != nil {
		return Subject{}, false, err
	}

	if subject.Completed {
		stored, found, err := r.store.ReadReflection(ctx, pid, c)
		if err != nil {
			return Subject{}, false, study.Persistence(pid, "read reflection", err)
		}
		if found {
			if _, err := r.store.CompleteReflection(ctx, stored); err != nil {
				return Subject{}, false, study.Persistence(pid, "complete reflection", err)
			}
		}
		return subject, true, nil
	}

	p := payload.Normalized()
	if err := r.schema.Validate(pid, subject.Variant, p); err != nil {
		return Subject{}, false, err
	}

	rec := study.ReflectionRecord{
		ParticipantID: pid,
		Condition:     c,
		Type:          subject.Variant,
		CompletedAt:   r.clock.Now(),
	}
	switch subject.Variant {
	case study.ReflectionWalkingOnly:
		rec.WalkingReason = p.WalkingReason
	case study.ReflectionSwitchBased:
		rec.Rationale = p.Rationale
		rec.CreditLost = p.Likert[questionnaire.LikertCreditLost]
		rec.ImpactComparison = p.Likert[questionnaire.LikertImpactComparison]
		rec.Anchor = subject.Anchor
	}

	inserted, err := r.store.CompleteReflection(ctx, rec)
	if err != nil {
		return Subject{}, false, study.Persistence(pid, "complete reflection", err)
	}
	subject.Completed = true
	if !inserted {
		return subject, true, nil
	}

	switch subject.Variant {
	case study.ReflectionWalkingOnly:
		r.events.appendJSON(ctx, pid, study.EventWalkingOnlyReflection, conditionRef(c),
			map[string]string{"walking_reason": rec.WalkingReason})
	case study.ReflectionSwitchBased:
		r.events.appendJSON(ctx, pid, study.EventTripReflectionResponse,
			trialRef(rec.Anchor.OverallTrialNumber, c, rec.Anchor.TripID),
			map[string]any{"trip_likert_responses": p.Likert})
	}
	r.events.append(ctx, pid, study.EventReflectionCompleted, conditionRef(c), string(rec.Type))
	return subject, false, nil
}
