package engine

import (
	"context"

	"github.com/roach88/tripstudy/internal/study"
)

// NextTrialNumber folds a trial log into the next servable trial: one past
// the highest recorded overall trial number, or 0 for an empty log.
// Out-of-range rows are ignored.
func NextTrialNumber(trials []study.TrialRecord) int {
	next := 0
	for _, t := range trials {
		if !study.ValidTrialNumber(t.OverallTrialNumber) {
			continue
		}
		if t.OverallTrialNumber+1 > next {
			next = t.OverallTrialNumber + 1
		}
	}
	return next
}

// Progress is a participant's reconstructed position.
type Progress struct {
	ParticipantID     string                    `json:"participant_id"`
	Assignment        study.Assignment          `json:"assignment"`
	NextTrial         int                       `json:"next_trial"`
	RecordedTrials    int                       `json:"recorded_trials"`
	TrialsByCondition [study.NumConditions]int  `json:"trials_by_condition"`
	Reflections       [study.NumConditions]bool `json:"reflections_done"`
	Switches          [study.NumConditions]bool `json:"switches"`
}

// Reconstructor derives progress from durable logs.
// Nothing is cached: every call re-reads storage.
type Reconstructor struct {
	store Store
}

// NewReconstructor creates a reconstructor over the given store.
func NewReconstructor(s Store) *Reconstructor {
	return &Reconstructor{store: s}
}

// NextTrialNumber returns the next servable trial of the participant.
func (r *Reconstructor) NextTrialNumber(ctx context.Context, participantID string) (int, error) {
	trials, err := r.store.ReadTrials(ctx, participantID)
	if err != nil {
		return 0, study.Persistence(participantID, "read trials", err)
	}
	return NextTrialNumber(trials), nil
}

// ReflectionDone reports whether the reflection of condition c is recorded.
func (r *Reconstructor) ReflectionDone(ctx context.Context, participantID string, c int) (bool, error) {
	_, found, err := r.store.ReadReflection(ctx, participantID, c)
	if err != nil {
		return false, study.Persistence(participantID, "read reflection", err)
	}
	return found, nil
}

// Snapshot gathers the full reconstructed state of one participant.
func (r *Reconstructor) Snapshot(ctx context.Context, a study.Assignment) (Progress, error) {
	pid := a.ParticipantID
	trials, err := r.store.ReadTrials(ctx, pid)
	if err != nil {
		return Progress{}, study.Persistence(pid, "read trials", err)
	}

	p := Progress{
		ParticipantID:  pid,
		Assignment:     a,
		NextTrial:      NextTrialNumber(trials),
		RecordedTrials: len(trials),
	}
	for _, t := range trials {
		if study.ValidCondition(t.Condition) {
			p.TrialsByCondition[t.Condition]++
		}
	}
	for c := 0; c < study.NumConditions; c++ {
		if p.Reflections[c], err = r.ReflectionDone(ctx, pid, c); err != nil {
			return Progress{}, err
		}
		_, found, err := r.store.ReadSwitch(ctx, pid, c)
		if err != nil {
			return Progress{}, study.Persistence(pid, "read switch", err)
		}
		p.Switches[c] = found
	}
	return p, nil
}

// blockComplete reports whether every trial of the block has been reached.
func blockComplete(next, block int) bool {
	return next >= (block+1)*study.TrialsPerCondition
}

// firstPendingReflection walks blocks [0, upTo) in the participant's
// condition order and returns the first condition lacking a reflection,
// or -1 if all are done.
func (r *Reconstructor) firstPendingReflection(ctx context.Context, a study.Assignment, upTo int) (int, error) {
	if upTo > study.NumConditions {
		upTo = study.NumConditions
	}
	seq := a.ConditionSequence()
	for block := 0; block < upTo; block++ {
		done, err := r.ReflectionDone(ctx, a.ParticipantID, seq[block])
		if err != nil {
			return -1, err
		}
		if !done {
			return seq[block], nil
		}
	}
	return -1, nil
}

// Decide is the reflection check: given the participant's assignment it
// returns the step they belong on.
//
// Fully reached blocks are walked in condition order and the first one
// without a reflection wins. Otherwise the participant is complete at 50
// trials, at a block intro on a block boundary, or mid-block at Trial(next).
func (r *Reconstructor) Decide(ctx context.Context, a study.Assignment) (Step, error) {
	next, err := r.NextTrialNumber(ctx, a.ParticipantID)
	if err != nil {
		return Step{}, err
	}
	return r.decideAt(ctx, a, next)
}

func (r *Reconstructor) decideAt(ctx context.Context, a study.Assignment, next int) (Step, error) {
	pending, err := r.firstPendingReflection(ctx, a, next/study.TrialsPerCondition)
	if err != nil {
		return Step{}, err
	}
	switch {
	case pending >= 0:
		return ReflectionStep(pending), nil
	case next >= study.TotalTrials:
		return CompleteStep(), nil
	case next%study.TrialsPerCondition == 0:
		return BlockIntroStep(next/study.TrialsPerCondition+1, next), nil
	default:
		return TrialStep(next), nil
	}
}
