package filelog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/roach88/tripstudy/internal/questionnaire"
	"github.com/roach88/tripstudy/internal/study"
)

// switchEntry is one condition of the switches file.
type switchEntry struct {
	ParticipantID       string       `json:"participant_id"`
	OverallTripNumber   int          `json:"overall_trip_number"`
	Condition           int          `json:"condition"`
	TripWithinCondition int          `json:"trip_within_condition"`
	TripID              int          `json:"trip_id"`
	Choice              study.Choice `json:"choice"`
	Timestamp           string       `json:"timestamp"`
}

func switchKey(condition int) string {
	return "condition_" + strconv.Itoa(condition)
}

func (s *Store) readSwitches(pid string) (map[string]switchEntry, error) {
	data, err := os.ReadFile(s.switchesPath(pid))
	if os.IsNotExist(err) {
		return map[string]switchEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	switches := map[string]switchEntry{}
	if err := json.Unmarshal(data, &switches); err != nil {
		return nil, fmt.Errorf("decode switches: %w", err)
	}
	return switches, nil
}

// RecordSwitch stores the first ride choice of a condition.
// First write wins; later calls for the same condition report false.
func (s *Store) RecordSwitch(ctx context.Context, sw study.SwitchRecord) (bool, error) {
	if err := checkID(sw.ParticipantID); err != nil {
		return false, fmt.Errorf("record switch: %w", err)
	}
	unlock := s.lockParticipant(sw.ParticipantID)
	defer unlock()

	switches, err := s.readSwitches(sw.ParticipantID)
	if err != nil {
		return false, fmt.Errorf("record switch: %w", err)
	}
	key := switchKey(sw.Condition)
	if _, ok := switches[key]; ok {
		return false, nil
	}
	switches[key] = switchEntry{
		ParticipantID:       sw.ParticipantID,
		OverallTripNumber:   sw.OverallTrialNumber,
		Condition:           sw.Condition,
		TripWithinCondition: sw.TrialWithinCondition(),
		TripID:              sw.TripID,
		Choice:              sw.Choice,
		Timestamp:           formatTime(sw.Timestamp),
	}

	data, err := json.MarshalIndent(switches, "", "  ")
	if err != nil {
		return false, fmt.Errorf("record switch: encode: %w", err)
	}
	if err := writeFileAtomic(s.switchesPath(sw.ParticipantID), data); err != nil {
		return false, fmt.Errorf("record switch: %w", err)
	}
	return true, nil
}

// ReadSwitch retrieves the switch record of a condition, if any.
func (s *Store) ReadSwitch(ctx context.Context, participantID string, condition int) (study.SwitchRecord, bool, error) {
	if err := checkID(participantID); err != nil {
		return study.SwitchRecord{}, false, fmt.Errorf("read switch: %w", err)
	}
	switches, err := s.readSwitches(participantID)
	if err != nil {
		return study.SwitchRecord{}, false, fmt.Errorf("read switch: %w", err)
	}
	e, ok := switches[switchKey(condition)]
	if !ok {
		return study.SwitchRecord{}, false, nil
	}
	return study.SwitchRecord{
		ParticipantID:      e.ParticipantID,
		Condition:          e.Condition,
		OverallTrialNumber: e.OverallTripNumber,
		TripID:             e.TripID,
		Choice:             e.Choice,
		Timestamp:          parseTime(e.Timestamp),
	}, true, nil
}

// reflectionFile is the on-disk form of a completed reflection.
type reflectionFile struct {
	ParticipantID       string               `json:"participant_id"`
	Condition           int                  `json:"condition"`
	CompletedTimestamp  string               `json:"completed_timestamp"`
	ReflectionType      study.ReflectionType `json:"reflection_type"`
	Rationale           string               `json:"rationale,omitempty"`
	TripLikertResponses map[string]int       `json:"trip_likert_responses,omitempty"`
	WalkingReason       string               `json:"walking_reason,omitempty"`
	Anchor              *study.Anchor        `json:"anchor,omitempty"`
}

func toReflectionFile(rec study.ReflectionRecord) reflectionFile {
	f := reflectionFile{
		ParticipantID:      rec.ParticipantID,
		Condition:          rec.Condition,
		CompletedTimestamp: formatTime(rec.CompletedAt),
		ReflectionType:     rec.Type,
		Rationale:          rec.Rationale,
		WalkingReason:      rec.WalkingReason,
		Anchor:             rec.Anchor,
	}
	if rec.Type == study.ReflectionSwitchBased {
		f.TripLikertResponses = map[string]int{
			questionnaire.LikertCreditLost:       rec.CreditLost,
			questionnaire.LikertImpactComparison: rec.ImpactComparison,
		}
	}
	return f
}

func (f reflectionFile) record() study.ReflectionRecord {
	rec := study.ReflectionRecord{
		ParticipantID: f.ParticipantID,
		Condition:     f.Condition,
		Type:          f.ReflectionType,
		Rationale:     f.Rationale,
		WalkingReason: f.WalkingReason,
		Anchor:        f.Anchor,
		CompletedAt:   parseTime(f.CompletedTimestamp),
	}
	if !rec.Type.Valid() {
		// Files without a type predate walking-only reflections.
		rec.Type = study.ReflectionSwitchBased
	}
	rec.CreditLost = f.TripLikertResponses[questionnaire.LikertCreditLost]
	rec.ImpactComparison = f.TripLikertResponses[questionnaire.LikertImpactComparison]
	return rec
}

func (s *Store) readReflection(pid string, condition int) (study.ReflectionRecord, bool, error) {
	data, err := os.ReadFile(s.reflectionPath(pid, condition))
	if os.IsNotExist(err) {
		return study.ReflectionRecord{}, false, nil
	}
	if err != nil {
		return study.ReflectionRecord{}, false, err
	}
	var f reflectionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return study.ReflectionRecord{}, false, fmt.Errorf("decode reflection: %w", err)
	}
	return f.record(), true, nil
}

// ReadReflection retrieves the completed reflection of a condition, if any.
func (s *Store) ReadReflection(ctx context.Context, participantID string, condition int) (study.ReflectionRecord, bool, error) {
	if err := checkID(participantID); err != nil {
		return study.ReflectionRecord{}, false, fmt.Errorf("read reflection: %w", err)
	}
	rec, found, err := s.readReflection(participantID, condition)
	if err != nil {
		return study.ReflectionRecord{}, false, fmt.Errorf("read reflection: %w", err)
	}
	return rec, found, nil
}

// CompleteReflection rewrites the trial log with the reflection's answers and
// then writes the reflection file, both under the participant lock.
//
// The reflection file marks the condition done, so it is written last: a
// crash between the two writes leaves the reflection pending and the
// participant is asked again. The next submission overwrites the merge.
//
// If the reflection file already exists the stored reflection is merged
// again and false is returned.
func (s *Store) CompleteReflection(ctx context.Context, rec study.ReflectionRecord) (bool, error) {
	if err := checkID(rec.ParticipantID); err != nil {
		return false, fmt.Errorf("complete reflection: %w", err)
	}
	unlock := s.lockParticipant(rec.ParticipantID)
	defer unlock()

	stored, found, err := s.readReflection(rec.ParticipantID, rec.Condition)
	if err != nil {
		return false, fmt.Errorf("complete reflection: %w", err)
	}
	if found {
		if err := s.mergeReflection(stored); err != nil {
			return false, fmt.Errorf("complete reflection: re-merge: %w", err)
		}
		return false, nil
	}

	data, err := json.MarshalIndent(toReflectionFile(rec), "", "  ")
	if err != nil {
		return false, fmt.Errorf("complete reflection: encode: %w", err)
	}
	if err := s.mergeReflection(rec); err != nil {
		return false, fmt.Errorf("complete reflection: merge: %w", err)
	}
	if err := writeFileAtomic(s.reflectionPath(rec.ParticipantID, rec.Condition), data); err != nil {
		return false, fmt.Errorf("complete reflection: %w", err)
	}
	return true, nil
}
