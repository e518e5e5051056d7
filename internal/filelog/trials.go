package filelog

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/roach88/tripstudy/internal/study"
)

var trialHeader = []string{
	"ProlificID",
	"overall_trip_number",
	"condition",
	"trip_within_condition",
	"timestamp",
	"trip_id",
	"choice",
	"trip_reflection_rationale",
	"trip_likert_credit_lost",
	"trip_likert_impact_comparison",
	"walking_reflection_walking_reason",
}

// Column positions in the trial log.
const (
	colParticipant = iota
	colTrial
	colCondition
	colWithin
	colTimestamp
	colTripID
	colChoice
	colRationale
	colCreditLost
	colImpactComparison
	colWalkingReason
	trialColumns
)

// minTrialColumns is the shortest row still usable: everything up to choice.
const minTrialColumns = colChoice + 1

func trialRow(rec study.TrialRecord) []string {
	return []string{
		rec.ParticipantID,
		strconv.Itoa(rec.OverallTrialNumber),
		strconv.Itoa(rec.Condition),
		strconv.Itoa(rec.TrialWithinCondition),
		formatTime(rec.Timestamp),
		strconv.Itoa(rec.TripID),
		string(rec.Choice),
		rec.Rationale,
		rec.CreditLost,
		rec.ImpactComparison,
		rec.WalkingReason,
	}
}

// parseTrial decodes one trial row. Returns ok=false for rows that are short,
// non-numeric, out of range or carry an unknown choice.
func parseTrial(row []string) (study.TrialRecord, bool) {
	if len(row) < minTrialColumns {
		return study.TrialRecord{}, false
	}
	n, err := strconv.Atoi(row[colTrial])
	if err != nil || !study.ValidTrialNumber(n) {
		return study.TrialRecord{}, false
	}
	cond, err := strconv.Atoi(row[colCondition])
	if err != nil || !study.ValidCondition(cond) {
		return study.TrialRecord{}, false
	}
	within, err := strconv.Atoi(row[colWithin])
	if err != nil {
		return study.TrialRecord{}, false
	}
	tripID, err := strconv.Atoi(row[colTripID])
	if err != nil || tripID < 0 || tripID >= study.NumTrips {
		return study.TrialRecord{}, false
	}
	choice := study.Choice(row[colChoice])
	if !choice.Valid() {
		return study.TrialRecord{}, false
	}

	rec := study.TrialRecord{
		ParticipantID:        row[colParticipant],
		OverallTrialNumber:   n,
		Condition:            cond,
		TrialWithinCondition: within,
		TripID:               tripID,
		Choice:               choice,
		Timestamp:            parseTime(row[colTimestamp]),
	}
	if len(row) == trialColumns {
		rec.Rationale = row[colRationale]
		rec.CreditLost = row[colCreditLost]
		rec.ImpactComparison = row[colImpactComparison]
		rec.WalkingReason = row[colWalkingReason]
	}
	return rec, true
}

// AppendTrial appends a trial row unless the log already holds one with the
// same overall trial number.
func (s *Store) AppendTrial(ctx context.Context, rec study.TrialRecord) (bool, error) {
	if err := checkID(rec.ParticipantID); err != nil {
		return false, fmt.Errorf("append trial: %w", err)
	}
	unlock := s.lockParticipant(rec.ParticipantID)
	defer unlock()

	existing, err := s.readTrials(rec.ParticipantID)
	if err != nil {
		return false, fmt.Errorf("append trial: %w", err)
	}
	for _, t := range existing {
		if t.OverallTrialNumber == rec.OverallTrialNumber {
			return false, nil
		}
	}

	if err := appendRow(s.trialsPath(rec.ParticipantID), trialHeader, trialRow(rec)); err != nil {
		return false, fmt.Errorf("append trial: %w", err)
	}
	return true, nil
}

// ReadTrials returns the participant's trial log ordered by overall trial
// number. Unparsable rows are skipped; if a number appears twice the first
// row wins. Returns an empty slice (not nil) if nothing was recorded.
func (s *Store) ReadTrials(ctx context.Context, participantID string) ([]study.TrialRecord, error) {
	if err := checkID(participantID); err != nil {
		return nil, fmt.Errorf("read trials: %w", err)
	}
	trials, err := s.readTrials(participantID)
	if err != nil {
		return nil, fmt.Errorf("read trials: %w", err)
	}
	return trials, nil
}

func (s *Store) readTrials(pid string) ([]study.TrialRecord, error) {
	rows, err := readRows(s.trialsPath(pid))
	if err != nil {
		return nil, err
	}
	trials := []study.TrialRecord{}
	seen := make(map[int]bool, len(rows))
	for _, row := range rows {
		rec, ok := parseTrial(row)
		if !ok || seen[rec.OverallTrialNumber] {
			continue
		}
		seen[rec.OverallTrialNumber] = true
		trials = append(trials, rec)
	}
	sort.Slice(trials, func(i, j int) bool {
		return trials[i].OverallTrialNumber < trials[j].OverallTrialNumber
	})
	return trials, nil
}

// mergeReflection rewrites the trial log with the reflection's answers in
// every row of its condition. Rows of other conditions are copied verbatim;
// rows the CSV reader cannot parse at all are dropped.
// Caller must hold the participant lock.
func (s *Store) mergeReflection(rec study.ReflectionRecord) error {
	path := s.trialsPath(rec.ParticipantID)
	rows, err := readRows(path)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	var cols study.TrialRecord
	rec.ApplyTo(&cols)

	out := make([][]string, 0, len(rows)+1)
	out = append(out, trialHeader)
	for _, row := range rows {
		if len(row) >= minTrialColumns && row[colCondition] == strconv.Itoa(rec.Condition) {
			for len(row) < trialColumns {
				row = append(row, "")
			}
			row[colRationale] = cols.Rationale
			row[colCreditLost] = cols.CreditLost
			row[colImpactComparison] = cols.ImpactComparison
			row[colWalkingReason] = cols.WalkingReason
		}
		out = append(out, row)
	}

	data, err := encodeRows(out)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}
