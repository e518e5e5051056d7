package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tripstudy/internal/study"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// FindAssignment retrieves a participant's assignment.
// Returns found=false if the participant is not in the ledger.
func (s *Store) FindAssignment(ctx context.Context, participantID string) (study.Assignment, bool, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx, `
		SELECT participant_id, condition_order_idx, trip_order_idx, assigned_at
		FROM assignments
		WHERE participant_id = ?
	`, participantID))
	if errors.Is(err, sql.ErrNoRows) {
		return study.Assignment{}, false, nil
	}
	if err != nil {
		return study.Assignment{}, false, fmt.Errorf("find assignment: %w", err)
	}
	return a, true, nil
}

// ListAssignments returns the whole ledger in arrival order.
// Returns an empty slice (not nil) for an empty ledger.
func (s *Store) ListAssignments(ctx context.Context) ([]study.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id, condition_order_idx, trip_order_idx, assigned_at
		FROM assignments
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	assignments := []study.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return assignments, nil
}

// ReadTrials returns a participant's trial log ordered by overall trial number.
// Rows outside the study's trial range are skipped.
// Returns an empty slice (not nil) if nothing was recorded.
func (s *Store) ReadTrials(ctx context.Context, participantID string) ([]study.TrialRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id, overall_trip_number, condition, trip_within_condition, trip_id, choice,
		       recorded_at, rationale, credit_lost, impact_comparison, walking_reason
		FROM trials
		WHERE participant_id = ?
		ORDER BY overall_trip_number ASC
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("query trials: %w", err)
	}
	defer rows.Close()

	trials := []study.TrialRecord{}
	for rows.Next() {
		var rec study.TrialRecord
		var choice, recordedAt string
		if err := rows.Scan(
			&rec.ParticipantID,
			&rec.OverallTrialNumber,
			&rec.Condition,
			&rec.TrialWithinCondition,
			&rec.TripID,
			&choice,
			&recordedAt,
			&rec.Rationale,
			&rec.CreditLost,
			&rec.ImpactComparison,
			&rec.WalkingReason,
		); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		if !study.ValidTrialNumber(rec.OverallTrialNumber) {
			continue
		}
		rec.Choice = study.Choice(choice)
		rec.Timestamp = parseTime(recordedAt)
		trials = append(trials, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trials: %w", err)
	}
	return trials, nil
}

// ReadSwitch retrieves the switch record of a condition, if any.
func (s *Store) ReadSwitch(ctx context.Context, participantID string, condition int) (study.SwitchRecord, bool, error) {
	var sw study.SwitchRecord
	var choice, recordedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT participant_id, condition, overall_trip_number, trip_id, choice, recorded_at
		FROM switches
		WHERE participant_id = ? AND condition = ?
	`, participantID, condition).Scan(
		&sw.ParticipantID,
		&sw.Condition,
		&sw.OverallTrialNumber,
		&sw.TripID,
		&choice,
		&recordedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return study.SwitchRecord{}, false, nil
	}
	if err != nil {
		return study.SwitchRecord{}, false, fmt.Errorf("read switch: %w", err)
	}
	sw.Choice = study.Choice(choice)
	sw.Timestamp = parseTime(recordedAt)
	return sw, true, nil
}

// ReadReflection retrieves the completed reflection of a condition, if any.
func (s *Store) ReadReflection(ctx context.Context, participantID string, condition int) (study.ReflectionRecord, bool, error) {
	var rec study.ReflectionRecord
	var reflectionType, completedAt string
	var anchorTrip, anchorTripID sql.NullInt64
	var anchorChoice sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT participant_id, condition, reflection_type, rationale, credit_lost, impact_comparison,
		       walking_reason, anchor_trip_number, anchor_trip_id, anchor_choice, completed_at
		FROM reflections
		WHERE participant_id = ? AND condition = ?
	`, participantID, condition).Scan(
		&rec.ParticipantID,
		&rec.Condition,
		&reflectionType,
		&rec.Rationale,
		&rec.CreditLost,
		&rec.ImpactComparison,
		&rec.WalkingReason,
		&anchorTrip,
		&anchorTripID,
		&anchorChoice,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return study.ReflectionRecord{}, false, nil
	}
	if err != nil {
		return study.ReflectionRecord{}, false, fmt.Errorf("read reflection: %w", err)
	}
	rec.Type = study.ReflectionType(reflectionType)
	rec.CompletedAt = parseTime(completedAt)
	if anchorTrip.Valid && anchorTripID.Valid {
		rec.Anchor = &study.Anchor{
			OverallTrialNumber: int(anchorTrip.Int64),
			TripID:             int(anchorTripID.Int64),
			Choice:             study.Choice(anchorChoice.String),
		}
	}
	return rec, true, nil
}

// ReadEvents returns a participant's diagnostic events in write order.
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadEvents(ctx context.Context, participantID string) ([]study.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant_id, overall_trip_number, condition, trip_id, event_type, data, created_at
		FROM events
		WHERE participant_id = ?
		ORDER BY seq ASC
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []study.Event{}
	for rows.Next() {
		var ev study.Event
		var trial, condition, tripID sql.NullInt64
		var createdAt string
		if err := rows.Scan(
			&ev.ID,
			&ev.ParticipantID,
			&trial,
			&condition,
			&tripID,
			&ev.Type,
			&ev.Data,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.OverallTrialNumber = unsetIfNull(trial)
		ev.Condition = unsetIfNull(condition)
		ev.TripID = unsetIfNull(tripID)
		ev.Timestamp = parseTime(createdAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// scanAssignment scans one ledger row.
func scanAssignment(row rowScanner) (study.Assignment, error) {
	var a study.Assignment
	var assignedAt string
	if err := row.Scan(&a.ParticipantID, &a.ConditionOrderIndex, &a.TrialOrderIndex, &assignedAt); err != nil {
		return study.Assignment{}, err
	}
	a.AssignedAt = parseTime(assignedAt)
	return a, nil
}
