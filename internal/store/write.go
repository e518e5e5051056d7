package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tripstudy/internal/study"
)

// Allocate returns the participant's assignment, creating it if absent.
//
// The existence check, the ledger count and the insert run in one transaction
// while holding the ledger lock, so two concurrent first visits can never
// observe the same count. Returns created=false for a returning participant.
func (s *Store) Allocate(ctx context.Context, participantID string, now time.Time, policy study.AllocationPolicy) (a study.Assignment, created bool, err error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return study.Assignment{}, false, fmt.Errorf("allocate: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	existing, err := scanAssignment(tx.QueryRowContext(ctx, `
		SELECT participant_id, condition_order_idx, trip_order_idx, assigned_at
		FROM assignments
		WHERE participant_id = ?
	`, participantID))
	if err == nil {
		return existing, false, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return study.Assignment{}, false, fmt.Errorf("allocate: select existing: %w", err)
	}

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments`).Scan(&n); err != nil {
		return study.Assignment{}, false, fmt.Errorf("allocate: count ledger: %w", err)
	}

	ci, ti := policy(n)
	a = study.Assignment{
		ParticipantID:       participantID,
		ConditionOrderIndex: ci,
		TrialOrderIndex:     ti,
		AssignedAt:          now.UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assignments (participant_id, condition_order_idx, trip_order_idx, assigned_at)
		VALUES (?, ?, ?, ?)
	`, a.ParticipantID, a.ConditionOrderIndex, a.TrialOrderIndex, formatTime(a.AssignedAt))
	if err != nil {
		return study.Assignment{}, false, fmt.Errorf("allocate: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return study.Assignment{}, false, fmt.Errorf("allocate: commit: %w", err)
	}

	return a, true, nil
}

// AppendTrial inserts a trial row.
// Uses ON CONFLICT DO NOTHING for idempotency: a second write for the same
// (participant, overall trial number) is ignored and reported as inserted=false.
func (s *Store) AppendTrial(ctx context.Context, rec study.TrialRecord) (inserted bool, err error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO trials
		(participant_id, overall_trip_number, condition, trip_within_condition, trip_id, choice,
		 recorded_at, rationale, credit_lost, impact_comparison, walking_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(participant_id, overall_trip_number) DO NOTHING
	`,
		rec.ParticipantID,
		rec.OverallTrialNumber,
		rec.Condition,
		rec.TrialWithinCondition,
		rec.TripID,
		string(rec.Choice),
		formatTime(rec.Timestamp),
		rec.Rationale,
		rec.CreditLost,
		rec.ImpactComparison,
		rec.WalkingReason,
	)
	if err != nil {
		return false, fmt.Errorf("append trial: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append trial: rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// RecordSwitch stores the first ride choice of a condition.
// First write wins; later calls for the same condition report inserted=false.
func (s *Store) RecordSwitch(ctx context.Context, sw study.SwitchRecord) (inserted bool, err error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO switches
		(participant_id, condition, overall_trip_number, trip_id, choice, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(participant_id, condition) DO NOTHING
	`,
		sw.ParticipantID,
		sw.Condition,
		sw.OverallTrialNumber,
		sw.TripID,
		string(sw.Choice),
		formatTime(sw.Timestamp),
	)
	if err != nil {
		return false, fmt.Errorf("record switch: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record switch: rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// CompleteReflection writes the reflection record and merges its answers into
// every trial row of the same condition, in a single transaction.
//
// If a reflection already exists for (participant, condition) nothing is
// written and inserted=false is returned; the stored answers are kept.
func (s *Store) CompleteReflection(ctx context.Context, rec study.ReflectionRecord) (inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("complete reflection: begin tx: %w", err)
	}
	defer tx.Rollback()

	var anchorTrip, anchorTripID, anchorChoice any
	if rec.Anchor != nil {
		anchorTrip = rec.Anchor.OverallTrialNumber
		anchorTripID = rec.Anchor.TripID
		anchorChoice = string(rec.Anchor.Choice)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO reflections
		(participant_id, condition, reflection_type, rationale, credit_lost, impact_comparison,
		 walking_reason, anchor_trip_number, anchor_trip_id, anchor_choice, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(participant_id, condition) DO NOTHING
	`,
		rec.ParticipantID,
		rec.Condition,
		string(rec.Type),
		rec.Rationale,
		rec.CreditLost,
		rec.ImpactComparison,
		rec.WalkingReason,
		anchorTrip,
		anchorTripID,
		anchorChoice,
		formatTime(rec.CompletedAt),
	)
	if err != nil {
		return false, fmt.Errorf("complete reflection: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete reflection: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("complete reflection: commit (existing): %w", err)
		}
		return false, nil
	}

	var cols study.TrialRecord
	rec.ApplyTo(&cols)
	_, err = tx.ExecContext(ctx, `
		UPDATE trials
		SET rationale = ?, credit_lost = ?, impact_comparison = ?, walking_reason = ?
		WHERE participant_id = ? AND condition = ?
	`,
		cols.Rationale,
		cols.CreditLost,
		cols.ImpactComparison,
		cols.WalkingReason,
		rec.ParticipantID,
		rec.Condition,
	)
	if err != nil {
		return false, fmt.Errorf("complete reflection: merge trials: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("complete reflection: commit: %w", err)
	}
	return true, nil
}

// AppendEvent inserts a diagnostic event.
// Uses ON CONFLICT(id) DO NOTHING so a retried write with the same id is harmless.
func (s *Store) AppendEvent(ctx context.Context, ev study.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events
		(id, participant_id, overall_trip_number, condition, trip_id, event_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.ParticipantID,
		nullIfUnset(ev.OverallTrialNumber),
		nullIfUnset(ev.Condition),
		nullIfUnset(ev.TripID),
		ev.Type,
		ev.Data,
		formatTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
