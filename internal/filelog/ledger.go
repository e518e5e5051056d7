package filelog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/tripstudy/internal/study"
)

var ledgerHeader = []string{"participant_id", "condition_order_idx", "trip_order_idx", "timestamp"}

// Allocate returns the participant's assignment, creating it if absent.
//
// The ledger is re-read, counted and appended to while holding both the
// process mutex and an flock on the ledger's lock file.
func (s *Store) Allocate(ctx context.Context, participantID string, now time.Time, policy study.AllocationPolicy) (study.Assignment, bool, error) {
	if err := checkID(participantID); err != nil {
		return study.Assignment{}, false, fmt.Errorf("allocate: %w", err)
	}

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	release, err := lockFile(ctx, s.ledgerPath()+".lock")
	if err != nil {
		return study.Assignment{}, false, fmt.Errorf("allocate: %w", err)
	}
	defer release()

	all, err := s.readLedger()
	if err != nil {
		return study.Assignment{}, false, fmt.Errorf("allocate: %w", err)
	}
	for _, a := range all {
		if a.ParticipantID == participantID {
			return a, false, nil
		}
	}

	ci, ti := policy(len(all))
	a := study.Assignment{
		ParticipantID:       participantID,
		ConditionOrderIndex: ci,
		TrialOrderIndex:     ti,
		AssignedAt:          now.UTC(),
	}
	row := []string{a.ParticipantID, strconv.Itoa(ci), strconv.Itoa(ti), formatTime(a.AssignedAt)}
	if err := appendRow(s.ledgerPath(), ledgerHeader, row); err != nil {
		return study.Assignment{}, false, fmt.Errorf("allocate: %w", err)
	}
	return a, true, nil
}

// FindAssignment retrieves a participant's assignment.
// Returns found=false if the participant is not in the ledger.
func (s *Store) FindAssignment(ctx context.Context, participantID string) (study.Assignment, bool, error) {
	all, err := s.readLedger()
	if err != nil {
		return study.Assignment{}, false, fmt.Errorf("find assignment: %w", err)
	}
	for _, a := range all {
		if a.ParticipantID == participantID {
			return a, true, nil
		}
	}
	return study.Assignment{}, false, nil
}

// ListAssignments returns the ledger in file order.
// Returns an empty slice (not nil) for an empty ledger.
func (s *Store) ListAssignments(ctx context.Context) ([]study.Assignment, error) {
	all, err := s.readLedger()
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return all, nil
}

// readLedger parses the ledger, skipping rows that are short, have
// non-numeric or out-of-range indices, or repeat an earlier participant id.
func (s *Store) readLedger() ([]study.Assignment, error) {
	rows, err := readRows(s.ledgerPath())
	if err != nil {
		return nil, err
	}

	out := []study.Assignment{}
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if len(row) < 3 || row[0] == "" || seen[row[0]] {
			continue
		}
		ci, err1 := strconv.Atoi(row[1])
		ti, err2 := strconv.Atoi(row[2])
		if err1 != nil || err2 != nil {
			continue
		}
		a := study.Assignment{ParticipantID: row[0], ConditionOrderIndex: ci, TrialOrderIndex: ti}
		if !a.Valid() {
			continue
		}
		if len(row) > 3 {
			a.AssignedAt = parseTime(row[3])
		}
		seen[a.ParticipantID] = true
		out = append(out, a)
	}
	return out, nil
}
