package filelog

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roach88/tripstudy/internal/study"
)

var eventHeader = []string{
	"ProlificID",
	"overall_trip_number",
	"condition",
	"timestamp",
	"event_type",
	"trip_id",
	"data",
	"event_id",
}

func optionalInt(v int) string {
	if v == study.Unset {
		return ""
	}
	return strconv.Itoa(v)
}

func parseOptionalInt(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return study.Unset
	}
	return v
}

// AppendEvent appends an event row. Rows are deduplicated by event id; an
// event without an id is always appended.
func (s *Store) AppendEvent(ctx context.Context, ev study.Event) error {
	if err := checkID(ev.ParticipantID); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	unlock := s.lockParticipant(ev.ParticipantID)
	defer unlock()

	path := s.eventsPath(ev.ParticipantID)
	if ev.ID != "" {
		rows, err := readRows(path)
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		for _, row := range rows {
			if len(row) == len(eventHeader) && row[7] == ev.ID {
				return nil
			}
		}
	}

	row := []string{
		ev.ParticipantID,
		optionalInt(ev.OverallTrialNumber),
		optionalInt(ev.Condition),
		formatTime(ev.Timestamp),
		ev.Type,
		optionalInt(ev.TripID),
		ev.Data,
		ev.ID,
	}
	if err := appendRow(path, eventHeader, row); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ReadEvents returns the participant's events in append order.
// Rows without an event type are skipped.
func (s *Store) ReadEvents(ctx context.Context, participantID string) ([]study.Event, error) {
	if err := checkID(participantID); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	rows, err := readRows(s.eventsPath(participantID))
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	events := []study.Event{}
	for _, row := range rows {
		if len(row) < 5 || row[4] == "" {
			continue
		}
		ev := study.Event{
			ParticipantID:      row[0],
			OverallTrialNumber: parseOptionalInt(row[1]),
			Condition:          parseOptionalInt(row[2]),
			Timestamp:          parseTime(row[3]),
			Type:               row[4],
			TripID:             study.Unset,
		}
		if len(row) > 5 {
			ev.TripID = parseOptionalInt(row[5])
		}
		if len(row) > 6 {
			ev.Data = row[6]
		}
		if len(row) > 7 {
			ev.ID = row[7]
		}
		events = append(events, ev)
	}
	return events, nil
}
