package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/roach88/tripstudy/internal/study"
)

// eventLog appends diagnostic events.
//
// Events never drive flow decisions, so a failed event write is logged and
// swallowed rather than failing the operation that produced it.
type eventLog struct {
	store  Store
	clock  Clock
	ids    IDGenerator
	logger *slog.Logger
}

// eventRef locates an event inside the study. Unset fields stay study.Unset.
type eventRef struct {
	trial     int
	condition int
	tripID    int
}

func noRef() eventRef {
	return eventRef{trial: study.Unset, condition: study.Unset, tripID: study.Unset}
}

func trialRef(n, condition, tripID int) eventRef {
	return eventRef{trial: n, condition: condition, tripID: tripID}
}

func conditionRef(condition int) eventRef {
	return eventRef{trial: study.Unset, condition: condition, tripID: study.Unset}
}

func (l *eventLog) append(ctx context.Context, participantID, eventType string, ref eventRef, data string) {
	ev := study.Event{
		ID:                 l.ids.Generate(),
		ParticipantID:      participantID,
		OverallTrialNumber: ref.trial,
		Condition:          ref.condition,
		TripID:             ref.tripID,
		Type:               eventType,
		Data:               data,
		Timestamp:          l.clock.Now(),
	}
	if err := l.store.AppendEvent(ctx, ev); err != nil {
		l.logger.Warn("event write failed",
			"participant", participantID,
			"event_type", eventType,
			"error", err)
	}
}

// appendJSON is append with a JSON-encoded data field.
func (l *eventLog) appendJSON(ctx context.Context, participantID, eventType string, ref eventRef, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		l.logger.Warn("event encode failed",
			"participant", participantID,
			"event_type", eventType,
			"error", err)
		return
	}
	l.append(ctx, participantID, eventType, ref, string(b))
}
