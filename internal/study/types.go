package study

import (
	"strconv"
	"time"
)

// Choice is the option a participant picked for a trial.
type Choice string

const (
	ChoiceWalking     Choice = "walking"
	ChoiceRegularRide Choice = "regular_ride"
	ChoiceEcoRide     Choice = "eco_ride"
)

// ValidChoices lists the accepted choice values.
var ValidChoices = map[Choice]bool{
	ChoiceWalking:     true,
	ChoiceRegularRide: true,
	ChoiceEcoRide:     true,
}

// Valid reports whether c is one of the accepted choices.
func (c Choice) Valid() bool {
	return ValidChoices[c]
}

// IsRide reports whether c is a ride option (anything but walking).
func (c Choice) IsRide() bool {
	return c != ChoiceWalking
}

// ReflectionType identifies which post-block questionnaire applies.
type ReflectionType string

const (
	// ReflectionSwitchBased is anchored to a trial where a ride was chosen.
	ReflectionSwitchBased ReflectionType = "switch_based"
	// ReflectionWalkingOnly applies when every trial of the block was walked.
	ReflectionWalkingOnly ReflectionType = "walking_only"
)

// Valid reports whether t is a known reflection type.
func (t ReflectionType) Valid() bool {
	return t == ReflectionSwitchBased || t == ReflectionWalkingOnly
}

// Unset marks an absent trial number, condition or trip id on event entries.
const Unset = -1

// Assignment is a participant's counterbalancing allocation.
// Created at most once per participant and immutable afterwards.
type Assignment struct {
	ParticipantID       string    `json:"participant_id"`
	ConditionOrderIndex int       `json:"condition_order_idx"`
	TrialOrderIndex     int       `json:"trip_order_idx"`
	AssignedAt          time.Time `json:"timestamp"`
}

// TrialRecord is one row of a participant's trial log.
// The four reflection columns stay empty until the owning condition's
// reflection is completed.
type TrialRecord struct {
	ParticipantID        string    `json:"participant_id"`
	OverallTrialNumber   int       `json:"overall_trip_number"`
	Condition            int       `json:"condition"`
	TrialWithinCondition int       `json:"trip_within_condition"`
	TripID               int       `json:"trip_id"`
	Choice               Choice    `json:"choice"`
	Timestamp            time.Time `json:"timestamp"`

	Rationale        string `json:"trip_reflection_rationale"`
	CreditLost       string `json:"trip_likert_credit_lost"`
	ImpactComparison string `json:"trip_likert_impact_comparison"`
	WalkingReason    string `json:"walking_reflection_walking_reason"`
}

// SwitchRecord captures the first trial of a condition where a ride was chosen.
type SwitchRecord struct {
	ParticipantID      string    `json:"participant_id"`
	Condition          int       `json:"condition"`
	OverallTrialNumber int       `json:"overall_trip_number"`
	TripID             int       `json:"trip_id"`
	Choice             Choice    `json:"choice"`
	Timestamp          time.Time `json:"timestamp"`
}

// TrialWithinCondition returns the position of the switch trial inside its block.
func (s SwitchRecord) TrialWithinCondition() int {
	return s.OverallTrialNumber % TrialsPerCondition
}

// Anchor is the trial a switch-based reflection asks about.
type Anchor struct {
	OverallTrialNumber int    `json:"overall_trip_number"`
	TripID             int    `json:"trip_id"`
	Choice             Choice `json:"choice"`
}

// ReflectionRecord marks a condition's reflection as completed and holds its answers.
type ReflectionRecord struct {
	ParticipantID    string         `json:"participant_id"`
	Condition        int            `json:"condition"`
	Type             ReflectionType `json:"reflection_type"`
	Rationale        string         `json:"rationale,omitempty"`
	CreditLost       int            `json:"credit_lost,omitempty"`
	ImpactComparison int            `json:"impact_comparison,omitempty"`
	WalkingReason    string         `json:"walking_reason,omitempty"`
	Anchor           *Anchor        `json:"anchor,omitempty"`
	CompletedAt      time.Time      `json:"completed_timestamp"`
}

// ApplyTo overwrites the reflection columns of a trial row.
// Walking-only reflections clear the switch columns; switch-based reflections
// clear the walking column.
func (r ReflectionRecord) ApplyTo(t *TrialRecord) {
	switch r.Type {
	case ReflectionWalkingOnly:
		t.Rationale = ""
		t.CreditLost = ""
		t.ImpactComparison = ""
		t.WalkingReason = r.WalkingReason
	default:
		t.Rationale = r.Rationale
		t.CreditLost = likertColumn(r.CreditLost)
		t.ImpactComparison = likertColumn(r.ImpactComparison)
		t.WalkingReason = ""
	}
}

func likertColumn(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

// Event types written to the diagnostic event log.
const (
	EventAssignment             = "assignment"
	EventReturnVisit            = "return_visit"
	EventTrialView              = "trip_view"
	EventTrialChoice            = "trip_choice"
	EventDuplicateChoice        = "trip_choice_duplicate"
	EventSwitchRepaired         = "switch_repaired"
	EventReflectionCompleted    = "reflection_completed"
	EventWalkingOnlyReflection  = "walking_only_reflection"
	EventTripReflectionResponse = "trip_reflection_response"
	EventConditionLikert        = "condition_likert"
	EventStudyComplete          = "study_complete"
)

// Event is an append-only diagnostic log entry. Events are never read back
// to drive flow decisions.
type Event struct {
	ID                 string    `json:"id"`
	ParticipantID      string    `json:"participant_id"`
	OverallTrialNumber int       `json:"overall_trip_number"`
	Condition          int       `json:"condition"`
	TripID             int       `json:"trip_id"`
	Type               string    `json:"event_type"`
	Data               string    `json:"data"`
	Timestamp          time.Time `json:"timestamp"`
}

// Stats aggregates the assignment ledger.
type Stats struct {
	TotalParticipants    int                `json:"total_participants"`
	ConditionOrderCounts [NumConditions]int `json:"condition_order_counts"`
	TrialOrderCounts     [NumTrips]int      `json:"trip_order_sequence_counts"`
}

// Tally builds Stats from a list of assignments. Out-of-range indices are skipped.
func Tally(assignments []Assignment) Stats {
	var s Stats
	for _, a := range assignments {
		if a.ConditionOrderIndex < 0 || a.ConditionOrderIndex >= NumConditions ||
			a.TrialOrderIndex < 0 || a.TrialOrderIndex >= NumTrips {
			continue
		}
		s.ConditionOrderCounts[a.ConditionOrderIndex]++
		s.TrialOrderCounts[a.TrialOrderIndex]++
		s.TotalParticipants++
	}
	return s
}

// AllocationPolicy maps the number of participants already in the ledger to
// the table indices of the next participant. Persistence calls it while
// holding the ledger lock.
type AllocationPolicy func(n int) (conditionOrderIndex, trialOrderIndex int)
