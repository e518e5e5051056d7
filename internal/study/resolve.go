package study

import (
	"crypto/sha256"
	"strconv"
)

// DomainDisplayOrder separates display-order hashes from any other use of SHA-256.
const DomainDisplayOrder = "tripstudy/display-order/v1"

// ValidTrialNumber reports whether n is inside [0, TotalTrials).
func ValidTrialNumber(n int) bool {
	return n >= 0 && n < TotalTrials
}

// ValidCondition reports whether c is a condition id.
func ValidCondition(c int) bool {
	return c >= 0 && c < NumConditions
}

// BlockOf returns the 0-based block index of an overall trial number.
func BlockOf(n int) int {
	return n / TrialsPerCondition
}

// Valid reports whether both table indices of the assignment are in range.
func (a Assignment) Valid() bool {
	return a.ConditionOrderIndex >= 0 && a.ConditionOrderIndex < NumConditions &&
		a.TrialOrderIndex >= 0 && a.TrialOrderIndex < NumTrips
}

// ConditionSequence returns the participant's block-by-block condition order.
func (a Assignment) ConditionSequence() [NumConditions]int {
	return ConditionOrderTable[a.ConditionOrderIndex]
}

// BlockOfCondition returns the block index in which condition c is presented
// to the participant, or -1 if c is not a condition id.
func (a Assignment) BlockOfCondition(c int) int {
	for block, cond := range ConditionOrderTable[a.ConditionOrderIndex] {
		if cond == c {
			return block
		}
	}
	return -1
}

// ResolveCondition maps an overall trial number to its condition.
// Requires a.Valid() and ValidTrialNumber(n).
func ResolveCondition(a Assignment, n int) int {
	return ConditionOrderTable[a.ConditionOrderIndex][BlockOf(n)]
}

// ResolveTripID maps an overall trial number to its trip id.
// The trial-order row is rotated by the block index so a participant never
// sees the same within-block trip order twice.
// Requires a.Valid() and ValidTrialNumber(n).
func ResolveTripID(a Assignment, n int) int {
	row := (a.TrialOrderIndex + BlockOf(n)) % NumTrips
	return TrialOrderTable[row][n%TrialsPerCondition]
}

// DrivingFirst decides, deterministically per participant and trial, whether
// the driving map is displayed before the walking map.
func DrivingFirst(participantID string, n int) bool {
	return displayOrderHash(participantID, n)[0]&1 == 1
}

// Option is one choice tile on a trial screen. Both regular tiles of the
// control condition record regular_ride.
type Option struct {
	Type  string `json:"type"`
	Value Choice `json:"value"`
}

// OptionOrder returns the options of trial n in display order. The order is
// fixed per participant and trial, from the same seed as DrivingFirst.
// Condition 0 offers two regular rides instead of a regular and an eco ride.
func OptionOrder(participantID string, n, condition int) []Option {
	opts := []Option{
		{Type: "walking", Value: ChoiceWalking},
		{Type: "regular", Value: ChoiceRegularRide},
		{Type: "eco", Value: ChoiceEcoRide},
	}
	if condition == 0 {
		opts[1] = Option{Type: "regular_1", Value: ChoiceRegularRide}
		opts[2] = Option{Type: "regular_2", Value: ChoiceRegularRide}
	}
	sum := displayOrderHash(participantID, n)
	for i := len(opts) - 1; i > 0; i-- {
		j := int(sum[i]) % (i + 1)
		opts[i], opts[j] = opts[j], opts[i]
	}
	return opts
}

func displayOrderHash(participantID string, n int) []byte {
	return hashWithDomain(DomainDisplayOrder, []byte(participantID+"_"+strconv.Itoa(n)+"_order"))
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return h.Sum(nil)
}
