package engine

import "github.com/roach88/tripstudy/internal/study"

// Duplicate kinds reported to an Observer.
const (
	DuplicateTrial      = "trial"
	DuplicateReflection = "reflection"
)

// Observer receives counters from the controller.
// The HTTP layer implements it with Prometheus collectors.
type Observer interface {
	ParticipantAssigned(created bool)
	TrialRecorded(choice study.Choice)
	DuplicateSubmission(kind string)
	ReflectionCompleted(variant study.ReflectionType)
	Redirected(to StepKind)
}

type nopObserver struct{}

func (nopObserver) ParticipantAssigned(bool)                 {}
func (nopObserver) TrialRecorded(study.Choice)               {}
func (nopObserver) DuplicateSubmission(string)               {}
func (nopObserver) ReflectionCompleted(study.ReflectionType) {}
func (nopObserver) Redirected(StepKind)                      {}
