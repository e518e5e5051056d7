package engine

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/tripstudy/internal/study"
)

// StepKind names a state of the participant flow.
type StepKind string

const (
	StepTrial      StepKind = "trial"
	StepReflection StepKind = "reflection"
	StepBlockIntro StepKind = "block_intro"
	StepComplete   StepKind = "complete"
)

// Step is the next screen a participant should see.
//
// Only the fields of the step's kind are meaningful:
//   - Trial: Trial
//   - Reflection: Condition
//   - BlockIntro: Block (1-based) and Trial (the block's first trial)
//   - Complete: none
type Step struct {
	Kind      StepKind
	Trial     int
	Condition int
	Block     int
}

// TrialStep returns Trial(n).
func TrialStep(n int) Step {
	return Step{Kind: StepTrial, Trial: n}
}

// ReflectionStep returns Reflection(c).
func ReflectionStep(c int) Step {
	return Step{Kind: StepReflection, Condition: c}
}

// BlockIntroStep returns BlockIntro(b, n).
func BlockIntroStep(block, nextTrial int) Step {
	return Step{Kind: StepBlockIntro, Block: block, Trial: nextTrial}
}

// CompleteStep returns Complete.
func CompleteStep() Step {
	return Step{Kind: StepComplete}
}

// String renders the step in the notation used in logs and traces.
func (s Step) String() string {
	switch s.Kind {
	case StepTrial:
		return fmt.Sprintf("Trial(%d)", s.Trial)
	case StepReflection:
		return fmt.Sprintf("Reflection(%d)", s.Condition)
	case StepBlockIntro:
		return fmt.Sprintf("BlockIntro(%d,%d)", s.Block, s.Trial)
	case StepComplete:
		return "Complete"
	default:
		return fmt.Sprintf("Step(%q)", string(s.Kind))
	}
}

type stepJSON struct {
	Kind      StepKind `json:"kind"`
	Trial     *int     `json:"trial,omitempty"`
	Condition *int     `json:"condition,omitempty"`
	Block     *int     `json:"block,omitempty"`
}

// MarshalJSON emits only the fields of the step's kind.
func (s Step) MarshalJSON() ([]byte, error) {
	out := stepJSON{Kind: s.Kind}
	switch s.Kind {
	case StepTrial:
		out.Trial = &s.Trial
	case StepReflection:
		out.Condition = &s.Condition
	case StepBlockIntro:
		out.Block = &s.Block
		out.Trial = &s.Trial
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the form written by MarshalJSON.
func (s *Step) UnmarshalJSON(data []byte) error {
	var in stepJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = Step{Kind: in.Kind}
	if in.Trial != nil {
		s.Trial = *in.Trial
	}
	if in.Condition != nil {
		s.Condition = *in.Condition
	}
	if in.Block != nil {
		s.Block = *in.Block
	}
	return nil
}

// nextAfterTrial is the transition taken after trial n is recorded: the last
// trial of a block goes to the reflection check, anything else to Trial(n+1).
func nextAfterTrial(n int) (step Step, checkReflections bool) {
	if n == study.TotalTrials-1 || (n+1)%study.TrialsPerCondition == 0 {
		return Step{}, true
	}
	return TrialStep(n + 1), false
}
