package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tripstudy/internal/study"
)

// Scenario is a scripted sequence of participant requests plus the
// assertions that must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Backend selects the store: "sqlite" (default) or "files".
	Backend string `yaml:"backend,omitempty"`

	// Steps are executed in order against one controller.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is a single controller call.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Participant is the raw participant id, passed through unnormalized.
	Participant string `yaml:"participant"`

	// Trial is the overall trial number (trial, choose).
	Trial *int `yaml:"trial,omitempty"`

	// Count repeats a choose step for trials Trial..Trial+Count-1.
	Count int `yaml:"count,omitempty"`

	// Choice is the trip option chosen (choose).
	Choice string `yaml:"choice,omitempty"`

	// Condition is the condition id (subject, reflect).
	Condition *int `yaml:"condition,omitempty"`

	// Answers is the reflection payload (reflect).
	Answers *Answers `yaml:"answers,omitempty"`

	// Event and Data describe a client event (event).
	Event string `yaml:"event,omitempty"`
	Data  string `yaml:"data,omitempty"`

	// Expect is checked against the last call of the step.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// Answers mirrors questionnaire.Payload in YAML.
type Answers struct {
	Rationale     string         `yaml:"rationale,omitempty"`
	Likert        map[string]int `yaml:"trip_likert_responses,omitempty"`
	WalkingReason string         `yaml:"walking_reason,omitempty"`
}

// ExpectClause specifies the expected result of a step. Empty fields are
// not checked.
type ExpectClause struct {
	// Outcome is "ok", "duplicate", "redirect" or a study error code.
	Outcome string `yaml:"outcome,omitempty"`

	// Next is the expected next step in Step.String notation.
	Next string `yaml:"next,omitempty"`

	// Detail is the op-specific detail (variant, choice, indices).
	Detail string `yaml:"detail,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Op filters trace events (trace_contains, trace_count).
	Op string `yaml:"op,omitempty"`

	// Participant filters trace events and selects the final_state subject.
	Participant string `yaml:"participant,omitempty"`

	// Outcome filters trace events (trace_contains, trace_count).
	Outcome string `yaml:"outcome,omitempty"`

	// Count is the expected number of matching events (trace_count).
	Count int `yaml:"count,omitempty"`

	// Ops is the expected op order (trace_order).
	Ops []string `yaml:"ops,omitempty"`

	// Expect contains expected state values (final_state). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Step operations.
const (
	OpAssign   = "assign"
	OpTrial    = "trial"
	OpChoose   = "choose"
	OpSubject  = "subject"
	OpReflect  = "reflect"
	OpComplete = "complete"
	OpEvent    = "event"
)

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendFiles  = "files"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	switch s.Backend {
	case "", BackendSQLite, BackendFiles:
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	if st.Participant == "" {
		return fmt.Errorf("steps[%d]: participant is required", index)
	}
	switch st.Op {
	case OpAssign, OpComplete:
	case OpTrial:
		if st.Trial == nil {
			return fmt.Errorf("steps[%d]: trial is required for %s", index, st.Op)
		}
	case OpChoose:
		if st.Trial == nil {
			return fmt.Errorf("steps[%d]: trial is required for %s", index, st.Op)
		}
		if st.Choice == "" {
			return fmt.Errorf("steps[%d]: choice is required for %s", index, st.Op)
		}
		if st.Count < 0 {
			return fmt.Errorf("steps[%d]: count must be non-negative", index)
		}
	case OpSubject:
		if st.Condition == nil {
			return fmt.Errorf("steps[%d]: condition is required for %s", index, st.Op)
		}
	case OpReflect:
		if st.Condition == nil {
			return fmt.Errorf("steps[%d]: condition is required for %s", index, st.Op)
		}
		if st.Answers == nil {
			return fmt.Errorf("steps[%d]: answers are required for %s", index, st.Op)
		}
	case OpEvent:
		if st.Event == "" {
			return fmt.Errorf("steps[%d]: event is required for %s", index, st.Op)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	if st.Expect != nil && st.Expect.Outcome != "" && !validOutcome(st.Expect.Outcome) {
		return fmt.Errorf("steps[%d].expect: unknown outcome %q", index, st.Expect.Outcome)
	}
	return nil
}

func validOutcome(o string) bool {
	switch study.ErrorCode(o) {
	case study.ErrCodeNotFound, study.ErrCodeInvalidRange, study.ErrCodeValidation, study.ErrCodePersistence:
		return true
	}
	return o == OutcomeOK || o == OutcomeDuplicate || o == OutcomeRedirect
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Participant == "" {
			return fmt.Errorf("assertions[%d]: participant is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
