// Package questionnaire defines the post-block reflection questions and
// validates submitted answers against an embedded CUE schema.
package questionnaire

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/tripstudy/internal/study"
)

//go:embed questionnaire.cue
var source string

// Likert question ids, also the keys of Payload.Likert.
const (
	LikertCreditLost       = "credit.lost"
	LikertImpactComparison = "impact.comparison"
)

// Question is one item of a reflection form.
type Question struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Type        string `json:"type"`
	Placeholder string `json:"placeholder,omitempty"`
}

// Definition is the full set of reflection questions.
type Definition struct {
	ScaleLabels []string   `json:"scale_labels"`
	SwitchBased []Question `json:"switch_based"`
	WalkingOnly []Question `json:"walking_only"`
}

// Payload is a submitted reflection.
// Switch-based reflections carry Rationale and Likert; walking-only
// reflections carry WalkingReason.
type Payload struct {
	Rationale     string         `json:"rationale,omitempty"`
	Likert        map[string]int `json:"trip_likert_responses,omitempty"`
	WalkingReason string         `json:"walking_reason,omitempty"`
}

// Normalized returns a copy with free-text answers trimmed and NFC-normalized.
func (p Payload) Normalized() Payload {
	out := Payload{
		Rationale:     study.NormalizeText(p.Rationale),
		WalkingReason: study.NormalizeText(p.WalkingReason),
	}
	if p.Likert != nil {
		out.Likert = make(map[string]int, len(p.Likert))
		for k, v := range p.Likert {
			out.Likert[k] = v
		}
	}
	return out
}

// Schema holds the compiled questionnaire.
//
// Thread-safety: cue values are not safe for concurrent evaluation, so
// Validate serializes on an internal mutex.
type Schema struct {
	mu          sync.Mutex
	ctx         *cue.Context
	switchBased cue.Value
	walkingOnly cue.Value
	def         Definition
}

// Default returns the process-wide schema, compiling it on first use.
var Default = sync.OnceValues(Load)

// Load compiles the embedded questionnaire.
func Load() (*Schema, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(source, cue.Filename("questionnaire.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile questionnaire: %w", err)
	}
	if err := root.Validate(); err != nil {
		return nil, fmt.Errorf("validate questionnaire: %w", err)
	}

	s := &Schema{
		ctx:         ctx,
		switchBased: root.LookupPath(cue.ParsePath("#SwitchBased")),
		walkingOnly: root.LookupPath(cue.ParsePath("#WalkingOnly")),
	}
	if !s.switchBased.Exists() || !s.walkingOnly.Exists() {
		return nil, fmt.Errorf("questionnaire: missing answer schema")
	}

	if err := root.Decode(&s.def); err != nil {
		return nil, fmt.Errorf("decode questionnaire: %w", err)
	}
	return s, nil
}

// Questions returns the question definitions.
func (s *Schema) Questions() Definition {
	return s.def
}

// Validate checks a normalized payload against the answer schema of the
// given variant. Returns a study validation error naming the first problem.
func (s *Schema) Validate(participantID string, variant study.ReflectionType, p Payload) error {
	var schema cue.Value
	switch variant {
	case study.ReflectionSwitchBased:
		schema = s.switchBased
	case study.ReflectionWalkingOnly:
		schema = s.walkingOnly
	default:
		return study.Validation(participantID, "unknown reflection type %q", variant)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return study.Validation(participantID, "encode payload: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.ctx.CompileBytes(data, cue.Filename("payload.json"))
	if err := v.Err(); err != nil {
		return study.Validation(participantID, "payload: %s", describe(err))
	}
	if err := schema.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return study.Validation(participantID, "%s reflection: %s", variant, describe(err))
	}
	return nil
}

// describe flattens a CUE error list into one line.
func describe(err error) string {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}
