package harness

// TraceEvent records one controller call made by a scenario.
type TraceEvent struct {
	Seq         int    `json:"seq"`
	Op          string `json:"op"`
	Participant string `json:"participant"`
	Target      string `json:"target,omitempty"`
	Outcome     string `json:"outcome"`
	Next        string `json:"next,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Outcomes other than a study error code.
const (
	OutcomeOK        = "ok"
	OutcomeDuplicate = "duplicate"
	OutcomeRedirect  = "redirect"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per controller call, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State holds the final progress of every participant the scenario
	// touched, keyed by participant id.
	State map[string]map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]map[string]any),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
