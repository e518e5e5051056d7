package api

import (
	"github.com/roach88/tripstudy/internal/engine"
	"github.com/roach88/tripstudy/internal/questionnaire"
	"github.com/roach88/tripstudy/internal/study"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-redirect error.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RedirectResponse is the 409 body telling the client which step to show.
type RedirectResponse struct {
	Redirect engine.Step `json:"redirect"`
}

// AssignResponse is the response body for POST /participants/:pid.
type AssignResponse struct {
	Assignment study.Assignment `json:"assignment"`
	Created    bool             `json:"created"`
	Next       engine.Step      `json:"next"`
}

// ProgressResponse is the response body for GET /participants/:pid/progress.
type ProgressResponse struct {
	Progress engine.Progress `json:"progress"`
	Next     engine.Step     `json:"next"`
}

// TrialRequest is the request body for POST /participants/:pid/trials/:n.
type TrialRequest struct {
	Choice    study.Choice `json:"choice"`
	Condition *int         `json:"condition,omitempty"`
	TripID    *int         `json:"trip_id,omitempty"`
}

// SubjectResponse is the response body for GET /participants/:pid/reflections/:c.
type SubjectResponse struct {
	engine.Subject
	ScaleLabels []string                 `json:"scale_labels"`
	Questions   []questionnaire.Question `json:"questions"`
}

// StepResponse carries a bare next step.
type StepResponse struct {
	Next engine.Step `json:"next"`
}
