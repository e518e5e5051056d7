package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/roach88/tripstudy/internal/engine"
	"github.com/roach88/tripstudy/internal/questionnaire"
	"github.com/roach88/tripstudy/internal/study"
)

// intParam parses a numeric path parameter. A non-numeric value is reported
// as out of range so it is answered like any other missing trial or condition.
func intParam(c echo.Context, name string) (int, error) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, study.InvalidRange(c.Param("pid"), "%s %q is not a number", name, c.Param(name))
	}
	return v, nil
}

// handleHealth reports whether storage is reachable.
func (s *Server) handleHealth(c echo.Context) error {
	if err := s.controller.Ping(c.Request().Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleQuestionnaire(c echo.Context) error {
	return c.JSON(http.StatusOK, s.controller.Questionnaire())
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.controller.Stats(c.Request().Context())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleAssign(c echo.Context) error {
	ctx := c.Request().Context()
	a, created, err := s.controller.Assign(ctx, c.Param("pid"))
	if err != nil {
		return s.respondError(c, err)
	}
	next, err := s.controller.CheckProgress(ctx, a.ParticipantID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, AssignResponse{Assignment: a, Created: created, Next: next})
}

func (s *Server) handleProgress(c echo.Context) error {
	p, next, err := s.controller.Progress(c.Request().Context(), c.Param("pid"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, ProgressResponse{Progress: p, Next: next})
}

func (s *Server) handleGetTrial(c echo.Context) error {
	n, err := intParam(c, "n")
	if err != nil {
		return s.respondError(c, err)
	}
	view, err := s.controller.GetTrial(c.Request().Context(), c.Param("pid"), n)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleRecordChoice(c echo.Context) error {
	n, err := intParam(c, "n")
	if err != nil {
		return s.respondError(c, err)
	}
	var req TrialRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, study.Validation(c.Param("pid"), "invalid request body"))
	}
	ack, err := s.controller.RecordChoice(c.Request().Context(), engine.TrialSubmission{
		ParticipantID:      c.Param("pid"),
		OverallTrialNumber: n,
		Condition:          req.Condition,
		TripID:             req.TripID,
		Choice:             req.Choice,
	})
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, ack)
}

func (s *Server) handleGetReflection(c echo.Context) error {
	cond, err := intParam(c, "c")
	if err != nil {
		return s.respondError(c, err)
	}
	subject, err := s.controller.ReflectionSubject(c.Request().Context(), c.Param("pid"), cond)
	if err != nil {
		return s.respondError(c, err)
	}

	def := s.controller.Questionnaire()
	questions := def.SwitchBased
	if subject.Variant == study.ReflectionWalkingOnly {
		questions = def.WalkingOnly
	}
	return c.JSON(http.StatusOK, SubjectResponse{
		Subject:     subject,
		ScaleLabels: def.ScaleLabels,
		Questions:   questions,
	})
}

func (s *Server) handleSubmitReflection(c echo.Context) error {
	cond, err := intParam(c, "c")
	if err != nil {
		return s.respondError(c, err)
	}
	var payload questionnaire.Payload
	if err := c.Bind(&payload); err != nil {
		return s.respondError(c, study.Validation(c.Param("pid"), "invalid request body"))
	}
	ack, err := s.controller.SubmitReflection(c.Request().Context(), c.Param("pid"), cond, payload)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, ack)
}

func (s *Server) handleComplete(c echo.Context) error {
	next, err := s.controller.Complete(c.Request().Context(), c.Param("pid"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, StepResponse{Next: next})
}

func (s *Server) handleLogEvent(c echo.Context) error {
	var ev engine.ClientEvent
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&ev); err != nil {
			return s.respondError(c, study.Validation(c.Param("pid"), "invalid request body"))
		}
	}
	if err := s.controller.LogEvent(c.Request().Context(), c.Param("pid"), c.Param("type"), ev); err != nil {
		return s.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
