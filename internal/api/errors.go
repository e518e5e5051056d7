package api

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/roach88/tripstudy/internal/engine"
	"github.com/roach88/tripstudy/internal/study"
)

// statusOf maps a study error code to an HTTP status.
func statusOf(code study.ErrorCode) int {
	switch code {
	case study.ErrCodeNotFound, study.ErrCodeInvalidRange:
		return http.StatusNotFound
	case study.ErrCodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as JSON. Redirects become 409 with the target step.
// Persistence failures hide their cause from the client.
func (s *Server) respondError(c echo.Context, err error) error {
	if step, ok := engine.AsRedirect(err); ok {
		return c.JSON(http.StatusConflict, RedirectResponse{Redirect: step})
	}

	code := study.CodeOf(err)
	status := statusOf(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "storage unavailable"
		if code == "" {
			code = study.ErrCodePersistence
			s.logger.Error("unclassified error", "error", err,
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID))
		}
	}
	return c.JSON(status, ErrorResponse{Code: string(code), Message: msg})
}

// participantFilter answers crawler-looking or malformed participant ids with
// 404 before any handler runs.
func participantFilter(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, err := study.NormalizeParticipantID(c.Param("pid")); err != nil {
				logger.Debug("participant id rejected", "pid", c.Param("pid"))
				code := study.CodeOf(err)
				return c.JSON(statusOf(code), ErrorResponse{Code: string(code), Message: err.Error()})
			}
			return next(c)
		}
	}
}
