package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/tripstudy/internal/engine"
	"github.com/roach88/tripstudy/internal/study"
)

// Metrics holds the Prometheus collectors of the service on a private
// registry. It implements engine.Observer.
//
// Metrics:
//   - tripstudy_participants_total{result} - assign calls, created or returning
//   - tripstudy_trials_recorded_total{choice} - trials appended
//   - tripstudy_duplicate_submissions_total{kind} - duplicate trial/reflection submissions
//   - tripstudy_reflections_completed_total{variant} - reflections stored
//   - tripstudy_redirects_total{step} - requests redirected to another step
//   - tripstudy_http_request_duration_seconds{method,route,status}
type Metrics struct {
	registry *prometheus.Registry

	participants    *prometheus.CounterVec
	trials          *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	reflections     *prometheus.CounterVec
	redirects       *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		participants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripstudy_participants_total",
			Help: "Assign calls by result (created or returning).",
		}, []string{"result"}),
		trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripstudy_trials_recorded_total",
			Help: "Trials appended to participant logs, by choice.",
		}, []string{"choice"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripstudy_duplicate_submissions_total",
			Help: "Submissions answered from an existing record, by kind.",
		}, []string{"kind"}),
		reflections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripstudy_reflections_completed_total",
			Help: "Reflections stored, by variant.",
		}, []string{"variant"}),
		redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripstudy_redirects_total",
			Help: "Requests redirected to the step the participant belongs on, by step kind.",
		}, []string{"step"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripstudy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.participants,
		m.trials,
		m.duplicates,
		m.reflections,
		m.redirects,
		m.requestDuration,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ParticipantAssigned implements engine.Observer.
func (m *Metrics) ParticipantAssigned(created bool) {
	result := "returning"
	if created {
		result = "created"
	}
	m.participants.WithLabelValues(result).Inc()
}

// TrialRecorded implements engine.Observer.
func (m *Metrics) TrialRecorded(choice study.Choice) {
	m.trials.WithLabelValues(string(choice)).Inc()
}

// DuplicateSubmission implements engine.Observer.
func (m *Metrics) DuplicateSubmission(kind string) {
	m.duplicates.WithLabelValues(kind).Inc()
}

// ReflectionCompleted implements engine.Observer.
func (m *Metrics) ReflectionCompleted(variant study.ReflectionType) {
	m.reflections.WithLabelValues(string(variant)).Inc()
}

// Redirected implements engine.Observer.
func (m *Metrics) Redirected(to engine.StepKind) {
	m.redirects.WithLabelValues(string(to)).Inc()
}

// Middleware records request durations labelled by the route template, not
// the raw path, so participant ids never become label values.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.requestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}
