// Package api contains the HTTP handlers for the orchestrator facade
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"acp-orchestrator/internal/audit"
	"acp-orchestrator/internal/dlq"
	"acp-orchestrator/internal/engine"
	"acp-orchestrator/internal/repository"
	"acp-orchestrator/internal/resilience"
)

// Server holds the dependencies for the API server.
type Server struct {
	Engine *engine.Engine
	DLQ    *dlq.Queue
	Ledger *audit.Ledger
	Store  repository.Store
	Logger resilience.Logger
}

// NewServer creates a new Server.
func NewServer(eng *engine.Engine, q *dlq.Queue, ledger *audit.Ledger, store repository.Store, logger resilience.Logger) *Server {
	return &Server{Engine: eng, DLQ: q, Ledger: ledger, Store: store, Logger: logger}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns health status including database reachability.
// (GET /health)
func (s *Server) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "acp-orchestrator",
		Version:   "1.0.0",
	}
	if err := s.Store.Ping(c.Request().Context()); err != nil {
		status.Status = "degraded"
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, repository.ErrJobNotFound),
		errors.Is(err, repository.ErrEntryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNotAwaitingInput),
		errors.Is(err, engine.ErrNotCompleted),
		errors.Is(err, engine.ErrNotReplayable),
		errors.Is(err, engine.ErrTerminal),
		errors.Is(err, dlq.ErrEntryResolved),
		errors.Is(err, repository.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrAnswersIncomplete):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
