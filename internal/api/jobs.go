package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"acp-orchestrator/internal/auth"
	"acp-orchestrator/pkg/models"
)

// RegisterRoutes mounts the facade routes onto the /api/v1 group. The
// group must already carry the authentication middleware; scope checks
// are applied per route here.
func (s *Server) RegisterRoutes(g *echo.Group) {
	read := auth.RequireScope(auth.ScopeJobsRead)
	write := auth.RequireScope(auth.ScopeJobsWrite)
	operate := auth.RequireScope(auth.ScopeDLQOperate)

	g.POST("/jobs", s.SubmitJob, write)
	g.GET("/jobs", s.ListJobs, read)
	g.GET("/jobs/:id", s.GetJobStatus, read)
	g.POST("/jobs/:id/answers", s.SubmitAnswers, write)
	g.GET("/jobs/:id/result", s.GetJobResult, read)
	g.POST("/jobs/:id/cancel", s.CancelJob, write)
	g.GET("/jobs/:id/audit", s.GetAuditTrail, read)
	g.GET("/jobs/:id/audit/verify", s.VerifyAuditTrail, read)

	g.GET("/dlq", s.ListDeadLetters, operate)
	g.GET("/dlq/:id", s.GetDeadLetter, operate)
	g.POST("/dlq/:id/replay", s.ReplayDeadLetter, operate)
	g.POST("/dlq/:id/discard", s.DiscardDeadLetter, operate)
}

// SubmitJobRequest is the body of a job submission.
type SubmitJobRequest struct {
	RequestText string `json:"request_text"`
	Priority    int    `json:"priority"`
}

// SubmitJob creates a new workflow job for the request text
// (POST /api/v1/jobs)
func (s *Server) SubmitJob(c echo.Context) error {
	ctx := c.Request().Context()

	var req SubmitJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.RequestText == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request_text is required")
	}

	createdBy := ""
	if p := auth.FromContext(c); p != nil {
		createdBy = p.Email
	}

	job, err := s.Engine.Submit(ctx, req.RequestText, req.Priority, createdBy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, job)
}

// ListJobs returns jobs, optionally filtered by state
// (GET /api/v1/jobs)
func (s *Server) ListJobs(c echo.Context) error {
	ctx := c.Request().Context()

	state := models.JobState(c.QueryParam("state"))
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	jobs, err := s.Store.ListJobs(ctx, state, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, jobs)
}

// GetJobStatus returns the status projection for one job
// (GET /api/v1/jobs/:id)
func (s *Server) GetJobStatus(c echo.Context) error {
	status, err := s.Engine.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, status)
}

// SubmitAnswersRequest is the body of an answers submission.
type SubmitAnswersRequest struct {
	Answers []models.Answer `json:"answers"`
}

// SubmitAnswers closes the job's open clarification exchange
// (POST /api/v1/jobs/:id/answers)
func (s *Server) SubmitAnswers(c echo.Context) error {
	var req SubmitAnswersRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if len(req.Answers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "answers are required")
	}

	if err := s.Engine.SubmitAnswers(c.Request().Context(), c.Param("id"), req.Answers); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// GetJobResult returns the deliverable bundle of a completed job.
// Responds 409 while the job is still in flight.
// (GET /api/v1/jobs/:id/result)
func (s *Server) GetJobResult(c echo.Context) error {
	result, err := s.Engine.Result(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// CancelJob requests cancellation of a running job
// (POST /api/v1/jobs/:id/cancel)
func (s *Server) CancelJob(c echo.Context) error {
	if err := s.Engine.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// GetAuditTrail returns the job's full ordered audit chain
// (GET /api/v1/jobs/:id/audit)
func (s *Server) GetAuditTrail(c echo.Context) error {
	events, err := s.Ledger.Events(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, events)
}

// VerifyResult reports the outcome of an audit chain verification.
type VerifyResult struct {
	JobID string `json:"job_id"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// VerifyAuditTrail recomputes the job's hash chain from genesis
// (GET /api/v1/jobs/:id/audit/verify)
func (s *Server) VerifyAuditTrail(c echo.Context) error {
	id := c.Param("id")
	res := VerifyResult{JobID: id, Valid: true}
	if err := s.Ledger.Verify(c.Request().Context(), id); err != nil {
		res.Valid = false
		res.Error = err.Error()
	}
	return c.JSON(http.StatusOK, res)
}

// ListDeadLetters returns dead letter entries matching the filters
// (GET /api/v1/dlq)
func (s *Server) ListDeadLetters(c echo.Context) error {
	f := models.DeadLetterFilter{
		JobID:    c.QueryParam("job_id"),
		StepName: c.QueryParam("step"),
		Status:   models.ReplayStatus(c.QueryParam("status")),
		Limit:    100,
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		f.Limit = n
	}

	entries, err := s.DLQ.List(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

// GetDeadLetter returns one dead letter entry
// (GET /api/v1/dlq/:id)
func (s *Server) GetDeadLetter(c echo.Context) error {
	entry, err := s.DLQ.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

// ReplayDeadLetter resumes the entry's job from its failed step
// (POST /api/v1/dlq/:id/replay)
func (s *Server) ReplayDeadLetter(c echo.Context) error {
	if err := s.DLQ.Replay(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// DiscardRequest is the body of a dead letter discard.
type DiscardRequest struct {
	Reason string `json:"reason"`
}

// DiscardDeadLetter marks the entry discarded with the operator's reason
// (POST /api/v1/dlq/:id/discard)
func (s *Server) DiscardDeadLetter(c echo.Context) error {
	var req DiscardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason is required")
	}

	if err := s.DLQ.Discard(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}
