package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"acp-orchestrator/internal/audit"
	"acp-orchestrator/internal/dlq"
	"acp-orchestrator/internal/engine"
	"acp-orchestrator/internal/executor"
	"acp-orchestrator/internal/repository"
	"acp-orchestrator/pkg/models"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...interface{}) {}
func (nopLogger) Info(msg string, args ...interface{})  {}
func (nopLogger) Warn(msg string, args ...interface{})  {}
func (nopLogger) Error(msg string, args ...interface{}) {}

// instantExecutor succeeds every step with a minimal valid output.
type instantExecutor struct{}

func (instantExecutor) Execute(ctx context.Context, stepName string, sc executor.StepContext) executor.StepResult {
	var output interface{}
	switch stepName {
	case executor.StepContextRetrieval:
		output = models.RetrievedContext{Query: "q"}
	case executor.StepClarifier:
		output = models.ClarifierOutput{AnalysisSummary: "clear"}
	case executor.StepSynthesizer:
		output = models.SynthesizerOutput{
			AsIs:                   models.AsIsDocument{Title: "AS-IS", ExecutiveSummary: "s"},
			ToBe:                   models.ToBeDocument{Title: "TO-BE", ExecutiveSummary: "s"},
			ImplementationApproach: "incremental",
		}
	case executor.StepTaskmaster:
		output = models.TaskmasterOutput{
			BreakdownSummary: "one task",
			Tasks: []models.DeveloperTask{{
				TaskID: "T-1", Title: "task", Priority: "high",
				AcceptanceCriteria: []models.AcceptanceCriterion{{CriteriaID: "AC-1", Description: "d"}},
			}},
		}
	case executor.StepVerifier:
		output = models.VerifierOutput{ApprovalStatus: "approved"}
	}
	raw, _ := json.Marshal(output)
	return executor.StepResult{Status: executor.StatusSuccess, Output: raw}
}

type testEnv struct {
	server *Server
	store  *repository.MemoryStore
	engine *engine.Engine
	echo   *echo.Echo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	ledger := audit.NewLedger(store)
	eng := engine.New(store, ledger, instantExecutor{}, engine.DefaultPipeline(), nopLogger{}, engine.Config{MaxAttempts: 3})
	queue := dlq.NewQueue(store, ledger, eng, nopLogger{}, 3)
	return &testEnv{
		server: NewServer(eng, queue, ledger, store, nopLogger{}),
		store:  store,
		engine: eng,
		echo:   echo.New(),
	}
}

func (env *testEnv) request(method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return env.echo.NewContext(req, rec), rec
}

func (env *testEnv) submitAndRun(t *testing.T) *models.WorkflowJob {
	t.Helper()
	ctx := context.Background()
	job, err := env.engine.Submit(ctx, "add OAuth login support", 0, "analyst@example.com")
	assert.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.NoError(t, env.engine.Advance(ctx, job.ID))
		job, err = env.store.GetJob(ctx, job.ID)
		assert.NoError(t, err)
		if job.State.Terminal() {
			break
		}
	}
	return job
}

func TestSubmitJob(t *testing.T) {
	env := newTestEnv(t)

	c, rec := env.request(http.MethodPost, "/api/v1/jobs", `{"request_text":"add OAuth login support","priority":2}`)
	assert.NoError(t, env.server.SubmitJob(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var job models.WorkflowJob
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, models.StateCreated, job.State)
	assert.Equal(t, 2, job.Priority)
	assert.Len(t, job.PendingSteps, 5)
}

func TestSubmitJobRequiresText(t *testing.T) {
	env := newTestEnv(t)

	c, _ := env.request(http.MethodPost, "/api/v1/jobs", `{"priority":1}`)
	err := env.server.SubmitJob(c)

	var httpErr *echo.HTTPError
	assert.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestGetJobStatusNotFound(t *testing.T) {
	env := newTestEnv(t)

	c, _ := env.request(http.MethodGet, "/api/v1/jobs/nope", "")
	c.SetParamNames("id")
	c.SetParamValues("nope")
	err := env.server.GetJobStatus(c)

	var httpErr *echo.HTTPError
	assert.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}

func TestGetJobResultConflictWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.engine.Submit(context.Background(), "migrate reports", 0, "")
	assert.NoError(t, err)

	c, _ := env.request(http.MethodGet, "/api/v1/jobs/"+job.ID+"/result", "")
	c.SetParamNames("id")
	c.SetParamValues(job.ID)
	err = env.server.GetJobResult(c)

	var httpErr *echo.HTTPError
	assert.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.Code)
}

func TestGetJobResultAfterCompletion(t *testing.T) {
	env := newTestEnv(t)
	job := env.submitAndRun(t)
	assert.Equal(t, models.StateCompleted, job.State)

	c, rec := env.request(http.MethodGet, "/api/v1/jobs/"+job.ID+"/result", "")
	c.SetParamNames("id")
	c.SetParamValues(job.ID)
	assert.NoError(t, env.server.GetJobResult(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var result models.JobResult
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "approved", result.Verification.ApprovalStatus)
}

func TestSubmitAnswersConflictWhenNotAwaiting(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.engine.Submit(context.Background(), "migrate reports", 0, "")
	assert.NoError(t, err)

	c, _ := env.request(http.MethodPost, "/api/v1/jobs/"+job.ID+"/answers",
		`{"answers":[{"question_id":"q1","answer":"x"}]}`)
	c.SetParamNames("id")
	c.SetParamValues(job.ID)
	err = env.server.SubmitAnswers(c)

	var httpErr *echo.HTTPError
	assert.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.Code)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.engine.Submit(context.Background(), "migrate reports", 0, "")
	assert.NoError(t, err)

	c, rec := env.request(http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", "")
	c.SetParamNames("id")
	c.SetParamValues(job.ID)
	assert.NoError(t, env.server.CancelJob(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.NoError(t, env.engine.Advance(context.Background(), job.ID))
	got, _ := env.store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.ReasonCancelled, got.FailureReason)
}

func TestAuditEndpointsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	job := env.submitAndRun(t)

	c, rec := env.request(http.MethodGet, "/api/v1/jobs/"+job.ID+"/audit", "")
	c.SetParamNames("id")
	c.SetParamValues(job.ID)
	assert.NoError(t, env.server.GetAuditTrail(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var events []models.AuditEvent
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Equal(t, models.EventJobSubmitted, events[0].EventType)

	c, rec = env.request(http.MethodGet, "/api/v1/jobs/"+job.ID+"/audit/verify", "")
	c.SetParamNames("id")
	c.SetParamValues(job.ID)
	assert.NoError(t, env.server.VerifyAuditTrail(c))

	var verdict VerifyResult
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	assert.True(t, verdict.Valid)
}

func TestDiscardRequiresReason(t *testing.T) {
	env := newTestEnv(t)

	c, _ := env.request(http.MethodPost, "/api/v1/dlq/e1/discard", `{}`)
	c.SetParamNames("id")
	c.SetParamValues("e1")
	err := env.server.DiscardDeadLetter(c)

	var httpErr *echo.HTTPError
	assert.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestReplayMissingEntryIs404(t *testing.T) {
	env := newTestEnv(t)

	c, _ := env.request(http.MethodPost, "/api/v1/dlq/missing/replay", "")
	c.SetParamNames("id")
	c.SetParamValues("missing")
	err := env.server.ReplayDeadLetter(c)

	var httpErr *echo.HTTPError
	assert.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}
