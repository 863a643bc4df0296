package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionette/backend/internal/circuitbreaker"
	"github.com/marionette/backend/internal/core"
	"github.com/marionette/backend/internal/events"
	"github.com/marionette/backend/internal/ops"
	"github.com/marionette/backend/internal/orchestrator"
	"github.com/marionette/backend/internal/policy"
	"github.com/marionette/backend/internal/queue"
	"github.com/marionette/backend/internal/ratelimit"
	"github.com/marionette/backend/internal/state"
	"github.com/marionette/backend/internal/workflow"
)

// ============================================================
// Fakes
// ============================================================

type fakeJobs struct {
	mu        sync.Mutex
	created   []orchestrator.CreateJobRequest
	result    *orchestrator.CreateResult
	createErr error
	cancelErr error
	cancelled []string
}

func (f *fakeJobs) CreateJob(_ context.Context, req orchestrator.CreateJobRequest) (*orchestrator.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	if f.result != nil {
		return f.result, nil
	}
	return &orchestrator.CreateResult{JobID: "job-1", Status: core.StatusPending}, nil
}

func (f *fakeJobs) Cancel(_ context.Context, jobID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

type fakeQuery struct{ projections map[string]*core.Projection }

func (f *fakeQuery) Projection(_ context.Context, id string) (*core.Projection, error) {
	p, ok := f.projections[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return p, nil
}

type fakeWorkflows struct {
	lastName  string
	lastInput map[string]interface{}
	err       error
}

func (f *fakeWorkflows) Run(_ context.Context, name string, input map[string]interface{}, _, _ string) (*workflow.RunResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastName = name
	f.lastInput = input
	return &workflow.RunResult{
		WorkflowName: name, JobID: "job-wf", Status: core.StatusPending, CreatedAt: time.Now().UTC(),
	}, nil
}

type fakeStatus struct{ healthy bool }

func (f *fakeStatus) Report(context.Context) *ops.Status {
	return &ops.Status{
		Healthy: f.healthy,
		Stores:  ops.StoreHealth{Postgres: f.healthy, Redis: f.healthy},
	}
}

type allowAllStore struct{}

func (allowAllStore) GetPolicy(context.Context, string) (*core.DomainPolicy, error) {
	return nil, core.ErrNotFound
}

type memAuditor struct {
	mu   sync.Mutex
	rows []*core.AuditRecord
}

func (a *memAuditor) Write(_ context.Context, rec *core.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, rec)
	return nil
}

func (a *memAuditor) byAction(action core.AuditAction) []*core.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := []*core.AuditRecord{}
	for _, rec := range a.rows {
		if rec.Action == action {
			out = append(out, rec)
		}
	}
	return out
}

// ============================================================
// Fixture
// ============================================================

type fixture struct {
	server    *Server
	jobs      *fakeJobs
	query     *fakeQuery
	workflows *fakeWorkflows
	status    *fakeStatus
	breaker   *circuitbreaker.Manager
	auditor   *memAuditor
	queue     *queue.Queue
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.New(rdb, "test:workers")
	require.NoError(t, q.EnsureGroups(context.Background()))

	limiter := ratelimit.New(rdb)
	auditor := &memAuditor{}
	enforcer := policy.NewEnforcer(allowAllStore{}, auditor, limiter, policy.NewConcurrencyTracker(rdb))
	breaker := circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 5})

	f := &fixture{
		jobs:      &fakeJobs{},
		query:     &fakeQuery{projections: map[string]*core.Projection{}},
		workflows: &fakeWorkflows{},
		status:    &fakeStatus{healthy: true},
		breaker:   breaker,
		auditor:   auditor,
		queue:     q,
	}
	f.server = NewServer(f.jobs, f.query, q, f.workflows, f.status,
		breaker, enforcer, nil, limiter, nil, opts)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// ============================================================
// Jobs
// ============================================================

func TestCreateJob(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, "POST", "/api/v1/jobs", `{
		"domain": "example.com",
		"url": "https://example.com/page",
		"job_type": "navigate_extract",
		"priority": 1,
		"payload": {"selectors": [{"selector": ".title"}]}
	}`, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "created", body["status"])
	assert.Equal(t, "example.com", body["domain"])

	require.Len(t, f.jobs.created, 1)
	assert.Equal(t, core.PriorityHigh, f.jobs.created[0].Priority)
	assert.NotEmpty(t, f.jobs.created[0].IPAddress)
}

func TestCreateJobMalformedBody(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, "POST", "/api/v1/jobs", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobValidationError(t *testing.T) {
	f := newFixture(t, Options{})
	f.jobs.createErr = &core.ValidationError{Field: "url", Reason: "must be an absolute http(s) URL"}

	rec := f.do(t, "POST", "/api/v1/jobs", `{"domain":"example.com"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "url", decode(t, rec)["field"])
}

func TestCreateJobPolicyDenied(t *testing.T) {
	f := newFixture(t, Options{})
	f.jobs.createErr = &core.PolicyViolationError{
		Action: core.AuditDeny, Domain: "blocked.example.com", Reason: "deny-listed",
	}

	rec := f.do(t, "POST", "/api/v1/jobs", `{"domain":"blocked.example.com"}`, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "deny", decode(t, rec)["action"])
}

func TestCreateJobDeduplicated(t *testing.T) {
	f := newFixture(t, Options{})
	f.jobs.result = &orchestrator.CreateResult{
		JobID: "job-orig", Status: core.StatusCompleted, Deduplicated: true,
	}

	rec := f.do(t, "POST", "/api/v1/jobs", `{"domain":"example.com","url":"https://example.com","job_type":"navigate_extract"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "job-orig", body["job_id"])
	assert.Equal(t, true, body["deduplicated"])
}

func TestGetJob(t *testing.T) {
	f := newFixture(t, Options{})
	f.query.projections["job-9"] = &core.Projection{ID: "job-9", Status: core.StatusRunning}

	rec := f.do(t, "GET", "/api/v1/jobs/job-9", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decode(t, rec)["status"])

	rec = f.do(t, "GET", "/api/v1/jobs/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, "POST", "/api/v1/jobs/job-3/cancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"job-3"}, f.jobs.cancelled)

	f.jobs.cancelErr = state.ErrConflict
	rec = f.do(t, "POST", "/api/v1/jobs/job-3/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.jobs.cancelErr = core.ErrNotFound
	rec = f.do(t, "POST", "/api/v1/jobs/nope/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ============================================================
// Auth and rate limiting
// ============================================================

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t, Options{AuthEnabled: true, APIKeys: []string{"secret-key"}})

	rec := f.do(t, "GET", "/api/v1/queue/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, "GET", "/api/v1/queue/stats", "", map[string]string{APIKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, "GET", "/api/v1/queue/stats", "", map[string]string{APIKeyHeader: "secret-key"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	rec = f.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	f := newFixture(t, Options{RequestsPerMinute: 2, Burst: 2})

	for i := 0; i < 2; i++ {
		rec := f.do(t, "GET", "/api/v1/queue/stats", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := f.do(t, "GET", "/api/v1/queue/stats", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

// ============================================================
// Queue, health and ops
// ============================================================

func TestQueueStats(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.queue.Enqueue(context.Background(), &core.Job{
		ID: "job-1", Domain: "example.com", Priority: core.PriorityNormal,
	}))

	rec := f.do(t, "GET", "/api/v1/queue/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	streams := body["streams"].(map[string]interface{})
	assert.Equal(t, float64(1), streams["2"])
}

func TestHealthDegraded(t *testing.T) {
	f := newFixture(t, Options{})
	f.status.healthy = false

	rec := f.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestOpsStatus(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, "GET", "/api/v1/ops/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["healthy"])
}

func TestCircuitOperatorEndpoints(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, "POST", "/api/v1/ops/circuits/flaky.example.com/force_open",
		`{"cooldown":"30m","reason":"manual intervention"}`,
		map[string]string{"X-Operator": "oncall"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OPEN", decode(t, rec)["state"])
	assert.Equal(t, circuitbreaker.StateOpen, f.breaker.StateOf("flaky.example.com"))

	rows := f.auditor.byAction("circuit_force_open")
	require.Len(t, rows, 1)
	assert.Equal(t, "oncall", rows[0].UserID)
	assert.Equal(t, "manual intervention", rows[0].Reason)

	rec = f.do(t, "GET", "/api/v1/ops/circuits", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flaky.example.com")

	rec = f.do(t, "POST", "/api/v1/ops/circuits/flaky.example.com/force_reset", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, circuitbreaker.StateClosed, f.breaker.StateOf("flaky.example.com"))
	assert.Len(t, f.auditor.byAction("circuit_reset"), 1)

	rec = f.do(t, "POST", "/api/v1/ops/circuits/x/force_open", `{"cooldown":"not-a-duration"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================================
// Workflows
// ============================================================

func TestWorkflowEndpoints(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, "GET", "/api/v1/workflows", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "page_change_detection")

	rec = f.do(t, "GET", "/api/v1/workflows/uptime_smoke_check", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "required_selectors")

	rec = f.do(t, "GET", "/api/v1/workflows/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunWorkflow(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, "POST", "/api/v1/workflows/page_change_detection/run", `{
		"url": "https://example.com",
		"domain": "example.com",
		"selectors": [".price"]
	}`, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "page_change_detection", body["workflow_name"])
	assert.Equal(t, "job-wf", body["job_id"])
	assert.Equal(t, "page_change_detection", f.workflows.lastName)
	assert.Equal(t, "https://example.com", f.workflows.lastInput["url"])
}

func TestRunWorkflowValidationError(t *testing.T) {
	f := newFixture(t, Options{})
	f.workflows.err = &core.ValidationError{Field: "selectors", Reason: "required by workflow page_change_detection"}

	rec := f.do(t, "POST", "/api/v1/workflows/page_change_detection/run", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "selectors", decode(t, rec)["field"])
}

// ============================================================
// Operator event stream
// ============================================================

func TestOpsEventsWebSocket(t *testing.T) {
	f := newFixture(t, Options{})

	bus := events.NewBus()
	streamer := events.NewStreamer(bus)
	go streamer.Run()
	defer streamer.Stop()
	f.server.streamer = streamer

	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ops/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return streamer.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	bus.Emit(events.TypeJobCompleted, "job-1", map[string]interface{}{"domain": "example.com"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TypeJobCompleted, ev.Type)
	assert.Equal(t, "job-1", ev.Subject)
}
