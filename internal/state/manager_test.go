package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionette/backend/internal/core"
)

func testManager(t *testing.T) (*Manager, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewManager(db, rdb), mock, mr
}

func TestCreatePersistsRow(t *testing.T) {
	m, mock, _ := testManager(t)

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs("job-1", "example.com", "https://example.com", "navigate_extract",
			"vanilla", 2, "pending", sqlmock.AnyArg(), 0, 3, 300, sqlmock.AnyArg(),
			sqlmock.AnyArg(), "public", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &core.Job{
		ID: "job-1", Domain: "example.com", URL: "https://example.com",
		Type: core.JobNavigateExtract, Strategy: core.StrategyVanilla,
		Priority: core.PriorityNormal, Status: core.StatusPending,
		Payload:     map[string]interface{}{"selectors": []interface{}{}},
		MaxAttempts: 3, TimeoutSeconds: 300, CreatedAt: time.Now().UTC(),
		AuthorizationMode: core.AuthPublic,
	}
	require.NoError(t, m.Create(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionCAS(t *testing.T) {
	m, mock, _ := testManager(t)

	mock.ExpectExec(`UPDATE jobs`).
		WithArgs("job-1", "running", 1, true, false, "", nil, "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.Transition(context.Background(), "job-1",
		core.StatusPending, core.StatusRunning, Mutation{IncrementAttempts: true})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionConflictWhenRowMoved(t *testing.T) {
	m, mock, _ := testManager(t)

	mock.ExpectExec(`UPDATE jobs`).
		WithArgs("job-1", "running", 1, true, false, "", nil, "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.Transition(context.Background(), "job-1",
		core.StatusPending, core.StatusRunning, Mutation{IncrementAttempts: true})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	m, _, _ := testManager(t)

	err := m.Transition(context.Background(), "job-1",
		core.StatusCompleted, core.StatusRunning, Mutation{})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTransitionInvalidatesCache(t *testing.T) {
	m, mock, mr := testManager(t)

	stale, _ := json.Marshal(core.Projection{ID: "job-1", Status: core.StatusPending})
	require.NoError(t, mr.Set(cacheKey("job-1"), string(stale)))

	mock.ExpectExec(`UPDATE jobs`).
		WithArgs("job-1", "completed", 0, false, true, "", sqlmock.AnyArg(), "running").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := m.Transition(context.Background(), "job-1",
		core.StatusRunning, core.StatusCompleted,
		Mutation{Result: map[string]interface{}{"ok": true}})
	require.NoError(t, err)

	assert.False(t, mr.Exists(cacheKey("job-1")))
}

func jobColumns() []string {
	return []string{"id", "domain", "url", "job_type", "strategy", "priority",
		"status", "payload", "attempts", "max_attempts", "timeout_seconds",
		"created_at", "started_at", "completed_at", "error", "idempotency_key",
		"authorization_mode", "user_id", "ip_address", "result"}
}

func TestGetScansRow(t *testing.T) {
	m, mock, _ := testManager(t)
	created := time.Now().UTC().Truncate(time.Second)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobColumns()).AddRow(
			"job-1", "example.com", "https://example.com", "authenticate",
			"stealth", 1, "completed", []byte(`{"k":"v"}`), 2, 3, 120,
			created, created, created, "boom", "idem-1", "internal",
			"user-9", "10.0.0.1", []byte(`{"authenticated":true}`)))

	job, err := m.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobAuthenticate, job.Type)
	assert.Equal(t, core.StrategyStealth, job.Strategy)
	assert.Equal(t, core.PriorityHigh, job.Priority)
	assert.Equal(t, "v", job.Payload["k"])
	assert.Equal(t, true, job.Result["authenticated"])
	assert.Equal(t, "boom", job.Error)
	assert.NotNil(t, job.StartedAt)
}

func TestGetNotFound(t *testing.T) {
	m, mock, _ := testManager(t)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(jobColumns()))

	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestProjectionCacheAside(t *testing.T) {
	m, mock, mr := testManager(t)
	created := time.Now().UTC().Truncate(time.Second)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobColumns()).AddRow(
			"job-1", "example.com", "https://example.com", "navigate_extract",
			"vanilla", 2, "running", nil, 1, 3, 300,
			created, created, nil, nil, nil, "public", nil, nil, nil))

	// Miss populates the cache.
	proj, err := m.Projection(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, proj.Status)
	assert.True(t, mr.Exists(cacheKey("job-1")))

	// Second read is served from cache: no further query expectations.
	proj2, err := m.Projection(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, proj.ID, proj2.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSuccessRate(t *testing.T) {
	m, mock, _ := testManager(t)

	mock.ExpectQuery(`SELECT status FROM`).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).
			AddRow("completed").AddRow("completed").AddRow("failed").AddRow("completed"))

	rate, err := m.SuccessRate(context.Background(), 100)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, rate, 0.001)
}

func TestSuccessRateEmptyHistory(t *testing.T) {
	m, mock, _ := testManager(t)

	mock.ExpectQuery(`SELECT status FROM`).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	rate, err := m.SuccessRate(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)
}

func TestRecent(t *testing.T) {
	m, mock, _ := testManager(t)
	created := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM jobs ORDER BY created_at`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "domain", "job_type",
			"status", "attempts", "created_at", "started_at", "completed_at", "error"}).
			AddRow("job-2", "a.com", "navigate_extract", "pending", 0, created, nil, nil, nil).
			AddRow("job-1", "b.com", "authenticate", "failed", 3, created, created, created, "timeout"))

	recent, err := m.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "job-2", recent[0].ID)
	assert.Equal(t, "timeout", recent[1].Error)
}

func TestCountsByStatus(t *testing.T) {
	m, mock, _ := testManager(t)

	mock.ExpectQuery(`SELECT status, COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 4).AddRow("completed", 10))

	counts, err := m.CountsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, counts[core.StatusPending])
	assert.Equal(t, 10, counts[core.StatusCompleted])
}
