// Package state is the single source of truth for job records. Postgres
// holds the durable row; Redis carries a short-lived projection for status
// polls. Every transition is a compare-and-set on status so concurrent
// workers cannot double-claim a job.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marionette/backend/internal/core"
)

// ErrConflict is returned when a CAS transition loses the race or violates
// the attempt budget.
var ErrConflict = errors.New("job state conflict")

// ProjectionTTL bounds how long the cached projection may lag the store.
const ProjectionTTL = time.Hour

// Schema creates the jobs table. Applied by Migrate on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                 UUID PRIMARY KEY,
    domain             TEXT NOT NULL,
    url                TEXT NOT NULL,
    job_type           TEXT NOT NULL,
    strategy           TEXT NOT NULL DEFAULT '',
    priority           INT NOT NULL DEFAULT 2,
    status             TEXT NOT NULL DEFAULT 'pending',
    payload            JSONB,
    attempts           INT NOT NULL DEFAULT 0,
    max_attempts       INT NOT NULL DEFAULT 3,
    timeout_seconds    INT NOT NULL DEFAULT 300,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at         TIMESTAMPTZ,
    completed_at       TIMESTAMPTZ,
    error              TEXT,
    idempotency_key    TEXT,
    authorization_mode TEXT NOT NULL DEFAULT 'public',
    user_id            TEXT,
    ip_address         TEXT,
    result             JSONB
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_domain_created ON jobs (domain, created_at DESC);
`

// Manager mediates all reads and writes of job state.
type Manager struct {
	db  *sql.DB
	rdb *redis.Client
}

func NewManager(db *sql.DB, rdb *redis.Client) *Manager {
	return &Manager{db: db, rdb: rdb}
}

// Migrate applies the schema.
func (m *Manager) Migrate(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate jobs schema: %w", err)
	}
	return nil
}

// Healthy pings the durable store.
func (m *Manager) Healthy(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

const insertJob = `
INSERT INTO jobs (id, domain, url, job_type, strategy, priority, status, payload,
                  attempts, max_attempts, timeout_seconds, created_at,
                  idempotency_key, authorization_mode, user_id, ip_address)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

// Create persists a new job row.
func (m *Manager) Create(ctx context.Context, job *core.Job) error {
	payload, err := marshalNullable(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = m.db.ExecContext(ctx, insertJob,
		job.ID, job.Domain, job.URL, string(job.Type), string(job.Strategy),
		int(job.Priority), string(job.Status), payload,
		job.Attempts, job.MaxAttempts, job.TimeoutSeconds, job.CreatedAt,
		nullable(job.IdempotencyKey), string(job.AuthorizationMode),
		nullable(job.UserID), nullable(job.IPAddress),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const selectJob = `
SELECT id, domain, url, job_type, strategy, priority, status, payload,
       attempts, max_attempts, timeout_seconds, created_at, started_at,
       completed_at, error, idempotency_key, authorization_mode, user_id,
       ip_address, result
FROM jobs WHERE id = $1`

// Get loads the full job row.
func (m *Manager) Get(ctx context.Context, id string) (*core.Job, error) {
	row := m.db.QueryRowContext(ctx, selectJob, id)
	return scanJob(row)
}

// Mutation carries the optional writes applied alongside a transition.
type Mutation struct {
	IncrementAttempts bool
	Error             string
	Result            map[string]interface{}
}

const transitionJob = `
UPDATE jobs
   SET status       = $2,
       attempts     = attempts + $3,
       started_at   = CASE WHEN $4 THEN COALESCE(started_at, NOW()) ELSE started_at END,
       completed_at = CASE WHEN $5 THEN COALESCE(completed_at, NOW()) ELSE completed_at END,
       error        = CASE WHEN $6 <> '' THEN $6 ELSE error END,
       result       = COALESCE($7, result)
 WHERE id = $1 AND status = $8 AND attempts + $3 <= max_attempts`

// Transition moves a job from one status to another with CAS semantics.
// Timestamps are set at most once; the attempt budget is enforced in the
// same statement. Returns ErrConflict when the row was not in the expected
// state or the budget is spent.
func (m *Manager) Transition(ctx context.Context, id string, from, to core.JobStatus, mut Mutation) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s not allowed", ErrConflict, from, to)
	}

	inc := 0
	if mut.IncrementAttempts {
		inc = 1
	}
	result, err := marshalNullable(mut.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	res, err := m.db.ExecContext(ctx, transitionJob,
		id, string(to), inc,
		to == core.StatusRunning, to.IsTerminal(),
		mut.Error, result, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s not in %s or attempts exhausted", ErrConflict, id, from)
	}

	m.invalidate(ctx, id)
	slog.Debug("job transitioned", "event", "job_transition",
		"job_id", id, "from", string(from), "to", string(to))
	return nil
}

// ============================================================
// Projection cache
// ============================================================

func cacheKey(id string) string { return "jobcache:" + id }

// Projection returns the lightweight job view, serving from cache when the
// entry is fresh.
func (m *Manager) Projection(ctx context.Context, id string) (*core.Projection, error) {
	if raw, err := m.rdb.Get(ctx, cacheKey(id)).Result(); err == nil {
		var proj core.Projection
		if json.Unmarshal([]byte(raw), &proj) == nil {
			return &proj, nil
		}
		// Unreadable entry: fall through to the store.
		m.rdb.Del(ctx, cacheKey(id))
	}

	job, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	proj := job.Project()
	if data, err := json.Marshal(proj); err == nil {
		if err := m.rdb.Set(ctx, cacheKey(id), data, ProjectionTTL).Err(); err != nil {
			slog.Debug("projection cache write failed", "job_id", id, "error", err)
		}
	}
	return &proj, nil
}

func (m *Manager) invalidate(ctx context.Context, id string) {
	if err := m.rdb.Del(ctx, cacheKey(id)).Err(); err != nil {
		slog.Debug("projection cache invalidate failed", "job_id", id, "error", err)
	}
}

// ============================================================
// Operational reads
// ============================================================

const selectRecent = `
SELECT id, domain, job_type, status, attempts, created_at, started_at,
       completed_at, error
FROM jobs ORDER BY created_at DESC LIMIT $1`

// Recent returns projections of the newest jobs.
func (m *Manager) Recent(ctx context.Context, limit int) ([]core.Projection, error) {
	rows, err := m.db.QueryContext(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("recent jobs: %w", err)
	}
	defer rows.Close()

	var out []core.Projection
	for rows.Next() {
		var p core.Projection
		var errMsg sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&p.ID, &p.Domain, &p.Type, &p.Status, &p.Attempts,
			&p.CreatedAt, &started, &completed, &errMsg); err != nil {
			return nil, fmt.Errorf("scan recent job: %w", err)
		}
		p.StartedAt = timePtr(started)
		p.CompletedAt = timePtr(completed)
		p.Error = errMsg.String
		out = append(out, p)
	}
	return out, rows.Err()
}

const selectTerminalStatuses = `
SELECT status FROM (
    SELECT status, COALESCE(completed_at, created_at) AS finished
    FROM jobs
    WHERE status IN ('completed', 'failed', 'cancelled', 'rate_limited', 'circuit_broken')
    ORDER BY finished DESC LIMIT $1
) recent`

// SuccessRate reports the completed fraction over the last n terminal jobs.
// Returns 1.0 when there is no history yet.
func (m *Manager) SuccessRate(ctx context.Context, n int) (float64, error) {
	rows, err := m.db.QueryContext(ctx, selectTerminalStatuses, n)
	if err != nil {
		return 0, fmt.Errorf("success rate: %w", err)
	}
	defer rows.Close()

	total, completed := 0, 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, fmt.Errorf("scan status: %w", err)
		}
		total++
		if core.JobStatus(status) == core.StatusCompleted {
			completed++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if total == 0 {
		return 1.0, nil
	}
	return float64(completed) / float64(total), nil
}

const selectStatusCounts = `SELECT status, COUNT(*) FROM jobs GROUP BY status`

// CountsByStatus returns the job population per status.
func (m *Manager) CountsByStatus(ctx context.Context) (map[core.JobStatus]int, error) {
	rows, err := m.db.QueryContext(ctx, selectStatusCounts)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	out := map[core.JobStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[core.JobStatus(status)] = count
	}
	return out, rows.Err()
}

// ============================================================
// Row scanning
// ============================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*core.Job, error) {
	var job core.Job
	var payload, result []byte
	var strategy, authMode string
	var priority int
	var started, completed sql.NullTime
	var errMsg, idemKey, userID, ip sql.NullString

	err := row.Scan(&job.ID, &job.Domain, &job.URL, &job.Type, &strategy,
		&priority, &job.Status, &payload, &job.Attempts, &job.MaxAttempts,
		&job.TimeoutSeconds, &job.CreatedAt, &started, &completed, &errMsg,
		&idemKey, &authMode, &userID, &ip, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Strategy = core.Strategy(strategy)
	job.Priority = core.Priority(priority)
	job.AuthorizationMode = core.AuthorizationMode(authMode)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.Error = errMsg.String
	job.IdempotencyKey = idemKey.String
	job.UserID = userID.String
	job.IPAddress = ip.String

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &job.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &job, nil
}

func marshalNullable(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
