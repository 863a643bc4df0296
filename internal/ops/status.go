package ops

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marionette/backend/internal/browser"
	"github.com/marionette/backend/internal/circuitbreaker"
	"github.com/marionette/backend/internal/core"
	"github.com/marionette/backend/internal/infra"
	"github.com/marionette/backend/internal/queue"
)

// JobReporter is the slice of the state manager the status page reads.
// *state.Manager satisfies it.
type JobReporter interface {
	Healthy(ctx context.Context) error
	Recent(ctx context.Context, limit int) ([]core.Projection, error)
	SuccessRate(ctx context.Context, n int) (float64, error)
	CountsByStatus(ctx context.Context) (map[core.JobStatus]int, error)
}

// PoolReporter reports browser pool occupancy.
type PoolReporter interface {
	Stats() browser.Stats
}

// StaticInfo is configuration echoed on the status page.
type StaticInfo struct {
	Env                 string `json:"env"`
	WorkerCount         int    `json:"worker_count"`
	MaxAttempts         int    `json:"max_attempts"`
	MaxBrowserInstances int    `json:"max_browser_instances"`
}

// Status is the operator snapshot: dependency health, queue backlog, recent
// work and breaker state in one payload.
type Status struct {
	Healthy     bool                      `json:"healthy"`
	Uptime      string                    `json:"uptime"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Stores      StoreHealth               `json:"stores"`
	Queue       *queue.Depths             `json:"queue,omitempty"`
	Jobs        JobSummary                `json:"jobs"`
	Pool        *browser.Stats            `json:"browser_pool,omitempty"`
	Breakers    []circuitbreaker.Snapshot `json:"circuit_breakers"`
	Config      StaticInfo                `json:"config"`
	Counts      map[core.JobStatus]int    `json:"counts_by_status,omitempty"`
}

// StoreHealth reports reachability of the two backing stores.
type StoreHealth struct {
	Postgres bool `json:"postgres"`
	Redis    bool `json:"redis"`
}

// JobSummary is the recent-work section of the status page.
type JobSummary struct {
	Recent      []core.Projection `json:"recent"`
	SuccessRate float64           `json:"success_rate"`
}

const (
	recentJobs        = 10
	successRateWindow = 100
	redisProbeTimeout = 2 * time.Second
)

// Reporter aggregates the status page from the live components.
type Reporter struct {
	jobs    JobReporter
	rdb     *redis.Client
	queue   *queue.Queue
	breaker *circuitbreaker.Manager
	pool    PoolReporter
	info    StaticInfo
	started time.Time
}

func NewReporter(jobs JobReporter, rdb *redis.Client, q *queue.Queue,
	breaker *circuitbreaker.Manager, pool PoolReporter, info StaticInfo) *Reporter {
	return &Reporter{
		jobs:    jobs,
		rdb:     rdb,
		queue:   q,
		breaker: breaker,
		pool:    pool,
		info:    info,
		started: time.Now(),
	}
}

// Report builds the status snapshot. Individual probe failures degrade their
// section rather than failing the whole report.
func (r *Reporter) Report(ctx context.Context) *Status {
	st := &Status{
		GeneratedAt: time.Now().UTC(),
		Uptime:      time.Since(r.started).Round(time.Second).String(),
		Config:      r.info,
		Breakers:    []circuitbreaker.Snapshot{},
	}

	st.Stores.Postgres = r.jobs.Healthy(ctx) == nil
	st.Stores.Redis = infra.Healthy(ctx, r.rdb, redisProbeTimeout)
	st.Healthy = st.Stores.Postgres && st.Stores.Redis

	if depths, err := r.queue.Depths(ctx); err == nil {
		st.Queue = depths
	}
	if recent, err := r.jobs.Recent(ctx, recentJobs); err == nil {
		st.Jobs.Recent = recent
	}
	if rate, err := r.jobs.SuccessRate(ctx, successRateWindow); err == nil {
		st.Jobs.SuccessRate = rate
	}
	if counts, err := r.jobs.CountsByStatus(ctx); err == nil {
		st.Counts = counts
	}
	if r.breaker != nil {
		st.Breakers = r.breaker.Snapshots()
	}
	if r.pool != nil {
		stats := r.pool.Stats()
		st.Pool = &stats
	}
	return st
}
