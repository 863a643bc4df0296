// Package api exposes the control plane over REST/JSON plus the operator
// WebSocket stream.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marionette/backend/internal/circuitbreaker"
	"github.com/marionette/backend/internal/core"
	"github.com/marionette/backend/internal/events"
	"github.com/marionette/backend/internal/ops"
	"github.com/marionette/backend/internal/orchestrator"
	"github.com/marionette/backend/internal/policy"
	"github.com/marionette/backend/internal/queue"
	"github.com/marionette/backend/internal/ratelimit"
	"github.com/marionette/backend/internal/workflow"
)

// JobService is the admission surface the API calls into.
// *orchestrator.Orchestrator satisfies it.
type JobService interface {
	CreateJob(ctx context.Context, req orchestrator.CreateJobRequest) (*orchestrator.CreateResult, error)
	Cancel(ctx context.Context, jobID, operator string) error
}

// JobQuery loads job views for status GETs. *state.Manager satisfies it.
type JobQuery interface {
	Projection(ctx context.Context, id string) (*core.Projection, error)
}

// WorkflowService runs registered workflows. *workflow.Runner satisfies it.
type WorkflowService interface {
	Run(ctx context.Context, name string, input map[string]interface{}, userID, ip string) (*workflow.RunResult, error)
}

// StatusService builds the operator status snapshot.
type StatusService interface {
	Report(ctx context.Context) *ops.Status
}

// Options tunes authentication and API rate limiting.
type Options struct {
	AuthEnabled       bool
	APIKeys           []string
	RequestsPerMinute int
	Burst             int
}

// Server wires the HTTP surface to the control plane components.
type Server struct {
	jobs      JobService
	query     JobQuery
	queue     *queue.Queue
	workflows WorkflowService
	status    StatusService
	breaker   *circuitbreaker.Manager
	enforcer  *policy.Enforcer
	streamer  *events.Streamer
	limiter   *ratelimit.Limiter
	metrics   *ops.Metrics
	opts      Options
	logger    *log.Logger

	keys map[string]bool
}

func NewServer(jobs JobService, query JobQuery, q *queue.Queue, workflows WorkflowService,
	status StatusService, breaker *circuitbreaker.Manager, enforcer *policy.Enforcer,
	streamer *events.Streamer, limiter *ratelimit.Limiter, metrics *ops.Metrics, opts Options) *Server {

	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 120
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.RequestsPerMinute * 2
	}

	keys := make(map[string]bool, len(opts.APIKeys))
	for _, k := range opts.APIKeys {
		keys[k] = true
	}

	return &Server{
		jobs:      jobs,
		query:     query,
		queue:     q,
		workflows: workflows,
		status:    status,
		breaker:   breaker,
		enforcer:  enforcer,
		streamer:  streamer,
		limiter:   limiter,
		metrics:   metrics,
		opts:      opts,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
		keys:      keys,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.corsMiddleware)
	r.Use(s.metricsMiddleware)

	// Unauthenticated surface.
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.Use(s.rateLimitMiddleware)

	v1.HandleFunc("/jobs", s.handleCreateJob).Methods("POST")
	v1.HandleFunc("/jobs/{job_id}", s.handleGetJob).Methods("GET")
	v1.HandleFunc("/jobs/{job_id}/cancel", s.handleCancelJob).Methods("POST")

	v1.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")

	v1.HandleFunc("/workflows", s.handleListWorkflows).Methods("GET")
	v1.HandleFunc("/workflows/{name}", s.handleGetWorkflow).Methods("GET")
	v1.HandleFunc("/workflows/{name}/run", s.handleRunWorkflow).Methods("POST")

	v1.HandleFunc("/ops/status", s.handleOpsStatus).Methods("GET")
	v1.HandleFunc("/ops/circuits", s.handleListCircuits).Methods("GET")
	v1.HandleFunc("/ops/circuits/{domain}/force_open", s.handleForceOpenCircuit).Methods("POST")
	v1.HandleFunc("/ops/circuits/{domain}/force_reset", s.handleResetCircuit).Methods("POST")

	if s.streamer != nil {
		v1.HandleFunc("/ops/events", s.streamer.HandleWebSocket)
	}

	return r
}

// Start serves the router until the listener fails.
func (s *Server) Start(port string) error {
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.logger.Printf("🚀 API listening on :%s", port)
	return srv.ListenAndServe()
}
