// Package orchestrator owns the job lifecycle: admission through the
// policy gates, enqueueing, the worker dispatch loop and cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marionette/backend/internal/circuitbreaker"
	"github.com/marionette/backend/internal/core"
	"github.com/marionette/backend/internal/events"
	"github.com/marionette/backend/internal/idempotency"
	"github.com/marionette/backend/internal/ops"
	"github.com/marionette/backend/internal/policy"
	"github.com/marionette/backend/internal/queue"
	"github.com/marionette/backend/internal/state"
)

// JobExecutor runs one attempt of a job.
type JobExecutor interface {
	Execute(ctx context.Context, job *core.Job) (*core.ExecutionResult, error)
}

// JobStore is the slice of the state manager the orchestrator writes
// through. *state.Manager satisfies it.
type JobStore interface {
	Create(ctx context.Context, job *core.Job) error
	Get(ctx context.Context, id string) (*core.Job, error)
	Projection(ctx context.Context, id string) (*core.Projection, error)
	Transition(ctx context.Context, id string, from, to core.JobStatus, mut state.Mutation) error
}

// Options tunes the dispatch loop.
type Options struct {
	WorkerCount     int
	MaxAttempts     int
	RetryBase       time.Duration
	RetryFactor     float64
	DefaultTimeout  time.Duration
	QueueBlock      time.Duration
	PromoteInterval time.Duration
}

func (o *Options) defaults() {
	if o.WorkerCount <= 0 {
		o.WorkerCount = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryFactor < 1 {
		o.RetryFactor = 2
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 300 * time.Second
	}
	if o.QueueBlock <= 0 {
		o.QueueBlock = 250 * time.Millisecond
	}
	if o.PromoteInterval <= 0 {
		o.PromoteInterval = time.Second
	}
}

// Orchestrator wires admission, queueing and dispatch together.
type Orchestrator struct {
	state    JobStore
	queue    *queue.Queue
	enforcer *policy.Enforcer
	idem     *idempotency.Engine
	breaker  *circuitbreaker.Manager
	executor JobExecutor
	bus      events.Emitter
	metrics  *ops.Metrics
	opts     Options
	logger   *log.Logger

	mu        sync.Mutex
	running   map[string]context.CancelFunc // jobID -> cancel for in-flight work
	cancelled map[string]struct{}           // jobID -> operator cancel pending finalize

	wg   sync.WaitGroup
	stop context.CancelFunc
}

func New(st JobStore, q *queue.Queue, enforcer *policy.Enforcer,
	idem *idempotency.Engine, breaker *circuitbreaker.Manager,
	executor JobExecutor, bus events.Emitter, metrics *ops.Metrics, opts Options) *Orchestrator {

	opts.defaults()
	if bus == nil {
		bus = events.NopEmitter{}
	}
	return &Orchestrator{
		state:     st,
		queue:     q,
		enforcer:  enforcer,
		idem:      idem,
		breaker:   breaker,
		executor:  executor,
		bus:       bus,
		metrics:   metrics,
		opts:      opts,
		logger:    log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
		running:   map[string]context.CancelFunc{},
		cancelled: map[string]struct{}{},
	}
}

// ============================================================
// Admission
// ============================================================

// CreateJobRequest is the admission input.
type CreateJobRequest struct {
	Domain            string
	URL               string
	Type              core.JobType
	Strategy          core.Strategy
	Payload           map[string]interface{}
	Priority          core.Priority
	IdempotencyKey    string
	TimeoutSeconds    int
	AuthorizationMode core.AuthorizationMode
	UserID            string
	IPAddress         string
}

func (r *CreateJobRequest) validate() error {
	if strings.TrimSpace(r.Domain) == "" {
		return &core.ValidationError{Field: "domain", Reason: "required"}
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &core.ValidationError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}
	if !core.ValidJobType(r.Type) {
		return &core.ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown type %q", r.Type)}
	}
	if r.Strategy != "" && !core.ValidStrategy(r.Strategy) {
		return &core.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", r.Strategy)}
	}
	if r.AuthorizationMode != "" && !core.ValidAuthorizationMode(r.AuthorizationMode) {
		return &core.ValidationError{Field: "authorization_mode", Reason: fmt.Sprintf("unknown mode %q", r.AuthorizationMode)}
	}
	return nil
}

// CreateResult reports the admission outcome. Deduplicated is true when an
// idempotency key bound the request to an existing job.
type CreateResult struct {
	JobID        string
	Status       core.JobStatus
	Deduplicated bool
}

// CreateJob runs the full admission pipeline. Policy refusals surface as
// *core.PolicyViolationError with the audit row already written; a tripped
// breaker creates the job terminally circuit_broken without enqueueing it.
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateJobRequest) (*CreateResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Priority < core.PriorityEmergency || req.Priority > core.PriorityLow {
		req.Priority = core.PriorityNormal
	}
	if req.AuthorizationMode == "" {
		req.AuthorizationMode = core.AuthPublic
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = int(o.opts.DefaultTimeout.Seconds())
	}

	// (1) idempotency: a replayed key returns the bound job untouched.
	if req.IdempotencyKey != "" {
		existing, err := o.idem.Check(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency check: %w", err)
		}
		if existing != "" {
			proj, err := o.state.Projection(ctx, existing)
			if err != nil {
				return nil, fmt.Errorf("load deduplicated job: %w", err)
			}
			return &CreateResult{JobID: existing, Status: proj.Status, Deduplicated: true}, nil
		}
	}

	// (2) policy gates. Refusals have already written their audit row.
	strategy := req.Strategy
	if strategy == "" {
		strategy = core.StrategyVanilla
	}
	decision, err := o.enforcer.Check(ctx, policy.AdmissionRequest{
		Domain:            req.Domain,
		Strategy:          strategy,
		AuthorizationMode: req.AuthorizationMode,
		UserID:            req.UserID,
		IPAddress:         req.IPAddress,
	})
	if err != nil {
		var violation *core.PolicyViolationError
		if errors.As(err, &violation) {
			o.metrics.RecordRefusal(string(violation.Action))
		}
		return nil, err
	}

	job := &core.Job{
		ID:                uuid.NewString(),
		Domain:            req.Domain,
		URL:               req.URL,
		Type:              req.Type,
		Strategy:          req.Strategy,
		Priority:          req.Priority,
		Status:            core.StatusPending,
		Payload:           req.Payload,
		MaxAttempts:       o.opts.MaxAttempts,
		TimeoutSeconds:    req.TimeoutSeconds,
		CreatedAt:         time.Now().UTC(),
		IdempotencyKey:    req.IdempotencyKey,
		AuthorizationMode: req.AuthorizationMode,
		UserID:            req.UserID,
		IPAddress:         req.IPAddress,
	}

	// (3) breaker fast-fail: the job exists for the record but never runs.
	if breakerDec := o.breaker.AllowExecution(req.Domain); !breakerDec.Allowed {
		if err := o.state.Create(ctx, job); err != nil {
			return nil, fmt.Errorf("persist circuit-broken job: %w", err)
		}
		reason := fmt.Sprintf("circuit open for %s (%s remaining)", req.Domain, breakerDec.Remaining.Round(time.Second))
		if err := o.state.Transition(ctx, job.ID, core.StatusPending, core.StatusCircuitBroken,
			state.Mutation{Error: reason}); err != nil {
			return nil, fmt.Errorf("finalize circuit-broken job: %w", err)
		}
		job.Status = core.StatusCircuitBroken
		o.bindIdempotency(ctx, req.IdempotencyKey, job.ID)
		o.enforcer.CommitAllow(ctx, decision, job.ID)
		o.bus.Emit(events.TypeJobCreated, job.ID, map[string]interface{}{
			"domain": job.Domain, "status": string(job.Status),
		})
		o.metrics.RecordJobFinished(job.Domain, string(job.Status), string(job.Type), 0)
		return &CreateResult{JobID: job.ID, Status: job.Status}, nil
	}

	// (4) persist, bind the key, enqueue, commit the allow audit.
	if err := o.state.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	if bound := o.bindIdempotency(ctx, req.IdempotencyKey, job.ID); bound != "" && bound != job.ID {
		// Lost the first-writer race: finalize ours and return the winner.
		_ = o.state.Transition(ctx, job.ID, core.StatusPending, core.StatusCancelled,
			state.Mutation{Error: "superseded by idempotent duplicate"})
		proj, err := o.state.Projection(ctx, bound)
		if err != nil {
			return nil, fmt.Errorf("load deduplicated job: %w", err)
		}
		return &CreateResult{JobID: bound, Status: proj.Status, Deduplicated: true}, nil
	}

	if err := o.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	o.enforcer.CommitAllow(ctx, decision, job.ID)
	o.metrics.RecordJobCreated(job.Domain, string(job.Type))
	o.bus.Emit(events.TypeJobCreated, job.ID, map[string]interface{}{
		"domain": job.Domain, "job_type": string(job.Type), "priority": int(job.Priority),
	})

	o.logger.Printf("job %s created (%s on %s, priority %d)", job.ID, job.Type, job.Domain, job.Priority)
	return &CreateResult{JobID: job.ID, Status: core.StatusPending}, nil
}

func (o *Orchestrator) bindIdempotency(ctx context.Context, key, jobID string) string {
	if key == "" {
		return ""
	}
	bound, err := o.idem.Store(ctx, key, jobID)
	if err != nil {
		o.logger.Printf("idempotency bind failed for %s: %v", jobID, err)
		return ""
	}
	return bound
}

// ============================================================
// Cancellation
// ============================================================

// Cancel stops a job. Pending jobs go straight to cancelled; running jobs
// get their execution context cancelled and finalize on the worker side.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, operator string) error {
	job, err := o.state.Get(ctx, jobID)
	if err != nil {
		return err
	}

	switch {
	case job.Status == core.StatusPending:
		err := o.state.Transition(ctx, jobID, core.StatusPending, core.StatusCancelled,
			state.Mutation{Error: "cancelled by operator"})
		if err != nil {
			return err
		}
		o.enforcer.AuditOperator(ctx, job.Domain, "cancel", "job "+jobID+" cancelled while pending", operator)
		o.bus.Emit(events.TypeJobCancelled, jobID, map[string]interface{}{"operator": operator})
		o.metrics.RecordJobFinished(job.Domain, string(core.StatusCancelled), string(job.Type), 0)
		return nil

	case job.Status == core.StatusRunning:
		// Mark before firing the context so the worker can tell an operator
		// cancel apart from a timeout when the executor returns.
		o.mu.Lock()
		cancel, ok := o.running[jobID]
		if ok {
			o.cancelled[jobID] = struct{}{}
		}
		o.mu.Unlock()
		if !ok {
			return fmt.Errorf("job %s is running on another instance", jobID)
		}
		cancel()
		o.enforcer.AuditOperator(ctx, job.Domain, "cancel", "job "+jobID+" cancelled while running", operator)
		return nil

	default:
		return fmt.Errorf("%w: job %s already %s", state.ErrConflict, jobID, job.Status)
	}
}

// trackRunning registers the cancel handle for a claimed job.
func (o *Orchestrator) trackRunning(jobID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.running[jobID] = cancel
	o.mu.Unlock()
}

// takeCancelled consumes the operator-cancel mark for a job, if one is set.
func (o *Orchestrator) takeCancelled(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.cancelled[jobID]; ok {
		delete(o.cancelled, jobID)
		return true
	}
	return false
}

func (o *Orchestrator) untrackRunning(jobID string) {
	o.mu.Lock()
	delete(o.running, jobID)
	o.mu.Unlock()
}
