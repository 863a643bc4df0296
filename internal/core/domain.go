// Package core defines the domain model shared by the control plane:
// jobs, domain policies, audit records and the error taxonomy.
package core

import (
	"time"
)

// JobType identifies the browser action a job performs.
type JobType string

const (
	JobNavigateExtract   JobType = "navigate_extract"
	JobAuthenticate      JobType = "authenticate"
	JobFormSubmit        JobType = "form_submit"
	JobFileDownload      JobType = "file_download"
	JobScreenshotCapture JobType = "screenshot_capture"
	JobScreenshotDiff    JobType = "screenshot_diff"
	JobAPIIntercept      JobType = "api_intercept"
)

// ValidJobType reports whether t is a known job type.
func ValidJobType(t JobType) bool {
	switch t {
	case JobNavigateExtract, JobAuthenticate, JobFormSubmit, JobFileDownload,
		JobScreenshotCapture, JobScreenshotDiff, JobAPIIntercept:
		return true
	}
	return false
}

// Strategy selects the evasion profile applied to the headless browser.
type Strategy string

const (
	StrategyVanilla Strategy = "vanilla"
	StrategyStealth Strategy = "stealth"
	StrategyAssault Strategy = "assault"
)

// ValidStrategy reports whether s is a known strategy.
func ValidStrategy(s Strategy) bool {
	return s == StrategyVanilla || s == StrategyStealth || s == StrategyAssault
}

// AuthorizationMode declares what the caller is entitled to request.
type AuthorizationMode string

const (
	AuthPublic             AuthorizationMode = "public"
	AuthCustomerAuthorized AuthorizationMode = "customer_authorized"
	AuthInternal           AuthorizationMode = "internal"
)

// ValidAuthorizationMode reports whether m is a known mode.
func ValidAuthorizationMode(m AuthorizationMode) bool {
	return m == AuthPublic || m == AuthCustomerAuthorized || m == AuthInternal
}

// JobStatus is the job state machine. Status only advances forward.
type JobStatus string

const (
	StatusPending       JobStatus = "pending"
	StatusRunning       JobStatus = "running"
	StatusCompleted     JobStatus = "completed"
	StatusFailed        JobStatus = "failed"
	StatusCancelled     JobStatus = "cancelled"
	StatusRateLimited   JobStatus = "rate_limited"
	StatusCircuitBroken JobStatus = "circuit_broken"
)

// IsTerminal reports whether s is a terminal status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRateLimited, StatusCircuitBroken:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> next.
// Terminal states are absorbing; pending may go to running or any terminal
// state (cancel, circuit-broken fast-fail); running goes terminal or back
// to pending when a retryable attempt is re-enqueued.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next == StatusPending || next.IsTerminal()
	}
	return false
}

// Priority orders jobs across the four queue streams. 0 is emergency, 3 low.
type Priority int

const (
	PriorityEmergency Priority = 0
	PriorityHigh      Priority = 1
	PriorityNormal    Priority = 2
	PriorityLow       Priority = 3
)

// ValidPriority reports whether p is within the stream range.
func ValidPriority(p Priority) bool {
	return p >= PriorityEmergency && p <= PriorityLow
}

// Job is the durable unit of work. Jobs are created on admission and never
// destroyed; retention is handled outside the control plane.
type Job struct {
	ID                string                 `json:"id"`
	Domain            string                 `json:"domain"`
	URL               string                 `json:"url"`
	Type              JobType                `json:"job_type"`
	Strategy          Strategy               `json:"strategy"`
	Priority          Priority               `json:"priority"`
	Status            JobStatus              `json:"status"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
	Attempts          int                    `json:"attempts"`
	MaxAttempts       int                    `json:"max_attempts"`
	TimeoutSeconds    int                    `json:"timeout_seconds"`
	CreatedAt         time.Time              `json:"created_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	Error             string                 `json:"error,omitempty"`
	IdempotencyKey    string                 `json:"idempotency_key,omitempty"`
	AuthorizationMode AuthorizationMode      `json:"authorization_mode"`
	UserID            string                 `json:"user_id,omitempty"`
	IPAddress         string                 `json:"ip_address,omitempty"`
	Result            map[string]interface{} `json:"result,omitempty"`
}

// Projection is the lightweight job view held in the state cache and
// returned by status GETs.
type Projection struct {
	ID          string     `json:"id"`
	Domain      string     `json:"domain"`
	Type        JobType    `json:"job_type"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Project returns the cacheable projection of the job.
func (j *Job) Project() Projection {
	return Projection{
		ID:          j.ID,
		Domain:      j.Domain,
		Type:        j.Type,
		Status:      j.Status,
		Attempts:    j.Attempts,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Error:       j.Error,
	}
}

// DomainPolicy controls admission for a single domain. A denied policy wins
// over every other field.
type DomainPolicy struct {
	ID                 string     `json:"id"`
	Domain             string     `json:"domain"`
	Allowed            bool       `json:"allowed"`
	Denied             bool       `json:"denied"`
	RateLimitPerMinute *int       `json:"rate_limit_per_minute,omitempty"`
	RateLimitPerHour   *int       `json:"rate_limit_per_hour,omitempty"`
	MaxConcurrentJobs  *int       `json:"max_concurrent_jobs,omitempty"`
	AllowedStrategies  []Strategy `json:"allowed_strategies"`
	Notes              string     `json:"notes,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// AllowsStrategy reports whether the policy permits the strategy. A policy
// with no explicit list defaults to vanilla only.
func (p *DomainPolicy) AllowsStrategy(s Strategy) bool {
	if len(p.AllowedStrategies) == 0 {
		return s == StrategyVanilla
	}
	for _, allowed := range p.AllowedStrategies {
		if allowed == s {
			return true
		}
	}
	return false
}

// AuditAction is the terminal decision recorded for an admission.
type AuditAction string

const (
	AuditAllow              AuditAction = "allow"
	AuditDeny               AuditAction = "deny"
	AuditRateLimit          AuditAction = "rate_limit"
	AuditConcurrencyLimit   AuditAction = "concurrency_limit"
	AuditStrategyRestricted AuditAction = "strategy_restricted"
)

// AuditRecord is one append-only admission decision. Rows are never mutated.
type AuditRecord struct {
	ID                string                 `json:"id"`
	JobID             string                 `json:"job_id"`
	Domain            string                 `json:"domain"`
	PolicyID          string                 `json:"policy_id,omitempty"`
	AuthorizationMode AuthorizationMode      `json:"authorization_mode"`
	Strategy          Strategy               `json:"strategy"`
	Action            AuditAction            `json:"action"`
	Allowed           bool                   `json:"allowed"`
	Reason            string                 `json:"reason"`
	Timestamp         time.Time              `json:"timestamp"`
	UserID            string                 `json:"user_id,omitempty"`
	IPAddress         string                 `json:"ip_address,omitempty"`
	Context           map[string]interface{} `json:"context,omitempty"`
}

// ExecutionResult is what an executor returns for one attempt.
type ExecutionResult struct {
	JobID           string                 `json:"job_id"`
	Success         bool                   `json:"success"`
	DurationSeconds float64                `json:"duration_seconds"`
	Error           string                 `json:"error,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
}
