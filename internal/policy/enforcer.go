// Package policy implements admission control: domain allow/deny lists,
// strategy gating by authorization mode, per-domain rate limits, concurrency
// ceilings, and the append-only audit trail behind every decision.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marionette/backend/internal/core"
	"github.com/marionette/backend/internal/ratelimit"
)

// Store loads domain policies.
type Store interface {
	GetPolicy(ctx context.Context, domain string) (*core.DomainPolicy, error)
}

// Auditor persists admission decisions. Write failures must never block the
// admission path.
type Auditor interface {
	Write(ctx context.Context, rec *core.AuditRecord) error
}

// AdmissionRequest carries everything the enforcer needs to decide.
type AdmissionRequest struct {
	Domain            string
	Strategy          core.Strategy
	AuthorizationMode core.AuthorizationMode
	UserID            string
	IPAddress         string
}

// Decision is an allowed admission awaiting its audit commit.
type Decision struct {
	PolicyID string
	req      AdmissionRequest
}

// Enforcer runs the admission pipeline in spec order: deny list, strategy
// gate, rate limits (minute then hour), concurrency ceiling.
type Enforcer struct {
	store       Store
	auditor     Auditor
	limiter     *ratelimit.Limiter
	concurrency *ConcurrencyTracker
}

// NewEnforcer wires the admission pipeline.
func NewEnforcer(store Store, auditor Auditor, limiter *ratelimit.Limiter, concurrency *ConcurrencyTracker) *Enforcer {
	return &Enforcer{store: store, auditor: auditor, limiter: limiter, concurrency: concurrency}
}

// defaultPolicy applies when a domain has no stored policy: admission is
// allowed but only the vanilla strategy is available.
func defaultPolicy(domain string) *core.DomainPolicy {
	return &core.DomainPolicy{
		Domain:            domain,
		Allowed:           true,
		AllowedStrategies: []core.Strategy{core.StrategyVanilla},
	}
}

// Check runs the pipeline. Refusals write their audit row immediately and
// return a *core.PolicyViolationError; an allowed admission returns a
// Decision whose audit row is written by CommitAllow once the job id exists.
func (e *Enforcer) Check(ctx context.Context, req AdmissionRequest) (*Decision, error) {
	pol, err := e.store.GetPolicy(ctx, req.Domain)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("load policy for %s: %w", req.Domain, err)
		}
		pol = defaultPolicy(req.Domain)
	}

	// (1) deny list
	if pol.Denied || !pol.Allowed {
		return nil, e.refuse(ctx, req, pol, core.AuditDeny, "domain is denied by policy")
	}

	// (2) strategy allowed for domain
	if !pol.AllowsStrategy(req.Strategy) {
		return nil, e.refuse(ctx, req, pol, core.AuditStrategyRestricted,
			fmt.Sprintf("strategy %s not permitted for domain", req.Strategy))
	}

	// (3) public callers only get vanilla
	if req.AuthorizationMode == core.AuthPublic && req.Strategy != core.StrategyVanilla {
		return nil, e.refuse(ctx, req, pol, core.AuditStrategyRestricted,
			fmt.Sprintf("strategy %s requires authorization beyond public", req.Strategy))
	}

	// (4) rate limits, per-minute then per-hour, atomically paired
	if pol.RateLimitPerMinute != nil || pol.RateLimitPerHour != nil {
		minute := ratelimit.PerMinute(valueOr(pol.RateLimitPerMinute, 1_000_000))
		hour := ratelimit.PerHour(valueOr(pol.RateLimitPerHour, 1_000_000))
		res, err := e.limiter.AcquireDual(ctx, req.Domain, 1, minute, hour)
		if err != nil {
			// Fail-open: the limiter already granted; log and continue.
			slog.Warn("rate limit store unavailable, admitting",
				"event", "rate_limit_fail_open", "domain", req.Domain, "error", err)
		}
		if !res.Allowed {
			return nil, e.refuse(ctx, req, pol, core.AuditRateLimit,
				fmt.Sprintf("rate limit exceeded, retry in %ds", res.WaitSeconds))
		}
	}

	// (5) concurrency ceiling
	if pol.MaxConcurrentJobs != nil {
		current, err := e.concurrency.Current(ctx, req.Domain)
		if err != nil {
			slog.Warn("concurrency count unavailable, admitting",
				"event", "concurrency_fail_open", "domain", req.Domain, "error", err)
		} else if current >= *pol.MaxConcurrentJobs {
			return nil, e.refuse(ctx, req, pol, core.AuditConcurrencyLimit,
				fmt.Sprintf("domain at max concurrency (%d)", *pol.MaxConcurrentJobs))
		}
	}

	return &Decision{PolicyID: pol.ID, req: req}, nil
}

// CommitAllow writes the single ALLOW audit row for an admitted job.
func (e *Enforcer) CommitAllow(ctx context.Context, dec *Decision, jobID string) {
	rec := &core.AuditRecord{
		JobID:             jobID,
		Domain:            dec.req.Domain,
		PolicyID:          dec.PolicyID,
		AuthorizationMode: dec.req.AuthorizationMode,
		Strategy:          dec.req.Strategy,
		Action:            core.AuditAllow,
		Allowed:           true,
		Reason:            "admitted",
		UserID:            dec.req.UserID,
		IPAddress:         dec.req.IPAddress,
	}
	if err := e.auditor.Write(ctx, rec); err != nil {
		slog.Error("audit write failed", "event", "audit_write_failed",
			"job_id", jobID, "domain", dec.req.Domain, "error", err)
	}
}

// AuditOperator records an operator action (circuit force-open, force-reset,
// cancel) outside the admission pipeline.
func (e *Enforcer) AuditOperator(ctx context.Context, domain, action, reason, userID string) {
	rec := &core.AuditRecord{
		Domain:  domain,
		Action:  core.AuditAction(action),
		Allowed: true,
		Reason:  reason,
		UserID:  userID,
		Context: map[string]interface{}{"operator": true},
	}
	if err := e.auditor.Write(ctx, rec); err != nil {
		slog.Error("audit write failed", "event", "audit_write_failed",
			"domain", domain, "error", err)
	}
}

// Concurrency exposes the shared tracker so the orchestrator can pair
// increments on dispatch with decrements on terminal transitions.
func (e *Enforcer) Concurrency() *ConcurrencyTracker { return e.concurrency }

// refuse writes the denial audit row and builds the violation error.
func (e *Enforcer) refuse(ctx context.Context, req AdmissionRequest, pol *core.DomainPolicy, action core.AuditAction, reason string) error {
	rec := &core.AuditRecord{
		Domain:            req.Domain,
		PolicyID:          pol.ID,
		AuthorizationMode: req.AuthorizationMode,
		Strategy:          req.Strategy,
		Action:            action,
		Allowed:           false,
		Reason:            reason,
		UserID:            req.UserID,
		IPAddress:         req.IPAddress,
	}
	if err := e.auditor.Write(ctx, rec); err != nil {
		slog.Error("audit write failed", "event", "audit_write_failed",
			"domain", req.Domain, "error", err)
	}
	return &core.PolicyViolationError{Action: action, Domain: req.Domain, Reason: reason}
}

func valueOr(p *int, fallback int) int {
	if p != nil {
		return *p
	}
	return fallback
}
