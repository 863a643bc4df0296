package executor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/marionette/backend/internal/artifacts"
	"github.com/marionette/backend/internal/browser"
	"github.com/marionette/backend/internal/core"
	"github.com/marionette/backend/internal/vault"
)

// PagePool is the slice of the browser pool the executor needs.
type PagePool interface {
	Acquire(ctx context.Context) (*browser.Lease, error)
	Release(ctx context.Context, lease *browser.Lease)
}

// Executor drives one job attempt end to end: lease a page, apply the
// strategy hooks, navigate, run the action routine, capture evidence.
type Executor struct {
	pool     PagePool
	vault    *vault.Vault
	sessions *SessionStore
	capturer *artifacts.Capturer

	rng   *rand.Rand
	sleep func(time.Duration)
	scan  func([]byte) error

	defaultNavTimeout time.Duration
}

// Option tweaks executor construction, mainly for tests.
type Option func(*Executor)

// WithRand pins the random source used by the strategy hooks.
func WithRand(rng *rand.Rand) Option {
	return func(e *Executor) { e.rng = rng }
}

// WithSleep replaces the stealth delay sleeper.
func WithSleep(fn func(time.Duration)) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithNavTimeout overrides the default navigation timeout.
func WithNavTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultNavTimeout = d }
}

// WithVirusScanner installs a scanner for downloads that request one. The
// scanner returns an error for files that must be rejected.
func WithVirusScanner(scan func([]byte) error) Option {
	return func(e *Executor) { e.scan = scan }
}

func New(pool PagePool, v *vault.Vault, sessions *SessionStore, capturer *artifacts.Capturer, opts ...Option) *Executor {
	e := &Executor{
		pool:              pool,
		vault:             v,
		sessions:          sessions,
		capturer:          capturer,
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:             time.Sleep,
		defaultNavTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one attempt of the job. Action-level failures come back as
// success=false with a diagnostic; transport failures (pool exhausted, page
// crash, navigation errors) return a non-nil error for the dispatcher to
// classify.
func (e *Executor) Execute(ctx context.Context, job *core.Job) (*core.ExecutionResult, error) {
	start := time.Now()
	result := &core.ExecutionResult{JobID: job.ID}

	payload := Payload(job.Payload)
	strategy := SelectStrategy(job)
	hooks := hooksFor(strategy, e.rng, e.sleep)

	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(ctx, lease)
	page := lease.Page

	slog.Info("executing job", "event", "job_execute",
		"job_id", job.ID, "job_type", string(job.Type),
		"domain", job.Domain, "strategy", string(strategy), "attempt", job.Attempts)

	// api_intercept records traffic from the first request, so its hooks
	// go in before navigation.
	var rec *harRecorder
	if job.Type == core.JobAPIIntercept {
		cfg := ParseIntercept(payload)
		rec, err = startHAR(ctx, page, cfg)
		if err != nil {
			return nil, core.Retryable("intercept_hook", "installing network hooks", err)
		}
		defer rec.stop()
	}

	if err := hooks.BeforeNavigation(ctx, page); err != nil {
		return nil, core.Retryable("before_navigation", "strategy pre-navigation hook", err)
	}

	navTimeout := e.navTimeout(payload)
	if err := page.Navigate(ctx, job.URL, browser.WaitNetworkIdle, navTimeout); err != nil {
		return nil, core.Retryable("navigation", "navigating to "+job.URL, err)
	}

	if err := hooks.AfterNavigation(ctx, page); err != nil {
		return nil, core.Retryable("after_navigation", "strategy post-navigation hook", err)
	}

	details, actionErr := e.runAction(ctx, job, page, payload, rec)
	result.DurationSeconds = time.Since(start).Seconds()
	result.Details = details
	if result.Details == nil {
		result.Details = map[string]interface{}{}
	}
	result.Details["strategy"] = string(strategy)

	if actionErr != nil {
		var execErr *core.ExecutionError
		if errors.As(actionErr, &execErr) && execErr.Code == "bad_payload" {
			// Malformed payloads are caller errors, not transient ones.
			return nil, actionErr
		}
		result.Success = false
		result.Error = actionErr.Error()
		slog.Warn("job action failed", "event", "job_action_failed",
			"job_id", job.ID, "job_type", string(job.Type), "error", actionErr)
		return result, nil
	}

	result.Success = true
	return result, nil
}

func (e *Executor) navTimeout(p Payload) time.Duration {
	if secs := p.intVal("timeout", 0); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return e.defaultNavTimeout
}

func (e *Executor) runAction(ctx context.Context, job *core.Job, page browser.Page, payload Payload, rec *harRecorder) (map[string]interface{}, error) {
	switch job.Type {
	case core.JobNavigateExtract:
		return e.navigateExtract(ctx, job, page, payload)
	case core.JobAuthenticate:
		return e.authenticate(ctx, job, page, payload)
	case core.JobFormSubmit:
		return e.formSubmit(ctx, page, payload)
	case core.JobFileDownload:
		return e.fileDownload(ctx, job, page, payload)
	case core.JobScreenshotCapture:
		return e.screenshotCapture(ctx, job, page, payload)
	case core.JobScreenshotDiff:
		return e.screenshotDiff(ctx, job, page, payload)
	case core.JobAPIIntercept:
		return e.apiIntercept(ctx, job, rec)
	default:
		return nil, core.Fatal("unknown_job_type", "no executor for job type "+string(job.Type), nil)
	}
}
