package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/marionette/backend/internal/core"
	"github.com/marionette/backend/internal/events"
	"github.com/marionette/backend/internal/queue"
	"github.com/marionette/backend/internal/ratelimit"
	"github.com/marionette/backend/internal/state"
)

// Run starts the worker pool and the delayed-entry promoter, blocking
// until ctx is cancelled and every worker has drained.
func (o *Orchestrator) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.stop = cancel

	host, _ := os.Hostname()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.promoteLoop(ctx)
	}()

	for i := 0; i < o.opts.WorkerCount; i++ {
		consumer := fmt.Sprintf("%s-%d-%s", host, i, uuid.NewString()[:8])
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.workerLoop(ctx, consumer)
		}()
	}

	o.logger.Printf("🚀 dispatch started (%d workers)", o.opts.WorkerCount)
	o.wg.Wait()
}

// Shutdown stops the dispatch loop and waits for in-flight jobs.
func (o *Orchestrator) Shutdown() {
	if o.stop != nil {
		o.stop()
	}
	o.wg.Wait()
	o.logger.Printf("dispatch stopped")
}

func (o *Orchestrator) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(o.opts.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.queue.PromoteDue(ctx, time.Now()); err != nil {
				if ctx.Err() == nil {
					o.logger.Printf("delayed promotion failed: %v", err)
				}
			} else if n > 0 {
				o.logger.Printf("promoted %d delayed job(s)", n)
			}
		}
	}
}

func (o *Orchestrator) workerLoop(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}
		entry, err := o.queue.Next(ctx, consumer, o.opts.QueueBlock)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Printf("queue read failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		o.handleEntry(ctx, entry)
	}
}

// handleEntry drives one claimed stream entry to an ack. The worker is the
// single writer for the job while it holds the claim.
func (o *Orchestrator) handleEntry(ctx context.Context, entry *queue.Entry) {
	defer func() {
		if err := o.queue.Ack(ctx, entry); err != nil && ctx.Err() == nil {
			o.logger.Printf("ack failed for %s: %v", entry.JobID, err)
		}
	}()

	job, err := o.state.Get(ctx, entry.JobID)
	if err != nil {
		o.logger.Printf("claimed unknown job %s: %v", entry.JobID, err)
		return
	}

	// Cancelled or otherwise finalized between enqueue and claim.
	if job.Status != core.StatusPending {
		return
	}

	// Dispatch-time breaker check: admitted work does not outrun a trip.
	if dec := o.breaker.AllowExecution(job.Domain); !dec.Allowed {
		reason := fmt.Sprintf("circuit open for %s at dispatch", job.Domain)
		if err := o.state.Transition(ctx, job.ID, core.StatusPending, core.StatusCircuitBroken,
			state.Mutation{Error: reason}); err != nil {
			o.logger.Printf("circuit finalize failed for %s: %v", job.ID, err)
			return
		}
		o.bus.Emit(events.TypeJobFailed, job.ID, map[string]interface{}{
			"domain": job.Domain, "status": string(core.StatusCircuitBroken),
		})
		o.metrics.RecordJobFinished(job.Domain, string(core.StatusCircuitBroken), string(job.Type), 0)
		return
	}

	// Claim: pending -> running, attempts++. Losing the CAS means another
	// worker or a cancel got here first.
	if err := o.state.Transition(ctx, job.ID, core.StatusPending, core.StatusRunning,
		state.Mutation{IncrementAttempts: true}); err != nil {
		if !errors.Is(err, state.ErrConflict) {
			o.logger.Printf("claim failed for %s: %v", job.ID, err)
		}
		return
	}
	job.Attempts++
	job.Status = core.StatusRunning

	if _, err := o.enforcer.Concurrency().Increment(ctx, job.Domain); err != nil {
		o.logger.Printf("concurrency increment failed for %s: %v", job.Domain, err)
	}
	defer func() {
		if _, err := o.enforcer.Concurrency().Decrement(ctx, job.Domain); err != nil {
			o.logger.Printf("concurrency decrement failed for %s: %v", job.Domain, err)
		}
	}()

	o.bus.Emit(events.TypeJobStarted, job.ID, map[string]interface{}{
		"domain": job.Domain, "attempt": job.Attempts,
	})

	result, execErr, timedOut := o.executeWithTimeout(ctx, job)

	// Consume the operator-cancel mark unconditionally so a success that
	// raced the cancel does not leave it dangling.
	cancelled := o.takeCancelled(job.ID)

	switch {
	case execErr == nil && result != nil && result.Success:
		o.finishSuccess(ctx, job, result)
	case cancelled:
		o.finishCancelled(ctx, job)
	default:
		o.finishFailure(ctx, job, result, execErr, timedOut)
	}
}

// executeWithTimeout runs one attempt under the job's deadline, keeping the
// cancel handle registered so operator cancellation reaches the executor.
func (o *Orchestrator) executeWithTimeout(ctx context.Context, job *core.Job) (*core.ExecutionResult, error, bool) {
	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = o.opts.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.trackRunning(job.ID, cancel)
	defer o.untrackRunning(job.ID)

	result, err := o.executor.Execute(execCtx, job)
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	return result, err, timedOut
}

func (o *Orchestrator) finishSuccess(ctx context.Context, job *core.Job, result *core.ExecutionResult) {
	err := o.state.Transition(ctx, job.ID, core.StatusRunning, core.StatusCompleted,
		state.Mutation{Result: result.Details})
	if err != nil {
		o.logger.Printf("completion write failed for %s: %v", job.ID, err)
		return
	}
	o.breaker.RecordSuccess(job.Domain)
	o.metrics.RecordJobFinished(job.Domain, string(core.StatusCompleted), string(job.Type), result.DurationSeconds)
	o.bus.Emit(events.TypeJobCompleted, job.ID, map[string]interface{}{
		"domain":           job.Domain,
		"duration_seconds": result.DurationSeconds,
	})
	o.logger.Printf("job %s completed in %.2fs", job.ID, result.DurationSeconds)
}

// finishCancelled finalizes an attempt stopped by an operator. A cancel says
// nothing about the target site, so the breaker stays untouched and the job
// skips the dead-letter list.
func (o *Orchestrator) finishCancelled(ctx context.Context, job *core.Job) {
	if err := o.state.Transition(ctx, job.ID, core.StatusRunning, core.StatusCancelled,
		state.Mutation{Error: "cancelled by operator"}); err != nil {
		o.logger.Printf("cancel write failed for %s: %v", job.ID, err)
		return
	}
	o.metrics.RecordJobFinished(job.Domain, string(core.StatusCancelled), string(job.Type), 0)
	o.bus.Emit(events.TypeJobCancelled, job.ID, map[string]interface{}{"domain": job.Domain})
	o.logger.Printf("job %s cancelled while running", job.ID)
}

func (o *Orchestrator) finishFailure(ctx context.Context, job *core.Job, result *core.ExecutionResult, execErr error, timedOut bool) {
	errMsg, retryable := classifyOutcome(result, execErr, timedOut)

	o.breaker.RecordFailure(job.Domain)

	if retryable && job.Attempts < job.MaxAttempts {
		if err := o.state.Transition(ctx, job.ID, core.StatusRunning, core.StatusPending,
			state.Mutation{Error: errMsg}); err != nil {
			o.logger.Printf("retry re-queue transition failed for %s: %v", job.ID, err)
			return
		}
		delay := ratelimit.Backoff(job.Attempts, o.opts.RetryBase, o.opts.RetryFactor)
		if err := o.queue.EnqueueDelayed(ctx, job.ID, job.Priority, time.Now().Add(delay)); err != nil {
			o.logger.Printf("delayed re-enqueue failed for %s: %v", job.ID, err)
			return
		}
		o.metrics.RecordRetry(job.Domain)
		o.bus.Emit(events.TypeJobRetried, job.ID, map[string]interface{}{
			"domain":  job.Domain,
			"attempt": job.Attempts,
			"delay":   delay.String(),
			"error":   errMsg,
		})
		o.logger.Printf("job %s attempt %d/%d failed, retry in %s: %s",
			job.ID, job.Attempts, job.MaxAttempts, delay.Round(time.Millisecond), errMsg)
		return
	}

	if err := o.state.Transition(ctx, job.ID, core.StatusRunning, core.StatusFailed,
		state.Mutation{Error: errMsg}); err != nil {
		o.logger.Printf("failure write failed for %s: %v", job.ID, err)
		return
	}
	o.metrics.RecordJobFinished(job.Domain, string(core.StatusFailed), string(job.Type), 0)
	o.bus.Emit(events.TypeJobFailed, job.ID, map[string]interface{}{
		"domain": job.Domain, "error": errMsg, "attempts": job.Attempts,
	})

	// Budget spent: park the corpse where operators can find it.
	if err := o.queue.DeadLetter(ctx, job.ID, errMsg); err != nil {
		o.logger.Printf("dead-letter failed for %s: %v", job.ID, err)
	} else {
		o.bus.Emit(events.TypeJobDeadLetter, job.ID, map[string]interface{}{"error": errMsg})
	}
	o.logger.Printf("job %s failed terminally after %d attempt(s): %s", job.ID, job.Attempts, errMsg)
}

// classifyOutcome folds the three failure shapes (transport error, caught
// action failure, deadline) into a message and a retry decision.
func classifyOutcome(result *core.ExecutionResult, execErr error, timedOut bool) (string, bool) {
	switch {
	case timedOut:
		msg := "execution timed out"
		if execErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, execErr)
		}
		return msg, true
	case execErr != nil:
		return execErr.Error(), core.ClassifyError(execErr)
	case result != nil && result.Error != "":
		return result.Error, core.ClassifyError(errors.New(result.Error))
	default:
		return "execution failed without diagnostic", false
	}
}
