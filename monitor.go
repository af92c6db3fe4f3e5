package deployflow

import (
	"context"
	"time"

	"github.com/deployops/deployflow/backend"
	"github.com/deployops/deployflow/errors"
	devhttp "github.com/deployops/deployflow/http"
	"github.com/deployops/deployflow/notify"
	"github.com/deployops/deployflow/workflow"
)

// =============================================================================
// Monitor
// =============================================================================

// Track registers one submission with the monitor and starts its polling
// goroutine. Registration is idempotent: an already-tracked key is a
// no-op, so re-registration after restart recovery cannot double-poll or
// double-notify. Returns whether a new monitor was started.
//
// releaseGate is set by the dispatcher, which holds an admission slot
// for the submission; the monitor frees it once the build is terminal.
func (e *Engine) Track(project string, sub *workflow.Submission, client backend.Client, releaseGate bool) bool {
	key := sub.Key()

	e.mu.Lock()
	if _, ok := e.tracked[key]; ok {
		e.mu.Unlock()
		if releaseGate {
			e.gate.Release(project, sub.Backend)
		}
		return false
	}
	e.tracked[key] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if releaseGate {
				e.gate.Release(project, sub.Backend)
			}
			e.mu.Lock()
			delete(e.tracked, key)
			e.mu.Unlock()
		}()
		e.monitor(project, sub, client)
	}()
	return true
}

// monitor polls one submission until it observes a terminal status or
// exhausts the poll budget. Observed changes are persisted before any
// notification, so a crash between poll and notify never loses a
// transition.
func (e *Engine) monitor(project string, sub *workflow.Submission, client backend.Client) {
	ctx := e.ctx
	key := sub.Key()
	last := sub.Status

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for polls := 0; ; {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		polls++

		status, err := e.pollWithRetry(ctx, client, sub.BuildRef)
		if err != nil {
			// Poll failures are transient noise, not submission
			// failures; monitoring resumes on the next tick.
			e.logger.Warn("poll cycle failed",
				"key", key,
				"polls", polls,
				"error", err,
			)
		} else if status != last {
			changed, uerr := e.store.UpdateSubmissionStatus(ctx, key, status, "")
			if uerr != nil {
				e.logger.Error("status write-through failed",
					"key", key,
					"status", status,
					"error", uerr,
				)
			} else if changed {
				e.logger.Info("build status changed",
					"key", key,
					"from", last,
					"to", status,
				)
				last = status
			}
			if last.Terminal() {
				e.finishWorkflow(ctx, sub.WorkflowID)
				return
			}
		}

		if polls >= e.cfg.MaxPollCount {
			e.abortOnTimeout(ctx, key, polls)
			e.finishWorkflow(ctx, sub.WorkflowID)
			return
		}
	}
}

// pollWithRetry runs one poll cycle: the backend query plus bounded
// exponential backoff on transient failures.
func (e *Engine) pollWithRetry(ctx context.Context, client backend.Client, ref string) (workflow.BuildStatus, error) {
	wait := e.pollRetryWait
	var lastErr error
	for attempt := 0; attempt <= e.cfg.PollRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			wait *= 2
		}

		status, err := client.PollStatus(ctx, ref)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if !retryablePoll(err) {
			break
		}
	}
	return "", lastErr
}

// retryablePoll reports whether a poll error is worth retrying within
// the cycle. Connection-level failures count, as do transient API
// responses like rate limits and server errors.
func retryablePoll(err error) bool {
	return errors.IsConnectionError(err) || devhttp.IsRetryable(err)
}

func (e *Engine) abortOnTimeout(ctx context.Context, key workflow.SubmissionKey, polls int) {
	e.logger.Warn("poll budget exhausted, aborting submission",
		"key", key,
		"polls", polls,
	)
	changed, err := e.store.UpdateSubmissionStatus(ctx, key, workflow.StatusAborted, errors.ErrMonitorTimeout.Error())
	if err != nil {
		e.logger.Error("abort write failed", "key", key, "error", err)
		return
	}
	if !changed {
		e.logger.Warn("submission already terminal at timeout", "key", key)
	}
}

// =============================================================================
// Workflow Completion
// =============================================================================

// finishWorkflow checks whether every submission of the workflow is
// terminal and, if so, computes the composite outcome and sends the one
// aggregate notification. Submissions finish in arbitrary order, so this
// runs after every terminal transition; the store's first-wins outcome
// write guarantees a single winner sends the notification.
func (e *Engine) finishWorkflow(ctx context.Context, workflowID string) {
	subs, err := e.store.ListSubmissions(ctx, workflowID)
	if err != nil {
		e.logger.Error("completion check failed", "workflow_id", workflowID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	statuses := make([]workflow.BuildStatus, len(subs))
	for i, sub := range subs {
		if !sub.Status.Terminal() {
			return
		}
		statuses[i] = sub.Status
	}
	outcome := workflow.Combine(statuses)

	won, err := e.store.SetOutcome(ctx, workflowID, outcome)
	if err != nil {
		e.logger.Error("outcome write failed", "workflow_id", workflowID, "error", err)
		return
	}
	if !won {
		return
	}

	req, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		e.logger.Error("workflow lookup failed", "workflow_id", workflowID, "error", err)
		return
	}

	e.logger.Info("workflow finished",
		"workflow_id", workflowID,
		"outcome", outcome,
	)

	results := make([]notify.ServiceResult, len(subs))
	failed := false
	for i, sub := range subs {
		results[i] = resultFor(sub)
		if sub.Status == workflow.StatusFailure || sub.Status == workflow.StatusAborted {
			failed = true
		}
	}

	severity := notify.SeverityInfo
	if outcome != workflow.CompositeCompleted {
		severity = notify.SeverityError
	}

	var mentions []string
	if p := e.cfg.Project(req.Project); p != nil && p.NotifyOps(failed) {
		mentions = p.Ops
	}

	e.notifyEvent(ctx, notify.Event{
		Type:        notify.EventBuildOutcome,
		WorkflowID:  workflowID,
		Project:     req.Project,
		Environment: req.Environment,
		ChatID:      req.ChatID,
		Severity:    severity,
		Mentions:    mentions,
		Outcome:     outcome,
		Results:     results,
		Timestamp:   time.Now().UTC(),
	})
}
