package deployflow

import (
	"context"
	"fmt"
	"time"

	"github.com/deployops/deployflow/backend"
	"github.com/deployops/deployflow/errors"
	"github.com/deployops/deployflow/notify"
	"github.com/deployops/deployflow/workflow"
)

// =============================================================================
// Dispatcher
// =============================================================================

// Dispatch submits one build per (enabled backend, service) pair.
// Attempts are independent: one pair failing does not block the others,
// and every attempt's outcome is persisted as a submission record.
// Each successful submission is handed to the monitor as soon as it is
// persisted; if every attempt fails the workflow's outcome becomes
// Failed and ErrDispatchFailed is returned. A store failure before the
// first submission aborts the dispatch with an error.
func (e *Engine) Dispatch(ctx context.Context, req *workflow.Request) ([]*workflow.Submission, error) {
	kinds := e.enabledBackends(req.Project)
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no backends enabled for project %q: %w",
			req.Project, errors.ErrDispatchFailed)
	}

	type pending struct {
		kind   workflow.BackendKind
		client backend.Client
		dep    workflow.Deployment
		sub    *workflow.Submission
	}

	var (
		queue     []pending
		subs      []*workflow.Submission
		results   []notify.ServiceResult
		started   int
		anyFailed bool
	)

	// Every pair gets a placeholder record before the first submission
	// goes out. A monitor that finishes while later pairs are still
	// queued behind the admission gate then sees its siblings as
	// non-terminal and cannot compute a composite outcome over a partial
	// set. A placeholder that cannot be persisted is fatal here; nothing
	// has been submitted yet, so the caller can safely retry.
	for _, kind := range kinds {
		client, err := e.clientFor(req.Project, kind)
		if err != nil {
			e.logger.Error("backend unavailable",
				"workflow_id", req.ID,
				"backend", kind,
				"error", err,
			)
			for _, d := range req.Deployments {
				sub := e.recordFailedAttempt(ctx, req, kind, d.Service, err)
				subs = append(subs, sub)
				results = append(results, resultFor(sub))
			}
			anyFailed = true
			continue
		}

		for _, d := range req.Deployments {
			sub := &workflow.Submission{
				WorkflowID:  req.ID,
				Backend:     kind,
				Service:     d.Service,
				Status:      workflow.StatusPending,
				SubmittedAt: time.Now().UTC(),
			}
			if err := e.store.SaveSubmission(ctx, sub); err != nil {
				return subs, fmt.Errorf("persist submission %s: %w", sub.Key(), err)
			}
			queue = append(queue, pending{kind: kind, client: client, dep: d, sub: sub})
		}
	}

	for _, p := range queue {
		if err := e.gate.Acquire(ctx, req.Project, p.kind); err != nil {
			sub := e.recordFailedAttempt(ctx, req, p.kind, p.dep.Service, err)
			subs = append(subs, sub)
			results = append(results, resultFor(sub))
			anyFailed = true
			continue
		}

		ref, err := e.submitOnce(ctx, p.client, backend.SubmitRequest{
			Project:     req.Project,
			Environment: req.Environment,
			Branch:      req.Branch,
			Service:     p.dep.Service,
			Commit:      p.dep.Commit,
			WorkflowID:  req.ID,
			Approver:    req.Approval.Approver,
		})
		if err != nil {
			e.gate.Release(req.Project, p.kind)
			e.logger.Error("submission failed",
				"workflow_id", req.ID,
				"backend", p.kind,
				"service", p.dep.Service,
				"error", err,
			)
			sub := e.recordFailedAttempt(ctx, req, p.kind, p.dep.Service, err)
			subs = append(subs, sub)
			results = append(results, resultFor(sub))
			anyFailed = true
			continue
		}

		p.sub.BuildRef = ref.ID
		p.sub.BuildURL = ref.URL
		if err := e.store.SaveSubmission(ctx, p.sub); err != nil {
			e.gate.Release(req.Project, p.kind)
			e.logger.Error("persist submission failed",
				"key", p.sub.Key(),
				"error", err,
			)
			// The build runs unmonitored; record the attempt as failed
			// so the composite outcome and restart recovery see it.
			sub := e.recordFailedAttempt(ctx, req, p.kind, p.dep.Service,
				fmt.Errorf("persist build ref: %w", err))
			subs = append(subs, sub)
			results = append(results, resultFor(sub))
			anyFailed = true
			continue
		}

		e.logger.Info("build submitted",
			"key", p.sub.Key(),
			"build_ref", p.sub.BuildRef,
		)
		subs = append(subs, p.sub)
		results = append(results, resultFor(p.sub))
		started++

		// The monitor starts before the next pair is admitted, so a
		// finished build frees its slot for the pairs still queued
		// behind the per-backend ceiling.
		e.Track(req.Project, p.sub, p.client, true)
	}

	if started == 0 {
		e.finishWorkflow(ctx, req.ID)
		return subs, fmt.Errorf("workflow %s: %w", req.ID, errors.ErrDispatchFailed)
	}
	if anyFailed {
		// A failed attempt recorded after the last monitor finished may
		// have been the final terminal record; re-check completion.
		e.finishWorkflow(ctx, req.ID)
	}

	severity := notify.SeverityInfo
	eventType := notify.EventDispatched
	if anyFailed {
		severity = notify.SeverityWarning
	}
	e.notifyEvent(ctx, notify.Event{
		Type:        eventType,
		WorkflowID:  req.ID,
		Project:     req.Project,
		Environment: req.Environment,
		ChatID:      req.ChatID,
		Severity:    severity,
		Results:     results,
		Timestamp:   time.Now().UTC(),
	})
	return subs, nil
}

// submitOnce calls Submit, retrying exactly once with backoff when the
// failure is connection-level. Application-level rejections are not
// retried.
func (e *Engine) submitOnce(ctx context.Context, client backend.Client, req backend.SubmitRequest) (*backend.Ref, error) {
	ref, err := client.Submit(ctx, req)
	if err == nil || !errors.IsConnectionError(err) {
		return ref, err
	}

	e.logger.Warn("submission hit connection error, retrying",
		"workflow_id", req.WorkflowID,
		"service", req.Service,
		"error", err,
	)
	select {
	case <-time.After(e.submitRetryWait):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return client.Submit(ctx, req)
}

// recordFailedAttempt persists a failed submission attempt so the
// composite outcome and restart recovery both see it.
func (e *Engine) recordFailedAttempt(ctx context.Context, req *workflow.Request, kind workflow.BackendKind, service string, cause error) *workflow.Submission {
	sub := &workflow.Submission{
		WorkflowID:   req.ID,
		Backend:      kind,
		Service:      service,
		Status:       workflow.StatusFailure,
		StatusReason: fmt.Sprintf("submission failed: %v", cause),
		SubmittedAt:  time.Now().UTC(),
	}
	if err := e.store.SaveSubmission(ctx, sub); err != nil {
		e.logger.Error("persist failed attempt", "key", sub.Key(), "error", err)
	}
	return sub
}

func resultFor(sub *workflow.Submission) notify.ServiceResult {
	return notify.ServiceResult{
		Service:  sub.Service,
		Backend:  sub.Backend,
		Status:   sub.Status,
		BuildURL: sub.BuildURL,
		Reason:   sub.StatusReason,
	}
}
