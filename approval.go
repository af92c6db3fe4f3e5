package deployflow

import (
	"context"
	"fmt"
	"time"

	"github.com/deployops/deployflow/config"
	"github.com/deployops/deployflow/errors"
	"github.com/deployops/deployflow/notify"
	"github.com/deployops/deployflow/workflow"
)

// =============================================================================
// Approval State Machine
// =============================================================================

// Decision is an approval action.
type Decision string

// Decisions.
const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Decide applies an approve or reject action to a pending workflow.
// Exactly one decision is ever honored per workflow: the transition out
// of pending rides on a compare-and-swap in the store, so a concurrent
// second attempt fails with ErrAlreadyDecided and has no side effect.
//
// On approve, dispatch runs asynchronously; the caller gets the decision
// result without waiting on backend submissions. On reject, only the
// decision notification is sent.
func (e *Engine) Decide(ctx context.Context, workflowID, actor string, decision Decision, comment string) error {
	req, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	if !e.canDecide(req.Project, actor) {
		return fmt.Errorf("%s may not decide workflows for %s: %w",
			actor, req.Project, errors.ErrUnauthorizedActor)
	}

	var state workflow.ApprovalState
	switch decision {
	case DecisionApprove:
		state = workflow.StateApproved
	case DecisionReject:
		state = workflow.StateRejected
	default:
		return fmt.Errorf("unknown decision %q", decision)
	}

	approval := workflow.Approval{
		State:     state,
		Approver:  actor,
		Comment:   comment,
		DecidedAt: time.Now().UTC(),
	}
	if err := e.store.CompareAndSetApproval(ctx, workflowID, workflow.StatePending, approval); err != nil {
		return err
	}
	req.Approval = approval

	e.logger.Info("workflow decided",
		"workflow_id", workflowID,
		"decision", decision,
		"actor", actor,
	)

	eventType := notify.EventApproved
	if decision == DecisionReject {
		eventType = notify.EventRejected
	}
	e.notifyEvent(ctx, notify.Event{
		Type:        eventType,
		WorkflowID:  req.ID,
		Project:     req.Project,
		Environment: req.Environment,
		ChatID:      req.ChatID,
		MessageID:   req.MessageID,
		Actor:       actor,
		Comment:     comment,
		Severity:    notify.SeverityInfo,
		Timestamp:   approval.DecidedAt,
	})

	if decision == DecisionApprove {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if _, err := e.Dispatch(e.ctx, req); err != nil {
				e.logger.Error("dispatch failed",
					"workflow_id", req.ID,
					"error", err,
				)
			}
		}()
	}
	return nil
}

// canDecide accepts members of either the approver or the ops set.
func (e *Engine) canDecide(project, actor string) bool {
	return e.auth.IsAuthorized(project, actor, config.RoleApprover) ||
		e.auth.IsAuthorized(project, actor, config.RoleOps)
}
