// Package errors defines the error taxonomy of the orchestration engine.
//
// Sentinel errors for the approval layer:
//   - ErrWorkflowNotFound: no workflow exists for the given id
//   - ErrUnauthorizedActor: actor is not an approver or ops member
//   - ErrAlreadyDecided: the workflow has already left PendingApproval
//
// Sentinel errors for dispatch and monitoring:
//   - ErrDispatchFailed: every submission attempt for a workflow failed
//   - ErrMonitorTimeout: polling exceeded the configured ceiling
//   - ErrConnectionFailed: a backend was unreachable
//
// Predicate helpers (IsAlreadyDecided, IsConnectionError, ...) classify
// errors without callers needing errors.Is chains everywhere.
//
// Example usage:
//
//	if err := engine.Decide(ctx, id, deployflow.ActionApprove, actor); err != nil {
//	    if errors.IsAlreadyDecided(err) {
//	        // Another approver got there first; tell the user, nothing to undo.
//	    }
//	}
package errors
