package errors

import "errors"

// Approval-layer errors, returned synchronously to the caller.
var (
	// ErrWorkflowNotFound indicates no workflow exists for the given id.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrUnauthorizedActor indicates the actor is not in the project's
	// approver or ops set.
	ErrUnauthorizedActor = errors.New("actor not authorized")

	// ErrAlreadyDecided indicates the workflow has already been approved
	// or rejected.
	ErrAlreadyDecided = errors.New("workflow already decided")
)

// Dispatch and monitor errors, surfaced via notifications.
var (
	// ErrDispatchFailed indicates every submission attempt for a workflow
	// failed.
	ErrDispatchFailed = errors.New("all submissions failed")

	// ErrMonitorTimeout indicates polling exceeded the configured ceiling
	// before the build reached a terminal status.
	ErrMonitorTimeout = errors.New("monitor timeout")

	// ErrConnectionFailed indicates a backend was unreachable.
	ErrConnectionFailed = errors.New("connection failed")
)
