package workflow

// =============================================================================
// Approval State
// =============================================================================

// ApprovalState is the approval stage of a request.
type ApprovalState string

// Approval states. A request leaves StatePending at most once.
const (
	StatePending  ApprovalState = "pending"
	StateApproved ApprovalState = "approved"
	StateRejected ApprovalState = "rejected"
)

// =============================================================================
// Build Status
// =============================================================================

// BuildStatus is the last observed status of one build submission.
type BuildStatus string

// Build statuses as reported by the backends.
const (
	StatusPending  BuildStatus = "PENDING"
	StatusRunning  BuildStatus = "RUNNING"
	StatusSuccess  BuildStatus = "SUCCESS"
	StatusFailure  BuildStatus = "FAILURE"
	StatusAborted  BuildStatus = "ABORTED"
	StatusUnstable BuildStatus = "UNSTABLE"
)

// Terminal reports whether no further transition can occur from s.
func (s BuildStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAborted, StatusUnstable:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal edge.
// Legal edges: Pending -> Running, Pending/Running -> any terminal.
// Re-observing the same status is allowed; leaving a terminal status is not.
func (s BuildStatus) CanTransition(next BuildStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	return s == StatusPending && next == StatusRunning
}

// =============================================================================
// Composite State
// =============================================================================

// CompositeState is a workflow's aggregate outcome once every submission
// is terminal.
type CompositeState string

// Composite outcomes.
const (
	CompositeCompleted       CompositeState = "completed"
	CompositeFailed          CompositeState = "failed"
	CompositePartiallyFailed CompositeState = "partially_failed"
)

// Combine computes the composite outcome from terminal statuses:
// all Success is Completed, all Failure/Aborted is Failed, everything
// else is PartiallyFailed. Unstable counts as a partial failure even
// when uniform; the build produced an artifact but tests flagged it.
// An empty input yields Failed, matching the all-submissions-failed
// dispatch outcome.
func Combine(statuses []BuildStatus) CompositeState {
	if len(statuses) == 0 {
		return CompositeFailed
	}

	allSuccess := true
	allFailed := true
	for _, s := range statuses {
		if s != StatusSuccess {
			allSuccess = false
		}
		if s != StatusFailure && s != StatusAborted {
			allFailed = false
		}
	}

	switch {
	case allSuccess:
		return CompositeCompleted
	case allFailed:
		return CompositeFailed
	default:
		return CompositePartiallyFailed
	}
}
