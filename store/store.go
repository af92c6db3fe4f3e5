package store

import (
	"context"
	"time"

	"github.com/deployops/deployflow/workflow"
)

// Store is the durable record of workflows and their build submissions.
type Store interface {
	// CreateWorkflow persists a new request. The request must be in
	// StatePending.
	CreateWorkflow(ctx context.Context, req *workflow.Request) error

	// GetWorkflow returns a request by id, or errors.ErrWorkflowNotFound.
	GetWorkflow(ctx context.Context, id string) (*workflow.Request, error)

	// CompareAndSetApproval moves the workflow's approval state to
	// approval.State only if it currently equals expected. A state
	// mismatch returns errors.ErrAlreadyDecided and mutates nothing.
	CompareAndSetApproval(ctx context.Context, id string, expected workflow.ApprovalState, approval workflow.Approval) error

	// SetOutcome records the composite outcome once. The first caller
	// wins and gets true; later callers get false. The winner sends the
	// aggregate notification.
	SetOutcome(ctx context.Context, id string, outcome workflow.CompositeState) (bool, error)

	// SaveSubmission persists a build submission, overwriting any prior
	// record with the same (workflow, backend, service) key.
	SaveSubmission(ctx context.Context, sub *workflow.Submission) error

	// UpdateSubmissionStatus applies a status observation along legal
	// edges only. It reports whether the stored status changed; an
	// illegal edge (regression from terminal) is dropped with changed
	// false and no error.
	UpdateSubmissionStatus(ctx context.Context, key workflow.SubmissionKey, status workflow.BuildStatus, reason string) (changed bool, err error)

	// ListSubmissions returns all submissions of one workflow.
	ListSubmissions(ctx context.Context, workflowID string) ([]*workflow.Submission, error)

	// ListNonTerminalSubmissions returns every submission still awaiting
	// a terminal status, across all workflows. The monitor rebuilds its
	// working set from this on startup.
	ListNonTerminalSubmissions(ctx context.Context) ([]*workflow.Submission, error)

	// ListExpired returns ids of workflows created before cutoff.
	ListExpired(ctx context.Context, cutoff time.Time) ([]string, error)

	// DeleteWorkflow removes a workflow and its submissions.
	DeleteWorkflow(ctx context.Context, id string) error
}

// PurgeExpired deletes every workflow older than the retention window.
// It returns the number of workflows removed.
func PurgeExpired(ctx context.Context, s Store, retention time.Duration) (int, error) {
	ids, err := s.ListExpired(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := s.DeleteWorkflow(ctx, id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}
