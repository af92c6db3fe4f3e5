package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deployops/deployflow/errors"
	"github.com/deployops/deployflow/workflow"
)

// Memory is an in-memory Store with the same guarded-mutation semantics
// as the SQLite implementation. Used in tests and as a scratch store.
type Memory struct {
	mu          sync.Mutex
	workflows   map[string]*workflow.Request
	submissions map[workflow.SubmissionKey]*workflow.Submission
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workflows:   make(map[string]*workflow.Request),
		submissions: make(map[workflow.SubmissionKey]*workflow.Submission),
	}
}

// CreateWorkflow implements Store.
func (m *Memory) CreateWorkflow(ctx context.Context, req *workflow.Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workflows[req.ID]; exists {
		return fmt.Errorf("create workflow: duplicate id %s", req.ID)
	}
	clone := *req
	m.workflows[req.ID] = &clone
	return nil
}

// GetWorkflow implements Store.
func (m *Memory) GetWorkflow(ctx context.Context, id string) (*workflow.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.workflows[id]
	if !ok {
		return nil, errors.ErrWorkflowNotFound
	}
	clone := *req
	return &clone, nil
}

// CompareAndSetApproval implements Store.
func (m *Memory) CompareAndSetApproval(ctx context.Context, id string, expected workflow.ApprovalState, approval workflow.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.workflows[id]
	if !ok {
		return errors.ErrWorkflowNotFound
	}
	if req.Approval.State != expected {
		return errors.ErrAlreadyDecided
	}
	req.Approval = approval
	return nil
}

// SetOutcome implements Store.
func (m *Memory) SetOutcome(ctx context.Context, id string, outcome workflow.CompositeState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.workflows[id]
	if !ok {
		return false, errors.ErrWorkflowNotFound
	}
	if req.Outcome != "" {
		return false, nil
	}
	req.Outcome = outcome
	return true, nil
}

// SaveSubmission implements Store.
func (m *Memory) SaveSubmission(ctx context.Context, sub *workflow.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[sub.WorkflowID]; !ok {
		return errors.ErrWorkflowNotFound
	}
	clone := *sub
	m.submissions[sub.Key()] = &clone
	return nil
}

// UpdateSubmissionStatus implements Store.
func (m *Memory) UpdateSubmissionStatus(ctx context.Context, key workflow.SubmissionKey, status workflow.BuildStatus, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.submissions[key]
	if !ok {
		return false, fmt.Errorf("update status: no submission %s", key)
	}
	if sub.Status == status || !sub.Status.CanTransition(status) {
		return false, nil
	}
	sub.Status = status
	sub.StatusReason = reason
	sub.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ListSubmissions implements Store.
func (m *Memory) ListSubmissions(ctx context.Context, workflowID string) ([]*workflow.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*workflow.Submission
	for _, sub := range m.submissions {
		if sub.WorkflowID == workflowID {
			clone := *sub
			out = append(out, &clone)
		}
	}
	return out, nil
}

// ListNonTerminalSubmissions implements Store.
func (m *Memory) ListNonTerminalSubmissions(ctx context.Context) ([]*workflow.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*workflow.Submission
	for _, sub := range m.submissions {
		if !sub.Status.Terminal() {
			clone := *sub
			out = append(out, &clone)
		}
	}
	return out, nil
}

// ListExpired implements Store.
func (m *Memory) ListExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, req := range m.workflows {
		if req.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteWorkflow implements Store.
func (m *Memory) DeleteWorkflow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.workflows, id)
	for key, sub := range m.submissions {
		if sub.WorkflowID == id {
			delete(m.submissions, key)
		}
	}
	return nil
}
