package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deployops/deployflow/backend"
	"github.com/deployops/deployflow/notify"
	"github.com/deployops/deployflow/workflow"
)

// =============================================================================
// ScriptedBackend
// =============================================================================

// ScriptedBackend implements backend.Client with scripted responses.
// Submit returns a reference equal to the service name; PollStatus
// replays a per-reference status script, repeating the final entry once
// the script is exhausted.
type ScriptedBackend struct {
	BackendKind workflow.BackendKind

	// OnSubmit, when set, runs inside every Submit call. Tests use it to
	// observe concurrency or to block a submission.
	OnSubmit func(req backend.SubmitRequest)

	mu          sync.Mutex
	scripts     map[string][]workflow.BuildStatus
	pollErrs    map[string][]error
	submitErrs  map[string][]error
	submitCalls []backend.SubmitRequest
}

// NewScriptedBackend creates a scripted backend of the given kind.
func NewScriptedBackend(kind workflow.BackendKind) *ScriptedBackend {
	return &ScriptedBackend{
		BackendKind: kind,
		scripts:     make(map[string][]workflow.BuildStatus),
		pollErrs:    make(map[string][]error),
		submitErrs:  make(map[string][]error),
	}
}

// Script sets the status sequence PollStatus replays for ref.
func (b *ScriptedBackend) Script(ref string, statuses ...workflow.BuildStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[ref] = statuses
}

// FailPoll queues errors returned by PollStatus for ref before the
// status script resumes.
func (b *ScriptedBackend) FailPoll(ref string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pollErrs[ref] = append(b.pollErrs[ref], errs...)
}

// FailSubmit queues errors returned by Submit for the given service.
// Once the queue drains, submissions for that service succeed.
func (b *ScriptedBackend) FailSubmit(service string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErrs[service] = append(b.submitErrs[service], errs...)
}

// SubmitCalls returns a copy of every Submit request seen so far.
func (b *ScriptedBackend) SubmitCalls() []backend.SubmitRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.SubmitRequest, len(b.submitCalls))
	copy(out, b.submitCalls)
	return out
}

// Kind implements backend.Client.
func (b *ScriptedBackend) Kind() workflow.BackendKind {
	return b.BackendKind
}

// Submit implements backend.Client.
func (b *ScriptedBackend) Submit(ctx context.Context, req backend.SubmitRequest) (*backend.Ref, error) {
	b.mu.Lock()
	b.submitCalls = append(b.submitCalls, req)
	var err error
	if queue := b.submitErrs[req.Service]; len(queue) > 0 {
		err = queue[0]
		b.submitErrs[req.Service] = queue[1:]
	}
	hook := b.OnSubmit
	b.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err != nil {
		return nil, err
	}
	return &backend.Ref{
		ID:  req.Service,
		URL: fmt.Sprintf("https://ci.example.com/%s/%s", b.BackendKind, req.Service),
	}, nil
}

// PollStatus implements backend.Client.
func (b *ScriptedBackend) PollStatus(ctx context.Context, ref string) (workflow.BuildStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if queue := b.pollErrs[ref]; len(queue) > 0 {
		err := queue[0]
		b.pollErrs[ref] = queue[1:]
		return "", err
	}

	script := b.scripts[ref]
	switch len(script) {
	case 0:
		return workflow.StatusRunning, nil
	case 1:
		return script[0], nil
	default:
		status := script[0]
		b.scripts[ref] = script[1:]
		return status, nil
	}
}

// =============================================================================
// RecordingNotifier
// =============================================================================

// RecordingNotifier implements notify.Notifier by recording every event.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

// NewRecordingNotifier creates an empty recorder.
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

// Notify implements notify.Notifier.
func (n *RecordingNotifier) Notify(ctx context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (n *RecordingNotifier) Events() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Event, len(n.events))
	copy(out, n.events)
	return out
}

// ByType returns recorded events of one type.
func (n *RecordingNotifier) ByType(t notify.EventType) []notify.Event {
	var out []notify.Event
	for _, e := range n.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor polls until an event of the given type for the workflow shows
// up or the timeout passes. Returns the first match and whether one
// arrived in time.
func (n *RecordingNotifier) WaitFor(t notify.EventType, workflowID string, timeout time.Duration) (notify.Event, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range n.ByType(t) {
			if e.WorkflowID == workflowID {
				return e, true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return notify.Event{}, false
}
