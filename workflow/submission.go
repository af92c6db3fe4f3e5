package workflow

import (
	"fmt"
	"time"
)

// BackendKind identifies an external build system.
type BackendKind string

// Supported backends.
const (
	BackendJenkins BackendKind = "jenkins"
	BackendSSO     BackendKind = "sso"
)

// Submission records one service's dispatch to one backend. It is created
// by the dispatcher in StatusPending and thereafter mutated only by the
// monitor's status write-through.
type Submission struct {
	WorkflowID string      `json:"workflowId"`
	Backend    BackendKind `json:"backend"`
	Service    string      `json:"service"`

	// BuildRef is the backend-assigned build reference: a Jenkins
	// job/build-number pair or an SSO release id, serialized by the
	// backend client. Opaque to the engine.
	BuildRef string `json:"buildRef"`

	// BuildURL links to the build in the backend UI, when known.
	BuildURL string `json:"buildUrl,omitempty"`

	Status BuildStatus `json:"status"`

	// StatusReason carries extra context on abnormal terminal statuses,
	// e.g. "monitor timeout".
	StatusReason string `json:"statusReason,omitempty"`

	SubmittedAt time.Time `json:"submittedAt"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Key returns the submission identity (workflow id, backend, service).
func (s *Submission) Key() SubmissionKey {
	return SubmissionKey{WorkflowID: s.WorkflowID, Backend: s.Backend, Service: s.Service}
}

// SubmissionKey identifies a submission.
type SubmissionKey struct {
	WorkflowID string
	Backend    BackendKind
	Service    string
}

func (k SubmissionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.WorkflowID, k.Backend, k.Service)
}
