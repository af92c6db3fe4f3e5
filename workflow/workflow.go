package workflow

import (
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// =============================================================================
// Request
// =============================================================================

// Deployment holds one (service, commit) pair of a request. Services and
// commits are index-aligned in the originating form; Deployment keeps the
// pairing explicit.
type Deployment struct {
	Service string `json:"service"`
	Commit  string `json:"commit"`
}

// Request is one deployment-approval workflow.
//
// All fields except Approval and Outcome are immutable after creation.
type Request struct {
	ID          string       `json:"id"`
	Project     string       `json:"project"`
	Environment string       `json:"environment"`
	Branch      string       `json:"branch"`
	Deployments []Deployment `json:"deployments"`
	ReleaseNote string       `json:"releaseNote,omitempty"`
	Requester   string       `json:"requester"`

	// ChatID identifies the origin chat; MessageID is the approval message
	// to edit once a decision lands.
	ChatID    int64 `json:"chatId"`
	MessageID int64 `json:"messageId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	Approval Approval       `json:"approval"`
	Outcome  CompositeState `json:"outcome,omitempty"`
}

// Approval records the decision taken on a request.
type Approval struct {
	State     ApprovalState `json:"state"`
	Approver  string        `json:"approver,omitempty"`
	Comment   string        `json:"comment,omitempty"`
	DecidedAt time.Time     `json:"decidedAt,omitempty"`
}

// NewRequest creates a request in StatePending with a generated id.
// Services and commits must be index-aligned and non-empty.
func NewRequest(project, environment, branch string, services, commits []string) (*Request, error) {
	if len(services) == 0 {
		return nil, fmt.Errorf("new request: no services")
	}
	if len(services) != len(commits) {
		return nil, fmt.Errorf("new request: %d services but %d commits", len(services), len(commits))
	}

	deployments := make([]Deployment, len(services))
	for i, svc := range services {
		if svc == "" || commits[i] == "" {
			return nil, fmt.Errorf("new request: empty service or commit at index %d", i)
		}
		deployments[i] = Deployment{Service: svc, Commit: commits[i]}
	}

	return &Request{
		ID:          GenerateID(),
		Project:     project,
		Environment: environment,
		Branch:      branch,
		Deployments: deployments,
		CreatedAt:   time.Now().UTC(),
		Approval:    Approval{State: StatePending},
	}, nil
}

// Services returns the service names in submission order.
func (r *Request) Services() []string {
	names := make([]string, len(r.Deployments))
	for i, d := range r.Deployments {
		names[i] = d.Service
	}
	return names
}

// Validate checks the request invariants: an id, a project, and a
// non-empty ordered deployment list with both sides of every pair set.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request id required")
	}
	if r.Project == "" {
		return fmt.Errorf("request project required")
	}
	if len(r.Deployments) == 0 {
		return fmt.Errorf("request has no deployments")
	}
	for i, d := range r.Deployments {
		if d.Service == "" {
			return fmt.Errorf("deployment %d: service required", i)
		}
		if d.Commit == "" {
			return fmt.Errorf("deployment %d: commit required", i)
		}
	}
	return nil
}

// =============================================================================
// ID Generation
// =============================================================================

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// GenerateID creates a workflow id: a date prefix for log grepping plus a
// random suffix.
func GenerateID() string {
	suffix, err := gonanoid.Generate(idAlphabet, 10)
	if err != nil {
		// Entropy failure; fall back to a timestamp suffix.
		suffix = fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return fmt.Sprintf("wf-%s-%s", time.Now().Format("20060102"), suffix)
}
