package config

import "strings"

// Role is a membership role checked during approval.
type Role string

// Membership roles.
const (
	RoleApprover Role = "approver"
	RoleOps      Role = "ops"
)

// Authorizer answers membership questions for approval decisions.
type Authorizer interface {
	// IsAuthorized reports whether actor holds role for the project.
	IsAuthorized(project, actor string, role Role) bool
}

// IsAuthorized implements Authorizer from the configured approver and ops
// sets. Comparison is case-insensitive and tolerates a leading @.
func (c *Config) IsAuthorized(project, actor string, role Role) bool {
	p := c.Project(project)
	if p == nil {
		return false
	}

	var members []string
	switch role {
	case RoleApprover:
		members = p.Approvers
	case RoleOps:
		members = p.Ops
	default:
		return false
	}

	want := normalizeActor(actor)
	if want == "" {
		return false
	}
	for _, m := range members {
		if normalizeActor(m) == want {
			return true
		}
	}
	return false
}

func normalizeActor(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}
