package notify

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/deployops/deployflow/workflow"
)

// =============================================================================
// Message Rendering
// =============================================================================

var titleCaser = cases.Title(language.English)

// Render formats an event as a plain-text chat message. The output is
// deterministic for a given event so retries never produce divergent
// messages.
func Render(event Event) string {
	var b strings.Builder

	switch event.Type {
	case EventApprovalRequested:
		fmt.Fprintf(&b, "Deployment %s awaits approval\n", event.WorkflowID)
		fmt.Fprintf(&b, "Project: %s", event.Project)
		if event.Environment != "" {
			fmt.Fprintf(&b, " (%s)", event.Environment)
		}
		b.WriteString("\n")
		if event.Actor != "" {
			fmt.Fprintf(&b, "Requested by %s\n", event.Actor)
		}
	case EventApproved:
		fmt.Fprintf(&b, "Deployment %s approved by %s\n", event.WorkflowID, event.Actor)
	case EventRejected:
		fmt.Fprintf(&b, "Deployment %s rejected by %s\n", event.WorkflowID, event.Actor)
	case EventDispatched:
		fmt.Fprintf(&b, "Deployment %s submitted\n", event.WorkflowID)
	case EventDispatchFailed:
		fmt.Fprintf(&b, "Deployment %s could not be submitted\n", event.WorkflowID)
	case EventBuildOutcome:
		fmt.Fprintf(&b, "Deployment %s %s\n", event.WorkflowID, outcomeWord(event.Outcome))
	default:
		fmt.Fprintf(&b, "Deployment %s\n", event.WorkflowID)
	}

	if event.Comment != "" {
		fmt.Fprintf(&b, "Comment: %s\n", event.Comment)
	}
	if event.Message != "" {
		b.WriteString(event.Message)
		b.WriteString("\n")
	}

	for _, r := range event.Results {
		fmt.Fprintf(&b, "  %s [%s]: %s", r.Service, r.Backend, statusWord(r.Status))
		if r.Reason != "" {
			fmt.Fprintf(&b, " (%s)", r.Reason)
		}
		if r.BuildURL != "" {
			fmt.Fprintf(&b, " %s", r.BuildURL)
		}
		b.WriteString("\n")
	}

	if len(event.Mentions) > 0 {
		b.WriteString(renderMentions(event.Mentions))
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func renderMentions(handles []string) string {
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = "@" + strings.TrimPrefix(h, "@")
	}
	return strings.Join(out, " ")
}

// statusWord renders a build status for humans: "Success", "Failure".
func statusWord(s workflow.BuildStatus) string {
	return titleCaser.String(strings.ToLower(string(s)))
}

func outcomeWord(o workflow.CompositeState) string {
	switch o {
	case workflow.CompositeCompleted:
		return "completed"
	case workflow.CompositeFailed:
		return "failed"
	case workflow.CompositePartiallyFailed:
		return "partially failed"
	default:
		return "finished"
	}
}
