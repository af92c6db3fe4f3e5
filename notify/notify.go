package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/deployops/deployflow/workflow"
)

// =============================================================================
// Notification Types
// =============================================================================

// EventType represents the type of deployment workflow event.
type EventType string

// Event type constants.
const (
	EventApprovalRequested EventType = "approval_requested"
	EventApproved          EventType = "approved"
	EventRejected          EventType = "rejected"
	EventDispatched        EventType = "dispatched"
	EventDispatchFailed    EventType = "dispatch_failed"
	EventBuildOutcome      EventType = "build_outcome"
)

// Severity constants for notifications.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// ServiceResult is one service's terminal (or failed-to-start) state
// inside an aggregate event.
type ServiceResult struct {
	Service  string               `json:"service"`
	Backend  workflow.BackendKind `json:"backend"`
	Status   workflow.BuildStatus `json:"status"`
	BuildURL string               `json:"build_url,omitempty"`
	Reason   string               `json:"reason,omitempty"`
}

// Event describes a workflow event for notification.
type Event struct {
	Type        EventType `json:"type"`
	WorkflowID  string    `json:"workflow_id"`
	Project     string    `json:"project"`
	Environment string    `json:"environment,omitempty"`

	// ChatID is the origin chat the workflow was requested from.
	// MessageID, when set, is the approval message to edit in place.
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id,omitempty"`

	// Actor is the person whose action produced the event
	// (requester, approver, rejecter).
	Actor   string `json:"actor,omitempty"`
	Comment string `json:"comment,omitempty"`

	Message  string `json:"message"`
	Severity string `json:"severity"`

	// Mentions lists handles to ping, typically the project's ops group
	// on a failed outcome.
	Mentions []string `json:"mentions,omitempty"`

	Outcome   workflow.CompositeState `json:"outcome,omitempty"`
	Results   []ServiceResult         `json:"results,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// =============================================================================
// Notifier Interface
// =============================================================================

// Notifier sends notifications about deployment workflow events.
type Notifier interface {
	// Notify sends a notification. Implementations should be non-blocking
	// and handle errors gracefully (log, don't crash).
	Notify(ctx context.Context, event Event) error
}

// =============================================================================
// ChatNotifier
// =============================================================================

// Chat is the transport a ChatNotifier delivers through. SendMessage
// returns the id of the posted message so callers can edit it later.
type Chat interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
	UpdateMessage(ctx context.Context, chatID, messageID int64, text string) error
}

// ChatNotifier renders events into chat messages and delivers them to
// the event's origin chat. Approval decisions with a MessageID edit the
// original approval message in place; everything else posts fresh.
type ChatNotifier struct {
	Chat   Chat
	Logger *slog.Logger
}

// NewChatNotifier creates a notifier delivering through the given chat.
func NewChatNotifier(chat Chat) *ChatNotifier {
	return &ChatNotifier{Chat: chat, Logger: slog.Default()}
}

// Notify implements Notifier.
func (n *ChatNotifier) Notify(ctx context.Context, event Event) error {
	text := Render(event)

	editable := event.Type == EventApproved || event.Type == EventRejected
	if editable && event.MessageID > 0 {
		if err := n.Chat.UpdateMessage(ctx, event.ChatID, event.MessageID, text); err == nil {
			return nil
		} else if n.Logger != nil {
			// Message may be too old to edit; fall back to posting.
			n.Logger.Warn("edit failed, posting instead",
				"workflow_id", event.WorkflowID,
				"message_id", event.MessageID,
				"error", err,
			)
		}
	}

	_, err := n.Chat.SendMessage(ctx, event.ChatID, text)
	return err
}
