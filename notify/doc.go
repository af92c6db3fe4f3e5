// Package notify delivers deployment workflow events to chat.
//
// Core types:
//   - Notifier: Interface for sending notifications
//   - Event: Notification event with type, message, and per-service results
//   - Chat: Transport interface for chat delivery (Telegram implements it)
//
// Implementations:
//   - ChatNotifier: Renders events and delivers them to the origin chat
//   - WebhookNotifier: Posts events as JSON to a generic webhook
//   - LogNotifier: Logs notifications (for testing/debugging)
//   - MultiNotifier: Combines multiple notifiers
//   - NopNotifier: No-op notifier (for testing)
//
// Example usage:
//
//	chat := notify.NewTelegram(botToken)
//	notifier := notify.NewChatNotifier(chat)
//	err := notifier.Notify(ctx, notify.Event{
//	    Type:       notify.EventBuildOutcome,
//	    WorkflowID: "wf-20260830-x7k2p9qa1b",
//	    ChatID:     chatID,
//	    Message:    "deployment finished",
//	})
package notify
