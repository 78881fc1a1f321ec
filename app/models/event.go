package models

import "time"

// Event types emitted by the task platform. Subscriptions pick from this
// vocabulary; unknown types are accepted on publish but only ever delivered
// to subscriptions that list them explicitly.
const (
	EventTaskCreated   = "task.created"
	EventTaskUpdated   = "task.updated"
	EventTaskCompleted = "task.completed"
	EventTaskDeleted   = "task.deleted"

	EventProjectCreated = "project.created"
	EventProjectUpdated = "project.updated"
	EventProjectDeleted = "project.deleted"

	EventCommentCreated = "comment.created"

	EventMemberAdded   = "member.added"
	EventMemberRemoved = "member.removed"
)

// Event is a domain occurrence handed to the webhook engine for fan-out.
// The typed attributes are what subscription filters match against; Data
// carries the event-specific body verbatim to the receiver.
type Event struct {
	Type        string         `json:"type"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Data        map[string]any `json:"data,omitempty"`
}

// KnownEventTypes lists every event type the platform currently emits.
func KnownEventTypes() []string {
	return []string{
		EventTaskCreated,
		EventTaskUpdated,
		EventTaskCompleted,
		EventTaskDeleted,
		EventProjectCreated,
		EventProjectUpdated,
		EventProjectDeleted,
		EventCommentCreated,
		EventMemberAdded,
		EventMemberRemoved,
	}
}
