package domain

import "github.com/bytedance/sonic"

// Change event types emitted on the change feed.
const (
	TaskCreated   = "task-created"
	TaskUpdated   = "task-updated"
	TaskCompleted = "task-completed"
	TaskReopened  = "task-reopened"
	TaskDeleted   = "task-deleted"
)

// ChangeEvent describes one committed write against the task collection.
type ChangeEvent struct {
	ID     string                 `json:"id"`
	TaskID string                 `json:"taskId"`
	Type   string                 `json:"type"`
	Data   sonic.NoCopyRawMessage `json:"data,omitempty"`
	Time   int64                  `json:"time"`
}

// ChangeEnvelope wraps a change event with the user it belongs to.
type ChangeEnvelope struct {
	UserID string      `json:"userId"`
	Event  ChangeEvent `json:"event"`
}
