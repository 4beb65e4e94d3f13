package domain

import "time"

// Actions reported in a BoardEvent. Clients treat every action the same way
// (refetch the board); the action is carried for logging and future filtering.
const (
	ActionListCreated = "list-created"
	ActionListMoved   = "list-moved"
	ActionListDeleted = "list-deleted"
	ActionTaskCreated = "task-created"
	ActionTaskMoved   = "task-moved"
	ActionTaskDeleted = "task-deleted"
)

// BoardEvent signals that a board changed and viewers should refetch it.
// It intentionally carries no entity payload.
type BoardEvent struct {
	BoardID  string    `json:"boardId"`
	Action   string    `json:"action,omitempty"`
	ByUserID string    `json:"byUserId,omitempty"`
	At       time.Time `json:"at,omitempty"`
}
