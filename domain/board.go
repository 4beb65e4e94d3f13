package domain

import "time"

// Role is a user's membership level on a board.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleMember   Role = "MEMBER"
	RoleObserver Role = "OBSERVER"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleMember, RoleObserver:
		return true
	}
	return false
}

// Board is the top-level container. Lists belong to exactly one board.
type Board struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// List is an ordered column on a board. Its board is fixed at creation;
// only its position among sibling lists changes.
type List struct {
	ID       string `json:"id"`
	BoardID  string `json:"boardId"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

// Task is an ordered item in a list. Unlike a list, a task can move to a
// different parent list, which re-ranks siblings in both lists at once.
type Task struct {
	ID       string `json:"id"`
	ListID   string `json:"listId"`
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
	Position int    `json:"position"`
	Done     bool   `json:"done,omitempty"`
}

// Membership links a user to a board with a single role.
type Membership struct {
	BoardID string `json:"boardId"`
	UserID  string `json:"userId"`
	Role    Role   `json:"role"`
}

// BoardSnapshot is the read model served to clients after a boardModified
// event tells them to refetch.
type BoardSnapshot struct {
	Board Board  `json:"board"`
	Lists []List `json:"lists"`
	Tasks []Task `json:"tasks"`
}
