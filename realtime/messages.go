// Package realtime owns the live-board surface: one websocket per client,
// authenticated once at connect time, joined to a personal room and to the
// board rooms the membership gate admits it to. Mutation broadcasts are
// fire-and-forget refresh hints; clients refetch state on receipt.
package realtime

import "time"

// Event names on the wire. Client to server: joinBoard, leaveBoard.
// Server to client: joinBoard/leaveBoard acks, boardModified, newNotification.
const (
	EventJoinBoard       = "joinBoard"
	EventLeaveBoard      = "leaveBoard"
	EventBoardModified   = "boardModified"
	EventNewNotification = "newNotification"
)

// clientMessage is any frame received from a client.
type clientMessage struct {
	Event   string `json:"event"`
	BoardID string `json:"boardId"`
}

// ack answers a joinBoard or leaveBoard request. A declined join is a normal
// outcome (stale UI, revoked membership), not an error.
type ack struct {
	Event  string `json:"event"`
	OK     bool   `json:"ok"`
	Room   string `json:"room,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// boardModifiedMsg tells every viewer of a board to refetch it.
type boardModifiedMsg struct {
	Event    string    `json:"event"`
	BoardID  string    `json:"boardId"`
	Action   string    `json:"action,omitempty"`
	ByUserID string    `json:"byUserId,omitempty"`
	At       time.Time `json:"at,omitempty"`
}

// notificationMsg tells a user's open tabs to refetch notifications. It
// deliberately carries no payload.
type notificationMsg struct {
	Event string `json:"event"`
}

// Identity is the resolved user attached to a connection for its lifetime.
// It is written once by the gateway at connect time and never re-validated.
type Identity struct {
	UserID string
	Name   string
}

// BoardRoom and UserRoom name the two room topologies.
func BoardRoom(boardID string) string { return "board:" + boardID }
func UserRoom(userID string) string   { return "user:" + userID }
