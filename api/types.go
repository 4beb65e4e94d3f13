package api

import (
	"context"

	"github.com/fabrica-bayarea/Sprint-Tracker-sub000/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	CreateBoard(ctx context.Context, board domain.Board) error
	ListBoardID(ctx context.Context, listID string) (string, error)
	TaskRef(ctx context.Context, taskID string) (listID, boardID string, err error)
	MembershipRole(ctx context.Context, userID, boardID string) (domain.Role, error)
	UpsertMembership(ctx context.Context, m domain.Membership) error
	Ping(ctx context.Context) error
}

// Snapshots serves the board read model. Evict drops a cached board after a
// mutation so the next read sees the committed state.
type Snapshots interface {
	Snapshot(ctx context.Context, boardID string) (domain.BoardSnapshot, error)
	Evict(ctx context.Context, boardID string)
}

// Mover applies sibling reordering for one container kind (lists within a
// board, tasks within a list).
type Mover interface {
	MoveWithin(ctx context.Context, containerID, itemID string, oldPos, newPos int) (bool, error)
	MoveAcross(ctx context.Context, itemID, srcContainerID, dstContainerID string, dstPos int) error
	Append(ctx context.Context, containerID string, item any) (int, error)
	Remove(ctx context.Context, containerID, itemID string) error
}

// Broadcaster fans mutation events out to connected board viewers. Both
// methods report only whether at least one socket was reached; delivery is
// never load-bearing for the HTTP response.
type Broadcaster interface {
	BroadcastBoardModified(ev domain.BoardEvent) bool
	NotifyUser(userID string) bool
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate mutation requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}
