// Package reorder maintains the dense ordering of siblings inside a
// container: every child of a container holds a position in 0..n-1 with no
// gaps and no duplicates. The engine translates high level moves into range
// shifts plus a single position write and relies on the Collection's
// transaction boundary to apply them as one unit.
package reorder

import (
	"context"
	"errors"
)

var (
	// ErrPositionOutOfRange is returned when a requested position falls
	// outside the valid range for the destination container.
	ErrPositionOutOfRange = errors.New("position out of range")
)

// NotFoundError is implemented by collection errors that mean the target
// item or container does not exist.
type NotFoundError interface {
	error
	NotFound()
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// Collection is the persistence surface the engine mutates. Implementations
// must report missing items and containers with an error satisfying
// interface{ NotFound() }.
type Collection interface {
	// Item returns the current position of itemID inside containerID.
	Item(ctx context.Context, containerID, itemID string) (int, error)
	// Count returns the number of direct children of containerID.
	Count(ctx context.Context, containerID string) (int, error)
	// ShiftRange adds delta to the position of every child of containerID
	// whose position lies in [from, to]. Bounds are inclusive; an empty
	// range (from > to) is a no-op, not an error.
	ShiftRange(ctx context.Context, containerID string, from, to, delta int) error
	// SetPosition writes the position of a single item.
	SetPosition(ctx context.Context, containerID, itemID string, pos int) error
	// Insert persists a new item in containerID at pos. The item payload is
	// opaque to the engine; implementations assert it to their row type.
	Insert(ctx context.Context, containerID string, item any, pos int) error
	// Delete removes the item row from containerID.
	Delete(ctx context.Context, containerID, itemID string) error
	// Reassign moves itemID from one container to another and sets its
	// position in the destination.
	Reassign(ctx context.Context, itemID, fromContainerID, toContainerID string, pos int) error
}

// Txer runs fn against a Collection view whose writes commit or roll back as
// one unit. The implementation must serialize concurrent transactions that
// touch the same container; the engine does not arbitrate that race itself.
type Txer interface {
	InTx(ctx context.Context, fn func(Collection) error) error
}

// Engine computes and applies sibling reordering against a transactional
// collection.
type Engine struct {
	store Txer
}

// New creates an Engine over the given transactional collection.
func New(store Txer) *Engine {
	return &Engine{store: store}
}

// MoveWithin moves an item to newPos among its siblings. The stored position
// wins over oldPos when the two disagree, so a stale caller still produces a
// consistent result. It reports whether anything was written: moving an item
// onto its current position is a no-op with zero writes.
func (e *Engine) MoveWithin(ctx context.Context, containerID, itemID string, oldPos, newPos int) (bool, error) {
	moved := false
	err := e.store.InTx(ctx, func(c Collection) error {
		pos, err := c.Item(ctx, containerID, itemID)
		if err != nil {
			return err
		}
		count, err := c.Count(ctx, containerID)
		if err != nil {
			return err
		}
		if newPos < 0 || newPos >= count {
			return ErrPositionOutOfRange
		}
		if newPos == pos {
			return nil
		}
		if newPos < pos {
			// Moving earlier: everything in [newPos, pos) slides down one slot.
			if err := c.ShiftRange(ctx, containerID, newPos, pos-1, +1); err != nil {
				return err
			}
		} else {
			// Moving later: everything in (pos, newPos] slides up one slot.
			if err := c.ShiftRange(ctx, containerID, pos+1, newPos, -1); err != nil {
				return err
			}
		}
		if err := c.SetPosition(ctx, containerID, itemID, newPos); err != nil {
			return err
		}
		moved = true
		return nil
	})
	return moved, err
}

// MoveAcross moves an item from one container to another, closing the gap it
// leaves behind and opening a slot at dstPos. Both containers are updated in
// the same transaction. dstPos must lie in [0, len(destination)]; anything
// else is rejected rather than silently producing a gapped sequence.
func (e *Engine) MoveAcross(ctx context.Context, itemID, srcContainerID, dstContainerID string, dstPos int) error {
	return e.store.InTx(ctx, func(c Collection) error {
		pos, err := c.Item(ctx, srcContainerID, itemID)
		if err != nil {
			return err
		}
		srcCount, err := c.Count(ctx, srcContainerID)
		if err != nil {
			return err
		}
		dstCount, err := c.Count(ctx, dstContainerID)
		if err != nil {
			return err
		}
		if dstPos < 0 || dstPos > dstCount {
			return ErrPositionOutOfRange
		}
		if err := c.ShiftRange(ctx, srcContainerID, pos+1, srcCount-1, -1); err != nil {
			return err
		}
		if err := c.ShiftRange(ctx, dstContainerID, dstPos, dstCount-1, +1); err != nil {
			return err
		}
		return c.Reassign(ctx, itemID, srcContainerID, dstContainerID, dstPos)
	})
}

// Append inserts an item at the end of the container. The count read and the
// insert happen in one transaction so two concurrent appends cannot land on
// the same position.
func (e *Engine) Append(ctx context.Context, containerID string, item any) (int, error) {
	pos := 0
	err := e.store.InTx(ctx, func(c Collection) error {
		count, err := c.Count(ctx, containerID)
		if err != nil {
			return err
		}
		pos = count
		return c.Insert(ctx, containerID, item, count)
	})
	if err != nil {
		return 0, err
	}
	return pos, nil
}

// Remove deletes an item and closes the gap behind it. Removing an id that is
// not present fails with the collection's NotFound error; there is no way to
// tell "already removed" from "never existed".
func (e *Engine) Remove(ctx context.Context, containerID, itemID string) error {
	return e.store.InTx(ctx, func(c Collection) error {
		pos, err := c.Item(ctx, containerID, itemID)
		if err != nil {
			return err
		}
		count, err := c.Count(ctx, containerID)
		if err != nil {
			return err
		}
		if err := c.Delete(ctx, containerID, itemID); err != nil {
			return err
		}
		return c.ShiftRange(ctx, containerID, pos+1, count-1, -1)
	})
}
