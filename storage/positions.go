package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fabrica-bayarea/Sprint-Tracker-sub000/domain"
	"github.com/fabrica-bayarea/Sprint-Tracker-sub000/reorder"
)

// collectionSpec binds one ordered sibling set (lists under a board, tasks
// under a list) to its SQL. Queries are fixed strings; the container lock is
// what serializes concurrent movers on the same container, so every
// transaction must acquire it before reading positions.
type collectionSpec struct {
	kind          string
	containerKind string

	lockContainer string
	itemPos       string
	count         string
	shift         string
	setPos        string
	insert        string
	del           string
	reassign      string
}

var listSpec = collectionSpec{
	kind:          "list",
	containerKind: "board",
	lockContainer: `SELECT id FROM boards WHERE id=$1 FOR UPDATE`,
	itemPos:       `SELECT position FROM lists WHERE board_id=$1 AND id=$2`,
	count:         `SELECT COUNT(*) FROM lists WHERE board_id=$1`,
	shift:         `UPDATE lists SET position = position + $4 WHERE board_id=$1 AND position BETWEEN $2 AND $3`,
	setPos:        `UPDATE lists SET position=$3 WHERE board_id=$1 AND id=$2`,
	insert:        `INSERT INTO lists (id, board_id, title, position) VALUES ($1, $2, $3, $4)`,
	del:           `DELETE FROM lists WHERE board_id=$1 AND id=$2`,
}

var taskSpec = collectionSpec{
	kind:          "task",
	containerKind: "list",
	lockContainer: `SELECT id FROM lists WHERE id=$1 FOR UPDATE`,
	itemPos:       `SELECT position FROM tasks WHERE list_id=$1 AND id=$2`,
	count:         `SELECT COUNT(*) FROM tasks WHERE list_id=$1`,
	shift:         `UPDATE tasks SET position = position + $4 WHERE list_id=$1 AND position BETWEEN $2 AND $3`,
	setPos:        `UPDATE tasks SET position=$3 WHERE list_id=$1 AND id=$2`,
	insert:        `INSERT INTO tasks (id, list_id, title, notes, position, done) VALUES ($1, $2, $3, $4, $5, $6)`,
	del:           `DELETE FROM tasks WHERE list_id=$1 AND id=$2`,
	reassign:      `UPDATE tasks SET list_id=$2, position=$3 WHERE id=$1`,
}

// TxCollection runs reorder transactions for one sibling kind. It implements
// reorder.Txer.
type TxCollection struct {
	db   *sql.DB
	spec collectionSpec
}

// Lists returns the transactional collection of lists ordered within boards.
func (s *Storage) Lists() *TxCollection {
	return &TxCollection{db: s.db, spec: listSpec}
}

// Tasks returns the transactional collection of tasks ordered within lists.
func (s *Storage) Tasks() *TxCollection {
	return &TxCollection{db: s.db, spec: taskSpec}
}

// InTx runs fn against a transaction-backed collection. All writes commit or
// roll back as one unit; a storage error aborts the whole move and leaves no
// partial shift visible to later reads.
func (t *TxCollection) InTx(ctx context.Context, fn func(reorder.Collection) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txCollection{tx: tx, spec: t.spec, locked: map[string]bool{}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder tx: %w", err)
	}
	return nil
}

// txCollection is the transaction-scoped view handed to the engine. Every
// operation locks its container row first (SELECT ... FOR UPDATE), which
// serializes same-container movers for the life of the transaction and
// doubles as the container existence check.
type txCollection struct {
	tx     *sql.Tx
	spec   collectionSpec
	locked map[string]bool
}

// lock acquires the container row. Locks are taken in call order, so two
// cross-container moves in opposite directions can deadlock; Postgres aborts
// one and the error propagates to the caller, which retries or fails.
func (c *txCollection) lock(ctx context.Context, containerID string) error {
	if c.locked[containerID] {
		return nil
	}
	var id string
	err := c.tx.QueryRowContext(ctx, c.spec.lockContainer, containerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFoundError{Kind: c.spec.containerKind, ID: containerID}
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", c.spec.containerKind, err)
	}
	c.locked[containerID] = true
	return nil
}

func (c *txCollection) Item(ctx context.Context, containerID, itemID string) (int, error) {
	if err := c.lock(ctx, containerID); err != nil {
		return 0, err
	}
	var pos int
	err := c.tx.QueryRowContext(ctx, c.spec.itemPos, containerID, itemID).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, NotFoundError{Kind: c.spec.kind, ID: itemID}
	}
	if err != nil {
		return 0, fmt.Errorf("read %s position: %w", c.spec.kind, err)
	}
	return pos, nil
}

func (c *txCollection) Count(ctx context.Context, containerID string) (int, error) {
	if err := c.lock(ctx, containerID); err != nil {
		return 0, err
	}
	var count int
	if err := c.tx.QueryRowContext(ctx, c.spec.count, containerID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %ss: %w", c.spec.kind, err)
	}
	return count, nil
}

func (c *txCollection) ShiftRange(ctx context.Context, containerID string, from, to, delta int) error {
	if from > to {
		return nil
	}
	if err := c.lock(ctx, containerID); err != nil {
		return err
	}
	if _, err := c.tx.ExecContext(ctx, c.spec.shift, containerID, from, to, delta); err != nil {
		return fmt.Errorf("shift %ss: %w", c.spec.kind, err)
	}
	return nil
}

func (c *txCollection) SetPosition(ctx context.Context, containerID, itemID string, pos int) error {
	if err := c.lock(ctx, containerID); err != nil {
		return err
	}
	res, err := c.tx.ExecContext(ctx, c.spec.setPos, containerID, itemID, pos)
	if err != nil {
		return fmt.Errorf("set %s position: %w", c.spec.kind, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NotFoundError{Kind: c.spec.kind, ID: itemID}
	}
	return nil
}

func (c *txCollection) Insert(ctx context.Context, containerID string, item any, pos int) error {
	if err := c.lock(ctx, containerID); err != nil {
		return err
	}
	switch v := item.(type) {
	case *domain.List:
		v.Position = pos
		if _, err := c.tx.ExecContext(ctx, c.spec.insert, v.ID, containerID, v.Title, pos); err != nil {
			return fmt.Errorf("insert list: %w", err)
		}
		return nil
	case *domain.Task:
		v.Position = pos
		if _, err := c.tx.ExecContext(ctx, c.spec.insert, v.ID, containerID, v.Title, v.Notes, pos, v.Done); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unexpected item payload %T", item)
	}
}

func (c *txCollection) Delete(ctx context.Context, containerID, itemID string) error {
	if err := c.lock(ctx, containerID); err != nil {
		return err
	}
	res, err := c.tx.ExecContext(ctx, c.spec.del, containerID, itemID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", c.spec.kind, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NotFoundError{Kind: c.spec.kind, ID: itemID}
	}
	return nil
}

func (c *txCollection) Reassign(ctx context.Context, itemID, fromContainerID, toContainerID string, pos int) error {
	if c.spec.reassign == "" {
		return fmt.Errorf("%s cannot change its %s", c.spec.kind, c.spec.containerKind)
	}
	if err := c.lock(ctx, fromContainerID); err != nil {
		return err
	}
	if err := c.lock(ctx, toContainerID); err != nil {
		return err
	}
	res, err := c.tx.ExecContext(ctx, c.spec.reassign, itemID, toContainerID, pos)
	if err != nil {
		return fmt.Errorf("reassign %s: %w", c.spec.kind, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NotFoundError{Kind: c.spec.kind, ID: itemID}
	}
	return nil
}
