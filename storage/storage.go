// Package storage persists boards, lists, tasks and board memberships in
// PostgreSQL. Position maintenance goes through the reorder collections in
// positions.go; everything here is plain reads and row writes.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fabrica-bayarea/Sprint-Tracker-sub000/domain"
)

// NotFoundError reports a missing row. It satisfies the reorder package's
// NotFoundError interface so the engine and handlers can branch on it.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

// NotFound marks the error as a missing-target failure.
func (e NotFoundError) NotFound() {}

// Open connects to Postgres through the pgx stdlib driver and verifies the
// connection before returning.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// Storage provides access to the tracker's persistent state.
type Storage struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Storage) DB() *sql.DB { return s.db }

// Ping verifies the database connection is alive.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateBoard inserts a board and grants its owner the ADMIN membership in
// one transaction.
func (s *Storage) CreateBoard(ctx context.Context, board domain.Board) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create board: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO boards (id, owner_id, title, created_at)
		VALUES ($1, $2, $3, $4)
	`, board.ID, board.OwnerID, board.Title, board.CreatedAt); err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO board_memberships (board_id, user_id, role)
		VALUES ($1, $2, $3)
	`, board.ID, board.OwnerID, domain.RoleAdmin); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create board: %w", err)
	}
	return nil
}

// GetBoard fetches a single board.
func (s *Storage) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	var board domain.Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, created_at FROM boards WHERE id=$1
	`, boardID).Scan(&board.ID, &board.OwnerID, &board.Title, &board.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Board{}, NotFoundError{Kind: "board", ID: boardID}
	}
	if err != nil {
		return domain.Board{}, fmt.Errorf("get board: %w", err)
	}
	return board, nil
}

// Snapshot reads a board with its lists and tasks in position order. This is
// the read model clients refetch after a boardModified event.
func (s *Storage) Snapshot(ctx context.Context, boardID string) (domain.BoardSnapshot, error) {
	board, err := s.GetBoard(ctx, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, err
	}
	snap := domain.BoardSnapshot{Board: board, Lists: []domain.List{}, Tasks: []domain.Task{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, title, position FROM lists
		WHERE board_id=$1 ORDER BY position
	`, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, fmt.Errorf("list lists: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l domain.List
		if err := rows.Scan(&l.ID, &l.BoardID, &l.Title, &l.Position); err != nil {
			return domain.BoardSnapshot{}, fmt.Errorf("scan list: %w", err)
		}
		snap.Lists = append(snap.Lists, l)
	}
	if err := rows.Err(); err != nil {
		return domain.BoardSnapshot{}, fmt.Errorf("iterate lists: %w", err)
	}

	taskRows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.list_id, t.title, t.notes, t.position, t.done
		FROM tasks t
		JOIN lists l ON l.id = t.list_id
		WHERE l.board_id=$1
		ORDER BY l.position, t.position
	`, boardID)
	if err != nil {
		return domain.BoardSnapshot{}, fmt.Errorf("list tasks: %w", err)
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var t domain.Task
		if err := taskRows.Scan(&t.ID, &t.ListID, &t.Title, &t.Notes, &t.Position, &t.Done); err != nil {
			return domain.BoardSnapshot{}, fmt.Errorf("scan task: %w", err)
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return domain.BoardSnapshot{}, fmt.Errorf("iterate tasks: %w", err)
	}
	return snap, nil
}

// ListBoardID resolves the board a list belongs to.
func (s *Storage) ListBoardID(ctx context.Context, listID string) (string, error) {
	var boardID string
	err := s.db.QueryRowContext(ctx, `SELECT board_id FROM lists WHERE id=$1`, listID).Scan(&boardID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", NotFoundError{Kind: "list", ID: listID}
	}
	if err != nil {
		return "", fmt.Errorf("resolve list board: %w", err)
	}
	return boardID, nil
}

// TaskRef locates a task's list and board.
func (s *Storage) TaskRef(ctx context.Context, taskID string) (listID, boardID string, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT t.list_id, l.board_id
		FROM tasks t JOIN lists l ON l.id = t.list_id
		WHERE t.id=$1
	`, taskID).Scan(&listID, &boardID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", NotFoundError{Kind: "task", ID: taskID}
	}
	if err != nil {
		return "", "", fmt.Errorf("resolve task: %w", err)
	}
	return listID, boardID, nil
}

// HasMembership reports whether the user holds any role on the board. All
// roles qualify; room joining does not distinguish them.
func (s *Storage) HasMembership(ctx context.Context, userID, boardID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM board_memberships WHERE board_id=$1 AND user_id=$2)
	`, boardID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return ok, nil
}

// MembershipRole returns the user's role on a board, or NotFoundError when
// the user is not a member.
func (s *Storage) MembershipRole(ctx context.Context, userID, boardID string) (domain.Role, error) {
	var role domain.Role
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM board_memberships WHERE board_id=$1 AND user_id=$2
	`, boardID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", NotFoundError{Kind: "membership", ID: userID}
	}
	if err != nil {
		return "", fmt.Errorf("read membership: %w", err)
	}
	return role, nil
}

// UpsertMembership grants or changes a user's role on a board.
func (s *Storage) UpsertMembership(ctx context.Context, m domain.Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO board_memberships (board_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (board_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, m.BoardID, m.UserID, m.Role)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}
