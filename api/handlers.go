package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/fabrica-bayarea/Sprint-Tracker-sub000/domain"
	"github.com/fabrica-bayarea/Sprint-Tracker-sub000/reorder"
)

const (
	maxBodySize          = 64 * 1024 // 64 KiB
	headerIdempotencyKey = "Idempotency-Key"
)

// Deps carries the collaborators the handlers are wired with.
type Deps struct {
	Store     Storage
	Snapshots Snapshots
	Lists     Mover
	Tasks     Mover
	Events    Broadcaster
	Auth      Authenticator
	Deduper   Deduper // optional; nil disables idempotency keys
	Log       *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	idem := idempotencyMiddleware(d)
	e.POST("/api/boards", createBoard(d), idem)
	e.GET("/api/boards/:boardId", getBoard(d))
	e.POST("/api/boards/:boardId/lists", createList(d), idem)
	e.PATCH("/api/lists/:listId/position", moveList(d), idem)
	e.DELETE("/api/lists/:listId", deleteList(d))
	e.POST("/api/lists/:listId/tasks", createTask(d), idem)
	e.PATCH("/api/tasks/:taskId/position", moveTask(d), idem)
	e.DELETE("/api/tasks/:taskId", deleteTask(d))
	e.PUT("/api/boards/:boardId/members/:userId", putMember(d))
	e.GET("/healthz", healthz(d))
}

type createBoardRequest struct {
	Title string `json:"title"`
}

type createListRequest struct {
	Title string `json:"title"`
}

type createTaskRequest struct {
	Title string `json:"title"`
	Notes string `json:"notes"`
}

type movePositionRequest struct {
	ListID      string `json:"listId,omitempty"`
	OldPosition int    `json:"oldPosition"`
	NewPosition int    `json:"newPosition"`
}

type moveResponse struct {
	Moved bool `json:"moved"`
}

type memberRequest struct {
	Role domain.Role `json:"role"`
}

func authedUser(d Deps, c echo.Context) (string, error) {
	return d.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// roleForRead admits any membership role.
func roleForRead(ctx context.Context, d Deps, userID, boardID string) (int, string) {
	if _, err := d.Store.MembershipRole(ctx, userID, boardID); err != nil {
		if reorder.IsNotFound(err) {
			return http.StatusForbidden, "not a board member"
		}
		return http.StatusInternalServerError, "membership lookup failed"
	}
	return 0, ""
}

// roleForMutation admits admins and members; observers are read only.
func roleForMutation(ctx context.Context, d Deps, userID, boardID string) (int, string) {
	role, err := d.Store.MembershipRole(ctx, userID, boardID)
	if err != nil {
		if reorder.IsNotFound(err) {
			return http.StatusForbidden, "not a board member"
		}
		return http.StatusInternalServerError, "membership lookup failed"
	}
	if role == domain.RoleObserver {
		return http.StatusForbidden, "observers cannot modify the board"
	}
	return 0, ""
}

// announce evicts the cached snapshot and tells board viewers to refetch.
// The returned flag only reports whether any socket was reached; the caller's
// response does not depend on it.
func announce(ctx context.Context, d Deps, boardID, action, userID string) bool {
	d.Snapshots.Evict(ctx, boardID)
	return d.Events.BroadcastBoardModified(domain.BoardEvent{
		BoardID:  boardID,
		Action:   action,
		ByUserID: userID,
		At:       time.Unix(0, nextTimestamp()).UTC(),
	})
}

// idempotencyMiddleware refuses replays of mutations carrying an
// Idempotency-Key header. A mutation that fails server-side releases its key
// so the client can retry with the same one.
func idempotencyMiddleware(d Deps) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
			if key == "" || d.Deduper == nil {
				return next(c)
			}
			userID, err := authedUser(d, c)
			if err != nil {
				// The handler produces the 401.
				return next(c)
			}
			added, err := d.Deduper.Add(c.Request().Context(), userID, key)
			if err != nil {
				return c.String(http.StatusInternalServerError, "idempotency check failed")
			}
			if !added {
				return c.NoContent(http.StatusConflict)
			}
			err = next(c)
			if err != nil || c.Response().Status >= http.StatusInternalServerError {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if rerr := d.Deduper.Remove(releaseCtx, userID, key); rerr != nil {
					d.Log.WithField("key", key).Errorf("release idempotency key: %v", rerr)
				}
			}
			return err
		}
	}
}

func healthz(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := d.Store.Ping(c.Request().Context()); err != nil {
			c.Logger().Error(err)
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return c.NoContent(http.StatusOK)
	}
}

func createBoard(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authedUser(d, c)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req createBoardRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		title := strings.TrimSpace(req.Title)
		if title == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}
		board := domain.Board{
			ID:        uuid.NewString(),
			OwnerID:   userID,
			Title:     title,
			CreatedAt: time.Now().UTC(),
		}
		if err := d.Store.CreateBoard(c.Request().Context(), board); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to create board")
		}
		return c.JSON(http.StatusCreated, board)
	}
}

func getBoard(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authedUser(d, c)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		boardID := c.Param("boardId")
		if status, msg := roleForRead(ctx, d, userID, boardID); status != 0 {
			return c.String(status, msg)
		}
		snap, err := d.Snapshots.Snapshot(ctx, boardID)
		if err != nil {
			if reorder.IsNotFound(err) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to load board")
		}
		return c.JSON(http.StatusOK, snap)
	}
}

func createList(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authedUser(d, c)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		boardID := c.Param("boardId")
		if status, msg := roleForMutation(ctx, d, userID, boardID); status != 0 {
			return c.String(status, msg)
		}
		var req createListRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		title := strings.TrimSpace(req.Title)
		if title == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}
		list := &domain.List{ID: uuid.NewString(), BoardID: boardID, Title: title}
		if _, err := d.Lists.Append(ctx, boardID, list); err != nil {
			if reorder.IsNotFound(err) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to create list")
		}
		announce(ctx, d, boardID, domain.ActionListCreated, userID)
		return c.JSON(http.StatusCreated, list)
	}
}

func moveList(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authedUser(d, c)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		listID := c.Param("listId")
		boardID, err := d.Store.ListBoardID(ctx, listID)
		if err != nil {
			if reorder.IsNotFound(err) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to resolve list")
		}
		if status, msg := roleForMutation(ctx, d, userID, boardID); status != 0 {
			return c.String(status, msg)
		}
		var req movePositionRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		moved, err := d.Lists.MoveWithin(ctx, boardID, listID, req.OldPosition, req.NewPosition)
		if err != nil {
			return respondMoveError(c, err)
		}
		if moved {
			announce(ctx, d, boardID, domain.ActionListMoved, userID)
		}
		return c.JSON(http.StatusOK, moveResponse{Moved: moved})
	}
}

func deleteList(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authedUser(d, c)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		listID := c.Param("listId")
		boardID, err := d.Store.ListBoardID(ctx, listID)
		if err != nil {
			if reorder.IsNotFound(err) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to resolve list")
		}
		if status, msg := roleForMutation(ctx, d, userID, boardID); status != 0 {
			return c.String(status, msg)
		}
		if err := d.Lists.Remove(ctx, boardID, listID); err != nil {
			if reorder.IsNotFound(err) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to delete list")
		}
		announce(ctx, d, boardID, domain.ActionListDeleted, userID)
		return c.NoContent(http.StatusNoContent)
	}
}

func createTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authedUser(d, c)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		listID := c.Param("listId")
		boardID, err := d.Store.ListBoardID(ctx, listID)
		if err != nil {
			if reorder.IsNotFound(err) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to resolve list")
		}
		if status, msg := roleForMutation(ctx, d, userID, boardID); status != 0 {
			return c.String(status, msg)
		}
		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		title := strings.TrimSpace(req.Title)
		if title == "" {
			return c.String(http.StatusBadRequest, "title is required")
		}
		task := &domain.Task{ID: uuid.NewString(), ListID: listID, Title: title, Notes: req.Notes}
		if _, err := d.Tasks.Append(ctx, listID, task); err != nil {
			if reorder.IsNotFound(err) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to create task")
		}
		announce(ctx, d, boardID, domain.ActionTaskCreated, userID)
		return c.JSON(http.StatusCreated, task)
	}
}

// moveTask handles both in-list and cross-list moves. It is the hot path of
// the API and carries the mutation observability event.
func moveTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMoveRequestMetrics(ctx, d.Log, "/api/tasks/:taskId/position")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := authedUser(d, c)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		taskID := c.Param("taskId")
		srcListID, boardID, refErr := d.Store.TaskRef(ctx, taskID)
		if refErr != nil {
			if reorder.IsNotFound(refErr) {
				metrics.SetErrorStage("resolve")
				err = c.String(http.StatusNotFound, refErr.Error())
				return err
			}
			metrics.SetErrorStage("resolve")
			c.Logger().Error(refErr)
			err = c.String(http.StatusInternalServerError, "failed to resolve task")
			return err
		}

		if status, msg := roleForMutation(ctx, d, userID, boardID); status != 0 {
			metrics.SetErrorStage("authz")
			err = c.String(status, msg)
			return err
		}

		var req movePositionRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		metrics.SetAction(domain.ActionTaskMoved)

		moved := true
		storeStart := time.Now()
		var moveErr error
		if req.ListID == "" || req.ListID == srcListID {
			moved, moveErr = d.Tasks.MoveWithin(ctx, srcListID, taskID, req.OldPosition, req.NewPosition)
		} else {
			dstBoardID, dstErr := d.Store.ListBoardID(ctx, req.ListID)
			if dstErr != nil {
				metrics.ObserveStore(time.Since(storeStart))
				if reorder.IsNotFound(dstErr) {
					metrics.SetErrorStage("resolve")
					err = c.String(http.StatusNotFound, dstErr.Error())
					return err
				}
				metrics.SetErrorStage("resolve")
				c.Logger().Error(dstErr)
				err = c.String(http.StatusInternalServerError, "failed to resolve destination list")
				return err
			}
			if dstBoardID != boardID {
				metrics.ObserveStore(time.Since(storeStart))
				metrics.SetErrorStage("cross_board")
				err = c.String(http.StatusBadRequest, "destination list is on a different board")
				return err
			}
			moveErr = d.Tasks.MoveAcross(ctx, taskID, srcListID, req.ListID, req.NewPosition)
		}
		metrics.ObserveStore(time.Since(storeStart))
		if moveErr != nil {
			metrics.SetErrorStage("store")
			err = respondMoveError(c, moveErr)
			return err
		}

		if moved {
			metrics.SetBroadcastReached(announce(ctx, d, boardID, domain.ActionTaskMoved, userID))
		}
		err = c.JSON(http.StatusOK, moveResponse{Moved: moved})
		return err
	}
}

func deleteTask(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authedUser(d, c)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		taskID := c.Param("taskId")
		listID, boardID, err := d.Store.TaskRef(ctx, taskID)
		if err != nil {
			if reorder.IsNotFound(err) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to resolve task")
		}
		if status, msg := roleForMutation(ctx, d, userID, boardID); status != 0 {
			return c.String(status, msg)
		}
		if err := d.Tasks.Remove(ctx, listID, taskID); err != nil {
			if reorder.IsNotFound(err) {
				return c.String(http.StatusNotFound, err.Error())
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to delete task")
		}
		announce(ctx, d, boardID, domain.ActionTaskDeleted, userID)
		return c.NoContent(http.StatusNoContent)
	}
}

func putMember(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authedUser(d, c)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		boardID := c.Param("boardId")
		targetID := c.Param("userId")

		role, err := d.Store.MembershipRole(ctx, userID, boardID)
		if err != nil {
			if reorder.IsNotFound(err) {
				return c.String(http.StatusForbidden, "not a board member")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "membership lookup failed")
		}
		if role != domain.RoleAdmin {
			return c.String(http.StatusForbidden, "only admins can manage members")
		}

		var req memberRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if !req.Role.Valid() {
			return c.String(http.StatusBadRequest, "invalid role")
		}
		m := domain.Membership{BoardID: boardID, UserID: targetID, Role: req.Role}
		if err := d.Store.UpsertMembership(ctx, m); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to update membership")
		}
		d.Events.NotifyUser(targetID)
		return c.NoContent(http.StatusNoContent)
	}
}

func respondMoveError(c echo.Context, err error) error {
	switch {
	case reorder.IsNotFound(err):
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, reorder.ErrPositionOutOfRange):
		return c.String(http.StatusBadRequest, err.Error())
	default:
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, "failed to apply move")
	}
}
