package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/fabrica-bayarea/Sprint-Tracker-sub000/domain"
	"github.com/fabrica-bayarea/Sprint-Tracker-sub000/reorder"
)

type notFoundErr struct{ msg string }

func (e notFoundErr) Error() string { return e.msg }
func (notFoundErr) NotFound()       {}

type mockStore struct {
	boards      []domain.Board
	listBoards  map[string]string    // listID -> boardID
	taskRefs    map[string][2]string // taskID -> {listID, boardID}
	roles       map[string]domain.Role
	memberships []domain.Membership
	pingErr     error
}

func (m *mockStore) CreateBoard(_ context.Context, board domain.Board) error {
	m.boards = append(m.boards, board)
	return nil
}

func (m *mockStore) ListBoardID(_ context.Context, listID string) (string, error) {
	boardID, ok := m.listBoards[listID]
	if !ok {
		return "", notFoundErr{msg: "list " + listID + " not found"}
	}
	return boardID, nil
}

func (m *mockStore) TaskRef(_ context.Context, taskID string) (string, string, error) {
	ref, ok := m.taskRefs[taskID]
	if !ok {
		return "", "", notFoundErr{msg: "task " + taskID + " not found"}
	}
	return ref[0], ref[1], nil
}

func (m *mockStore) MembershipRole(_ context.Context, userID, boardID string) (domain.Role, error) {
	role, ok := m.roles[userID+"/"+boardID]
	if !ok {
		return "", notFoundErr{msg: "membership not found"}
	}
	return role, nil
}

func (m *mockStore) UpsertMembership(_ context.Context, mem domain.Membership) error {
	m.memberships = append(m.memberships, mem)
	return nil
}

func (m *mockStore) Ping(context.Context) error { return m.pingErr }

type mockSnapshots struct {
	snap    domain.BoardSnapshot
	err     error
	evicted []string
}

func (m *mockSnapshots) Snapshot(_ context.Context, boardID string) (domain.BoardSnapshot, error) {
	return m.snap, m.err
}

func (m *mockSnapshots) Evict(_ context.Context, boardID string) {
	m.evicted = append(m.evicted, boardID)
}

type withinCall struct {
	containerID, itemID string
	newPos              int
}

type acrossCall struct {
	itemID, src, dst string
	pos              int
}

type mockMover struct {
	moved  bool
	err    error
	within []withinCall
	across []acrossCall
	adds   []string // containerIDs appended into
	dels   []string // itemIDs removed
}

func (m *mockMover) MoveWithin(_ context.Context, containerID, itemID string, oldPos, newPos int) (bool, error) {
	m.within = append(m.within, withinCall{containerID: containerID, itemID: itemID, newPos: newPos})
	return m.moved, m.err
}

func (m *mockMover) MoveAcross(_ context.Context, itemID, src, dst string, pos int) error {
	m.across = append(m.across, acrossCall{itemID: itemID, src: src, dst: dst, pos: pos})
	return m.err
}

func (m *mockMover) Append(_ context.Context, containerID string, item any) (int, error) {
	m.adds = append(m.adds, containerID)
	return len(m.adds) - 1, m.err
}

func (m *mockMover) Remove(_ context.Context, containerID, itemID string) error {
	m.dels = append(m.dels, itemID)
	return m.err
}

type mockBroadcaster struct {
	events  []domain.BoardEvent
	users   []string
	reached bool
}

func (m *mockBroadcaster) BroadcastBoardModified(ev domain.BoardEvent) bool {
	m.events = append(m.events, ev)
	return m.reached
}

func (m *mockBroadcaster) NotifyUser(userID string) bool {
	m.users = append(m.users, userID)
	return m.reached
}

type mockAuth struct{ err error }

func (m mockAuth) UserIDFromAuthHeader(string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "user", nil
}

func newTestDeps() (Deps, *mockStore, *mockSnapshots, *mockMover, *mockMover, *mockBroadcaster) {
	store := &mockStore{
		listBoards: map[string]string{"l1": "b1", "l2": "b1", "l9": "b9"},
		taskRefs:   map[string][2]string{"t1": {"l1", "b1"}},
		roles: map[string]domain.Role{
			"user/b1": domain.RoleMember,
			"user/b9": domain.RoleMember,
		},
	}
	snaps := &mockSnapshots{}
	lists := &mockMover{moved: true}
	tasks := &mockMover{moved: true}
	events := &mockBroadcaster{reached: true}
	d := Deps{
		Store:     store,
		Snapshots: snaps,
		Lists:     lists,
		Tasks:     tasks,
		Events:    events,
		Auth:      mockAuth{},
		Log:       log.New(),
	}
	return d, store, snaps, lists, tasks, events
}

func doJSON(t *testing.T, handler echo.HandlerFunc, method, target, body string, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	names := make([]string, 0, len(params))
	values := make([]string, 0, len(params))
	for k, v := range params {
		names = append(names, k)
		values = append(values, v)
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	if err := handler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return rec
}

func TestCreateBoard(t *testing.T) {
	d, store, _, _, _, _ := newTestDeps()
	rec := doJSON(t, createBoard(d), http.MethodPost, "/api/boards", `{"title":"Sprint 12"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var board domain.Board
	if err := sonic.Unmarshal(rec.Body.Bytes(), &board); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if board.Title != "Sprint 12" || board.OwnerID != "user" || board.ID == "" {
		t.Fatalf("unexpected board: %#v", board)
	}
	if len(store.boards) != 1 {
		t.Fatalf("expected 1 stored board, got %d", len(store.boards))
	}
}

func TestCreateBoardEmptyTitle(t *testing.T) {
	d, store, _, _, _, _ := newTestDeps()
	rec := doJSON(t, createBoard(d), http.MethodPost, "/api/boards", `{"title":"  "}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
	if len(store.boards) != 0 {
		t.Fatalf("expected no stored boards, got %d", len(store.boards))
	}
}

func TestCreateBoardUnauthorized(t *testing.T) {
	d, _, _, _, _, _ := newTestDeps()
	d.Auth = mockAuth{err: errors.New("bad token")}
	rec := doJSON(t, createBoard(d), http.MethodPost, "/api/boards", `{"title":"x"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
}

func TestGetBoardRequiresMembership(t *testing.T) {
	d, _, _, _, _, _ := newTestDeps()
	rec := doJSON(t, getBoard(d), http.MethodGet, "/api/boards/b2", "", map[string]string{"boardId": "b2"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 got %d", rec.Code)
	}
}

func TestGetBoardReturnsSnapshot(t *testing.T) {
	d, _, snaps, _, _, _ := newTestDeps()
	snaps.snap = domain.BoardSnapshot{
		Board: domain.Board{ID: "b1", Title: "Sprint"},
		Lists: []domain.List{{ID: "l1", BoardID: "b1", Position: 0}},
		Tasks: []domain.Task{{ID: "t1", ListID: "l1", Position: 0}},
	}
	rec := doJSON(t, getBoard(d), http.MethodGet, "/api/boards/b1", "", map[string]string{"boardId": "b1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var snap domain.BoardSnapshot
	if err := sonic.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if snap.Board.ID != "b1" || len(snap.Lists) != 1 || len(snap.Tasks) != 1 {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
}

func TestCreateListBroadcasts(t *testing.T) {
	d, _, snaps, lists, _, events := newTestDeps()
	rec := doJSON(t, createList(d), http.MethodPost, "/api/boards/b1/lists", `{"title":"Doing"}`, map[string]string{"boardId": "b1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(lists.adds) != 1 || lists.adds[0] != "b1" {
		t.Fatalf("unexpected append calls: %#v", lists.adds)
	}
	if len(events.events) != 1 || events.events[0].Action != domain.ActionListCreated {
		t.Fatalf("unexpected events: %#v", events.events)
	}
	if len(snaps.evicted) != 1 || snaps.evicted[0] != "b1" {
		t.Fatalf("expected snapshot eviction for b1, got %#v", snaps.evicted)
	}
}

func TestMoveListNoopSkipsBroadcast(t *testing.T) {
	d, _, snaps, lists, _, events := newTestDeps()
	lists.moved = false
	rec := doJSON(t, moveList(d), http.MethodPatch, "/api/lists/l1/position", `{"oldPosition":2,"newPosition":2}`, map[string]string{"listId": "l1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp moveResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Moved {
		t.Fatal("expected moved=false for a no-op move")
	}
	if len(events.events) != 0 {
		t.Fatalf("no-op move must not broadcast, got %#v", events.events)
	}
	if len(snaps.evicted) != 0 {
		t.Fatalf("no-op move must not evict, got %#v", snaps.evicted)
	}
}

func TestMoveListUnknownList(t *testing.T) {
	d, _, _, _, _, _ := newTestDeps()
	rec := doJSON(t, moveList(d), http.MethodPatch, "/api/lists/nope/position", `{"newPosition":0}`, map[string]string{"listId": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestMoveTaskWithinList(t *testing.T) {
	d, _, _, _, tasks, events := newTestDeps()
	rec := doJSON(t, moveTask(d), http.MethodPatch, "/api/tasks/t1/position", `{"oldPosition":0,"newPosition":2}`, map[string]string{"taskId": "t1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(tasks.within) != 1 {
		t.Fatalf("expected 1 MoveWithin call, got %#v", tasks.within)
	}
	call := tasks.within[0]
	if call.containerID != "l1" || call.itemID != "t1" || call.newPos != 2 {
		t.Fatalf("unexpected MoveWithin call: %#v", call)
	}
	if len(events.events) != 1 || events.events[0].Action != domain.ActionTaskMoved {
		t.Fatalf("unexpected events: %#v", events.events)
	}
}

func TestMoveTaskAcrossLists(t *testing.T) {
	d, _, _, _, tasks, events := newTestDeps()
	rec := doJSON(t, moveTask(d), http.MethodPatch, "/api/tasks/t1/position", `{"listId":"l2","newPosition":0,"oldPosition":0}`, map[string]string{"taskId": "t1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(tasks.across) != 1 {
		t.Fatalf("expected 1 MoveAcross call, got %#v", tasks.across)
	}
	call := tasks.across[0]
	if call.itemID != "t1" || call.src != "l1" || call.dst != "l2" || call.pos != 0 {
		t.Fatalf("unexpected MoveAcross call: %#v", call)
	}
	if len(events.events) != 1 {
		t.Fatalf("expected broadcast after cross-list move, got %#v", events.events)
	}
}

func TestMoveTaskRejectsCrossBoardDestination(t *testing.T) {
	d, _, _, _, tasks, events := newTestDeps()
	rec := doJSON(t, moveTask(d), http.MethodPatch, "/api/tasks/t1/position", `{"listId":"l9","newPosition":0,"oldPosition":0}`, map[string]string{"taskId": "t1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(tasks.across) != 0 || len(tasks.within) != 0 {
		t.Fatalf("mover must not be called for cross-board destination")
	}
	if len(events.events) != 0 {
		t.Fatalf("rejected move must not broadcast, got %#v", events.events)
	}
}

func TestMoveTaskPositionOutOfRange(t *testing.T) {
	d, _, _, _, tasks, _ := newTestDeps()
	tasks.err = reorder.ErrPositionOutOfRange
	rec := doJSON(t, moveTask(d), http.MethodPatch, "/api/tasks/t1/position", `{"newPosition":99,"oldPosition":0}`, map[string]string{"taskId": "t1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestMoveTaskUnknownTask(t *testing.T) {
	d, _, _, _, _, _ := newTestDeps()
	rec := doJSON(t, moveTask(d), http.MethodPatch, "/api/tasks/ghost/position", `{"newPosition":0,"oldPosition":0}`, map[string]string{"taskId": "ghost"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestObserverCannotMutate(t *testing.T) {
	d, store, _, _, tasks, _ := newTestDeps()
	store.roles["user/b1"] = domain.RoleObserver
	rec := doJSON(t, createTask(d), http.MethodPost, "/api/lists/l1/tasks", `{"title":"x"}`, map[string]string{"listId": "l1"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(tasks.adds) != 0 {
		t.Fatalf("observer mutation must not reach the mover")
	}
}

func TestDeleteTaskBroadcasts(t *testing.T) {
	d, _, _, _, tasks, events := newTestDeps()
	rec := doJSON(t, deleteTask(d), http.MethodDelete, "/api/tasks/t1", "", map[string]string{"taskId": "t1"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(tasks.dels) != 1 || tasks.dels[0] != "t1" {
		t.Fatalf("unexpected remove calls: %#v", tasks.dels)
	}
	if len(events.events) != 1 || events.events[0].Action != domain.ActionTaskDeleted {
		t.Fatalf("unexpected events: %#v", events.events)
	}
}

func TestPutMemberRequiresAdmin(t *testing.T) {
	d, store, _, _, _, events := newTestDeps()
	rec := doJSON(t, putMember(d), http.MethodPut, "/api/boards/b1/members/u2", `{"role":"MEMBER"}`, map[string]string{"boardId": "b1", "userId": "u2"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member granting roles: expected 403 got %d", rec.Code)
	}

	store.roles["user/b1"] = domain.RoleAdmin
	rec = doJSON(t, putMember(d), http.MethodPut, "/api/boards/b1/members/u2", `{"role":"OBSERVER"}`, map[string]string{"boardId": "b1", "userId": "u2"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("admin granting roles: expected 204 got %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.memberships) != 1 || store.memberships[0].UserID != "u2" || store.memberships[0].Role != domain.RoleObserver {
		t.Fatalf("unexpected memberships: %#v", store.memberships)
	}
	if len(events.users) != 1 || events.users[0] != "u2" {
		t.Fatalf("expected notification for u2, got %#v", events.users)
	}
}

func TestPutMemberInvalidRole(t *testing.T) {
	d, store, _, _, _, _ := newTestDeps()
	store.roles["user/b1"] = domain.RoleAdmin
	rec := doJSON(t, putMember(d), http.MethodPut, "/api/boards/b1/members/u2", `{"role":"OWNER"}`, map[string]string{"boardId": "b1", "userId": "u2"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	d, store, _, _, _, _ := newTestDeps()
	rec := doJSON(t, healthz(d), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	store.pingErr = errors.New("connection refused")
	rec = doJSON(t, healthz(d), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 got %d", rec.Code)
	}
}

type memDeduper struct {
	keys    map[string]bool
	removed []string
	err     error
}

func (m *memDeduper) Add(_ context.Context, userID, key string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	k := userID + ":" + key
	if m.keys[k] {
		return false, nil
	}
	m.keys[k] = true
	return true, nil
}

func (m *memDeduper) Remove(_ context.Context, userID, key string) error {
	m.removed = append(m.removed, userID+":"+key)
	delete(m.keys, userID+":"+key)
	return nil
}

func TestIdempotencyMiddlewareRejectsReplay(t *testing.T) {
	d, _, _, _, _, _ := newTestDeps()
	d.Deduper = &memDeduper{keys: make(map[string]bool)}
	e := echo.New()
	handler := idempotencyMiddleware(d)(func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	})
	e.POST("/api/boards", handler)

	run := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/boards", strings.NewReader(`{"title":"x"}`))
		req.Header.Set(echo.HeaderAuthorization, "Bearer token")
		req.Header.Set(headerIdempotencyKey, "req-1")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	if rec := run(); rec.Code != http.StatusCreated {
		t.Fatalf("first request: expected 201 got %d", rec.Code)
	}
	if rec := run(); rec.Code != http.StatusConflict {
		t.Fatalf("replay: expected 409 got %d", rec.Code)
	}
}

func TestIdempotencyMiddlewareReleasesKeyOnFailure(t *testing.T) {
	d, _, _, _, _, _ := newTestDeps()
	ded := &memDeduper{keys: make(map[string]bool)}
	d.Deduper = ded
	e := echo.New()
	handler := idempotencyMiddleware(d)(func(c echo.Context) error {
		return c.NoContent(http.StatusInternalServerError)
	})
	e.POST("/api/boards", handler)

	req := httptest.NewRequest(http.MethodPost, "/api/boards", strings.NewReader(`{"title":"x"}`))
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	req.Header.Set(headerIdempotencyKey, "req-2")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
	if len(ded.removed) != 1 || ded.removed[0] != "user:req-2" {
		t.Fatalf("expected key release on failure, got %#v", ded.removed)
	}
}
