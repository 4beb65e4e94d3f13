package realtime

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/fabrica-bayarea/Sprint-Tracker-sub000/domain"
)

const sessionSendBuffer = 32

// Session is one live connection's membership state: its identity, its
// outbound queue and the rooms it currently occupies. Sessions are keyed by
// pointer and never enumerated outside their rooms.
type Session struct {
	identity Identity

	mu     sync.Mutex
	out    chan []byte
	rooms  map[string]struct{}
	closed bool
}

// Identity returns the user attached to this session at connect time.
func (s *Session) Identity() Identity { return s.identity }

// Out is the session's outbound frame queue, drained by the transport.
func (s *Session) Out() <-chan []byte { return s.out }

// send queues a frame without ever blocking the broadcaster. A full queue
// means a slow consumer; the frame is dropped, the client refetches on the
// next one it does receive.
func (s *Session) send(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// Hub is the board event bus. It owns every room and every session; nothing
// else in the process touches live connections.
type Hub struct {
	logger *log.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}

	// relay, when set, republishes local broadcasts to other instances.
	relay Relay
}

// Relay forwards broadcasts to other process instances. The hub calls it
// outside its own lock and ignores its failures.
type Relay interface {
	RelayBoardModified(ev domain.BoardEvent)
	RelayNotifyUser(userID string)
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		panic("realtime.NewHub: logger is not initialized")
	}
	return &Hub{logger: logger, rooms: make(map[string]map[*Session]struct{})}
}

// SetRelay attaches a cross-instance relay. Must be called before any
// traffic; the hub does not lock around this field.
func (h *Hub) SetRelay(r Relay) { h.relay = r }

// Connect registers a session for an authenticated identity and auto-joins
// its personal room.
func (h *Hub) Connect(id Identity) *Session {
	s := &Session{
		identity: id,
		out:      make(chan []byte, sessionSendBuffer),
		rooms:    make(map[string]struct{}),
	}
	h.joinRoom(s, UserRoom(id.UserID))
	return s
}

// Disconnect removes the session from every room and closes its queue.
// Idempotent; the transport calls it exactly once per closed connection but
// tests may call it again.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	for room := range s.rooms {
		h.removeLocked(s, room)
	}
	h.mu.Unlock()
	s.close()
}

// Join adds the session to a board room. Membership has already been checked
// by the gateway; the hub itself admits anyone.
func (h *Hub) Join(s *Session, room string) {
	h.joinRoom(s, room)
}

// Leave removes the session from a room. Leaving a room the session never
// joined is a no-op.
func (h *Hub) Leave(s *Session, room string) {
	h.mu.Lock()
	h.removeLocked(s, room)
	h.mu.Unlock()
}

func (h *Hub) joinRoom(s *Session, room string) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms[room] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) removeLocked(s *Session, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(s.rooms, room)
}

// BroadcastBoardModified delivers a boardModified event to every session in
// the board's room. The return value only says whether at least one session
// was reached; an empty room is logged and dropped, never retried, and never
// surfaces as a failure to the mutation that triggered it.
func (h *Hub) BroadcastBoardModified(ev domain.BoardEvent) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	reached := h.deliverBoardModified(ev)
	if h.relay != nil {
		h.relay.RelayBoardModified(ev)
	}
	return reached
}

// deliverBoardModified fans out to local sessions only.
func (h *Hub) deliverBoardModified(ev domain.BoardEvent) bool {
	data, err := sonic.ConfigStd.Marshal(boardModifiedMsg{
		Event:    EventBoardModified,
		BoardID:  ev.BoardID,
		Action:   ev.Action,
		ByUserID: ev.ByUserID,
		At:       ev.At,
	})
	if err != nil {
		h.logger.Errorf("marshal boardModified: %v", err)
		return false
	}
	return h.deliver(BoardRoom(ev.BoardID), EventBoardModified, data)
}

// NotifyUser pings every open tab of a user's personal room. Same drop-on-
// empty semantics as board broadcasts.
func (h *Hub) NotifyUser(userID string) bool {
	reached := h.deliverNotifyUser(userID)
	if h.relay != nil {
		h.relay.RelayNotifyUser(userID)
	}
	return reached
}

func (h *Hub) deliverNotifyUser(userID string) bool {
	data, err := sonic.ConfigStd.Marshal(notificationMsg{Event: EventNewNotification})
	if err != nil {
		h.logger.Errorf("marshal newNotification: %v", err)
		return false
	}
	return h.deliver(UserRoom(userID), EventNewNotification, data)
}

func (h *Hub) deliver(room, event string, data []byte) bool {
	h.mu.RLock()
	members := h.rooms[room]
	sessions := make([]*Session, 0, len(members))
	for s := range members {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	if len(sessions) == 0 {
		h.logger.WithFields(log.Fields{"room": room, "event": event}).Warn("broadcast to empty room dropped")
		return false
	}
	reached := false
	for _, s := range sessions {
		if s.send(data) {
			reached = true
		} else {
			h.logger.WithFields(log.Fields{"room": room, "event": event, "user": s.identity.UserID}).Warn("session queue full, frame dropped")
		}
	}
	return reached
}

// RoomSize reports the number of sessions in a room. Used by health
// reporting and tests.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
