package realtime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const writeTimeout = 5 * time.Second

// Authenticator resolves a handshake credential to an identity. Validation
// happens exactly once per connection; a live connection is trusted for its
// whole lifetime.
type Authenticator interface {
	IdentityFromToken(token string) (Identity, error)
}

// AuthFunc adapts a function to the Authenticator interface.
type AuthFunc func(token string) (Identity, error)

func (f AuthFunc) IdentityFromToken(token string) (Identity, error) { return f(token) }

// MembershipChecker answers whether a user currently holds any role on a
// board. Consulted on every joinBoard, never cached on the connection,
// because membership can change while the connection stays open.
type MembershipChecker interface {
	HasMembership(ctx context.Context, userID, boardID string) (bool, error)
}

// Gateway upgrades HTTP requests to websocket sessions and runs their
// message loops.
type Gateway struct {
	hub        *Hub
	auth       Authenticator
	membership MembershipChecker
	logger     *log.Logger
	origins    []string
}

// NewGateway wires the websocket endpoint. origins is the allowed origin
// pattern list; empty means same-origin only.
func NewGateway(hub *Hub, auth Authenticator, membership MembershipChecker, logger *log.Logger, origins []string) *Gateway {
	if logger == nil {
		panic("realtime.NewGateway: logger is not initialized")
	}
	return &Gateway{hub: hub, auth: auth, membership: membership, logger: logger, origins: origins}
}

// Handle is the echo handler for GET /ws. The credential is checked before
// the upgrade: a missing or invalid token never becomes a websocket, so no
// event can ever be delivered to an unauthenticated peer.
func (g *Gateway) Handle(c echo.Context) error {
	token := credentialFromRequest(c)
	if token == "" {
		return c.NoContent(http.StatusUnauthorized)
	}
	identity, err := g.auth.IdentityFromToken(token)
	if err != nil {
		g.logger.WithField("err", err).Debug("websocket credential rejected")
		return c.NoContent(http.StatusUnauthorized)
	}

	opts := &websocket.AcceptOptions{}
	if len(g.origins) > 0 {
		opts.OriginPatterns = g.origins
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		// Accept already wrote the handshake failure.
		return nil
	}

	session := g.hub.Connect(identity)
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// The websocket allows one concurrent writer; acks and broadcasts share
	// this guarded writer.
	w := &connWriter{conn: conn}
	go g.writeLoop(ctx, w, session, cancel)
	g.readLoop(ctx, conn, w, session)

	g.hub.Disconnect(session)
	_ = conn.Close(websocket.StatusNormalClosure, "closed")
	return nil
}

type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) write(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.conn.Write(writeCtx, websocket.MessageText, data)
}

// credentialFromRequest pulls the session credential from the handshake:
// ?token= for browser clients, Authorization bearer as a fallback.
func credentialFromRequest(c echo.Context) string {
	if token := c.QueryParam("token"); token != "" {
		return token
	}
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func (g *Gateway) writeLoop(ctx context.Context, w *connWriter, s *Session, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.Out():
			if !ok {
				return
			}
			if err := w.write(ctx, data); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, w *connWriter, s *Session) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := sonic.ConfigStd.Unmarshal(data, &msg); err != nil {
			g.logger.WithField("user", s.identity.UserID).Debug("unparseable client frame dropped")
			continue
		}
		switch msg.Event {
		case EventJoinBoard:
			g.handleJoin(ctx, w, s, msg.BoardID)
		case EventLeaveBoard:
			g.handleLeave(ctx, w, s, msg.BoardID)
		default:
			g.writeAck(ctx, w, ack{Event: msg.Event, OK: false, Reason: "unknown event"})
		}
	}
}

// handleJoin runs the membership gate. Denial is an expected outcome and is
// acknowledged, not errored; the connection stays open either way.
func (g *Gateway) handleJoin(ctx context.Context, w *connWriter, s *Session, boardID string) {
	if boardID == "" {
		g.writeAck(ctx, w, ack{Event: EventJoinBoard, OK: false, Reason: "missing boardId"})
		return
	}
	member, err := g.membership.HasMembership(ctx, s.identity.UserID, boardID)
	if err != nil {
		g.logger.WithFields(log.Fields{"user": s.identity.UserID, "board": boardID}).Errorf("membership check: %v", err)
		g.writeAck(ctx, w, ack{Event: EventJoinBoard, OK: false, Reason: "membership check failed"})
		return
	}
	if !member {
		g.writeAck(ctx, w, ack{Event: EventJoinBoard, OK: false, Reason: "not a board member"})
		return
	}
	room := BoardRoom(boardID)
	g.hub.Join(s, room)
	g.writeAck(ctx, w, ack{Event: EventJoinBoard, OK: true, Room: room})
}

// handleLeave is unconditional: no membership check, leaving an unjoined
// room still acks success.
func (g *Gateway) handleLeave(ctx context.Context, w *connWriter, s *Session, boardID string) {
	room := BoardRoom(boardID)
	g.hub.Leave(s, room)
	g.writeAck(ctx, w, ack{Event: EventLeaveBoard, OK: true, Room: room})
}

// writeAck responds directly on the shared writer, bypassing the session
// queue, so an ack cannot be dropped by broadcast backpressure.
func (g *Gateway) writeAck(ctx context.Context, w *connWriter, a ack) {
	data, err := sonic.ConfigStd.Marshal(a)
	if err != nil {
		g.logger.Errorf("marshal ack: %v", err)
		return
	}
	if err := w.write(ctx, data); err != nil {
		g.logger.WithField("event", a.Event).Debug("ack write failed")
	}
}
