package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/auth"
	"github.com/courier-chat/courier/internal/directory"
	"github.com/courier-chat/courier/internal/history"
	"github.com/courier-chat/courier/internal/registry"
	"github.com/courier-chat/courier/internal/router"
	"github.com/courier-chat/courier/pkg/wire"
)

// RelayOptions configures observability and transport limits.
type RelayOptions struct {
	Metrics      *relayMetrics
	ReadLimit    int64
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

// RelayService owns the websocket side of the relay: authentication on
// upgrade, the per-connection read loop, presence announcements and frame
// dispatch into the router.
type RelayService struct {
	log      *zap.Logger
	resolver *auth.Resolver
	registry *registry.Registry
	subs     *registry.Subscriptions
	router   *router.Router
	history  *history.Service
	dir      *directory.Directory
	metrics  *relayMetrics
	upgrader websocket.Upgrader

	readLimit    int64
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
}

// NewRelayService wires dependencies for the websocket handler.
func NewRelayService(log *zap.Logger, resolver *auth.Resolver, reg *registry.Registry, subs *registry.Subscriptions, rt *router.Router, hist *history.Service, dir *directory.Directory, opts RelayOptions) *RelayService {
	svc := &RelayService{
		log:          log,
		resolver:     resolver,
		registry:     reg,
		subs:         subs,
		router:       rt,
		history:      hist,
		dir:          dir,
		metrics:      opts.Metrics,
		readLimit:    opts.ReadLimit,
		pingInterval: opts.PingInterval,
		pongTimeout:  opts.PongTimeout,
		writeTimeout: opts.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if svc.readLimit <= 0 {
		svc.readLimit = 1 << 20
	}
	if svc.pingInterval <= 0 {
		svc.pingInterval = 30 * time.Second
	}
	if svc.pongTimeout <= 0 {
		svc.pongTimeout = 60 * time.Second
	}
	if svc.writeTimeout <= 0 {
		svc.writeTimeout = 5 * time.Second
	}
	return svc
}

// routeError is a frame-level failure reported back to the client. Fatal
// errors also terminate the connection.
type routeError struct {
	code  string
	msg   string
	fatal bool
}

func (e *routeError) Error() string {
	return e.msg
}

// HandleWS authenticates the request, upgrades it and runs the connection
// until the client goes away or a fatal frame error occurs.
func (s *RelayService) HandleWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolver.Resolve(credentialFrom(r))
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn, first, err := s.registry.Connect(user.ID, user.Nickname)
	if err != nil {
		// At capacity. Tell the client before closing.
		_ = ws.WriteJSON(wire.ErrorFrame("REGISTRY_FULL", "relay at connection capacity"))
		_ = ws.Close()
		return
	}
	s.metrics.incConnection()

	go s.writer(ws, conn)

	defer func() {
		last := s.registry.Disconnect(conn)
		s.metrics.decConnection()
		_ = ws.Close()
		if last {
			s.announcePresence(user, "offline")
		}
	}()

	if err := conn.Push(wire.Frame{Type: wire.TypeWelcome, UserID: user.ID, Nickname: user.Nickname}); err != nil {
		return
	}
	if first {
		s.announcePresence(user, "online")
	}

	ws.SetReadLimit(s.readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})

	for {
		var frame wire.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("websocket read failed", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}

		start := time.Now()
		err := s.dispatch(conn, frame)
		s.observe(frame.Type, start, err)
		if err != nil {
			var rerr *routeError
			if errors.As(err, &rerr) {
				if pushErr := conn.Push(wire.ErrorFrame(rerr.code, rerr.msg)); pushErr != nil {
					return
				}
				if rerr.fatal {
					return
				}
				continue
			}
			return
		}
	}
}

// writer drains the connection's outbound queue to the socket. It owns all
// socket writes after the handshake; pings share its goroutine so writes
// never interleave.
func (s *RelayService) writer(ws *websocket.Conn, conn *registry.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Context().Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.writeTimeout))
			// Unblocks the read loop for server-initiated teardown.
			_ = ws.Close()
			return
		case frame := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := ws.WriteJSON(frame); err != nil {
				s.log.Warn("websocket write failed", zap.String("conn_id", conn.ID()), zap.Error(err))
				// Closing the socket fails the read loop, whose deferred
				// teardown owns the Disconnect and the offline broadcast.
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

func (s *RelayService) dispatch(conn *registry.Conn, frame wire.Frame) error {
	switch frame.Type {
	case wire.TypeJoin:
		return s.handleJoin(conn, frame)
	case wire.TypeLeave:
		return s.handleLeave(conn, frame)
	case wire.TypeSend:
		return s.handleSend(conn, frame)
	default:
		return &routeError{code: "INVALID_FRAME", msg: "unsupported frame type"}
	}
}

func (s *RelayService) handleJoin(conn *registry.Conn, frame wire.Frame) error {
	if frame.RoomID == "" {
		return &routeError{code: "INVALID_FRAME", msg: "room id required"}
	}
	if err := s.subs.Join(conn, frame.RoomID); err != nil {
		return wireError(err)
	}
	// Join succeeded, so the room exists; the kind read cannot miss.
	kind, _ := s.dir.KindOf(frame.RoomID)
	return conn.Push(wire.Frame{Type: wire.TypeJoined, RoomID: frame.RoomID, Kind: string(kind)})
}

func (s *RelayService) handleLeave(conn *registry.Conn, frame wire.Frame) error {
	if frame.RoomID == "" {
		return &routeError{code: "INVALID_FRAME", msg: "room id required"}
	}
	s.subs.Leave(conn, frame.RoomID)
	return conn.Push(wire.Frame{Type: wire.TypeLeft, RoomID: frame.RoomID})
}

func (s *RelayService) handleSend(conn *registry.Conn, frame wire.Frame) error {
	if frame.RoomID == "" {
		return &routeError{code: "INVALID_FRAME", msg: "room id required"}
	}
	if _, err := s.router.Route(conn.Context(), conn, frame.RoomID, frame.Content, frame.LocalRef); err != nil {
		return wireError(err)
	}
	return nil
}

// AnnounceOffline publishes the offline status for an identity whose
// connections were severed outside the websocket teardown path.
func (s *RelayService) AnnounceOffline(user auth.User) {
	s.announcePresence(user, "offline")
}

// announcePresence tells every connected member of the user's rooms that the
// identity changed status. The user's own connections are skipped.
func (s *RelayService) announcePresence(user auth.User, status string) {
	frame := wire.StatusFrame(status, user.ID, user.Nickname)
	seen := make(map[string]struct{})
	for _, room := range s.dir.RoomsFor(user.ID) {
		for _, memberID := range room.Members {
			if memberID == user.ID {
				continue
			}
			for _, c := range s.registry.ConnectionsFor(memberID) {
				if _, ok := seen[c.ID()]; ok {
					continue
				}
				seen[c.ID()] = struct{}{}
				if err := c.Push(frame); err != nil {
					s.log.Debug("presence frame dropped", zap.String("conn_id", c.ID()), zap.Error(err))
				}
			}
		}
	}
}

func (s *RelayService) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	s.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		code := "internal"
		var rerr *routeError
		if errors.As(err, &rerr) && rerr.code != "" {
			code = rerr.code
		}
		s.metrics.recordError(code)
	}
}

// wireError maps domain failures to frame-level error codes.
func wireError(err error) error {
	switch {
	case errors.Is(err, directory.ErrNotAMember):
		return &routeError{code: "NOT_A_MEMBER", msg: "not a member of this room"}
	case errors.Is(err, directory.ErrRoomNotFound):
		return &routeError{code: "ROOM_NOT_FOUND", msg: "room does not exist"}
	case errors.Is(err, router.ErrEmptyMessage):
		return &routeError{code: "EMPTY_MESSAGE", msg: "message content required"}
	case errors.Is(err, router.ErrMessageTooLarge):
		return &routeError{code: "MESSAGE_TOO_LARGE", msg: "message exceeds size limit"}
	case errors.Is(err, registry.ErrSendBufferFull):
		return &routeError{code: "BACKPRESSURE", msg: "connection send buffer full", fatal: true}
	case errors.Is(err, registry.ErrConnClosed):
		return &routeError{code: "CONN_CLOSED", msg: "connection is closing", fatal: true}
	default:
		return &routeError{code: "STORE_ERROR", msg: "message could not be persisted"}
	}
}

func credentialFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
