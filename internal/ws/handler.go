// Package ws serves the client websocket. Each connection is authenticated
// before the upgrade, registered with presence, and then translates client
// frames into room messages.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/DoyleJ11/league-live/internal/auth"
	"github.com/DoyleJ11/league-live/internal/hub"
	"github.com/DoyleJ11/league-live/internal/lobby"
	"github.com/DoyleJ11/league-live/internal/presence"
	"github.com/DoyleJ11/league-live/internal/ratelimit"
	"github.com/DoyleJ11/league-live/internal/telemetry"
	"github.com/DoyleJ11/league-live/internal/types"
	wire "github.com/DoyleJ11/league-live/pkg/types"
)

const (
	maxFrameBytes     = 16 << 10
	defaultBuffer     = 64
	leaveTimeout      = time.Second
	defaultReadWindow = 2 * presence.DefaultHeartbeatInterval
)

type Config struct {
	Hub      *hub.Hub
	Verifier auth.Verifier
	Presence *presence.Registry
	Limiter  *ratelimit.Limiter
	Logger   *zap.Logger

	// ReadTimeout closes a connection that sends nothing for this long.
	ReadTimeout    time.Duration
	OutboundBuffer int
	OriginPatterns []string
	Now            func() time.Time
}

type Server struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadWindow
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = defaultBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("component", "ws")),
		sessions: make(map[string]*session),
	}
}

// Sessions reports how many connections are open.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Reap closes the socket of a connection the presence reaper declared dead.
func (s *Server) Reap(conn presence.Connection) {
	s.mu.Lock()
	sess, ok := s.sessions[conn.TransportSessionID]
	s.mu.Unlock()
	if ok {
		sess.close(websocket.StatusGoingAway, "heartbeat timeout")
	}
}

// Close disconnects every open connection. http.Server.Shutdown does not
// wait for hijacked connections, so it is registered with RegisterOnShutdown.
func (s *Server) Close() {
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := s.cfg.Verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		s.logger.Debug("connection refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sess := newSession(uuid.NewString(), identity, conn, s.cfg.OutboundBuffer, s.logger)
	if _, err := s.cfg.Presence.Connect(identity, sess.id); err != nil {
		sess.logger.Error("presence connect failed", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "presence unavailable")
		return
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	sess.logger.Info("connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer s.cleanup(sess)

	go sess.writeLoop(ctx)
	s.readLoop(ctx, sess)
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

func (s *Server) readLoop(ctx context.Context, sess *session) {
	for {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		_, data, err := sess.conn.Read(rctx)
		cancel()
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				sess.logger.Debug("read ended", zap.Error(err))
			}
			return
		}
		_ = s.cfg.Presence.Touch(sess.id)

		var msg types.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.sendError("", fmt.Errorf("%w: malformed frame", lobby.ErrInvalidMessage))
			continue
		}
		s.handle(ctx, sess, msg)
	}
}

// cleanup leaves every joined room and drops the presence session. A room
// that already stopped has nothing to leave.
func (s *Server) cleanup(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	for roomID := range sess.rooms {
		s.leave(sess, roomID)
	}
	if _, err := s.cfg.Presence.Disconnect(sess.id); err != nil && !errors.Is(err, presence.ErrUnknownSession) {
		sess.logger.Warn("presence disconnect failed", zap.Error(err))
	}
	sess.close(websocket.StatusNormalClosure, "bye")
	sess.logger.Info("disconnected")
}

func (s *Server) leave(sess *session, roomID string) {
	delete(sess.rooms, roomID)
	r, ok := s.cfg.Hub.Lookup(roomID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := r.Send(ctx, lobby.Leave{SessionID: sess.id}); err != nil && !errors.Is(err, lobby.ErrRoomClosed) {
		sess.logger.Warn("leave not delivered", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (s *Server) handle(ctx context.Context, sess *session, msg types.ClientMessage) {
	ctx, span := telemetry.Tracer().Start(ctx, "ws "+msg.Type,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("league_live.identity_id", sess.identity.ID),
			attribute.String("league_live.session_id", sess.id),
		),
	)
	defer span.End()

	var err error
	if msg.Type != wire.PresenceHeartbeat && !s.cfg.Limiter.Allow(sess.identity.ID, s.cfg.Now()) {
		err = ratelimit.ErrRateLimited
	} else {
		err = s.dispatch(ctx, sess, msg)
	}
	if err == nil {
		return
	}

	code := ErrorCode(err)
	span.SetAttributes(attribute.String("league_live.error_code", code))
	if code == CodeInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		sess.logger.Error("action failed", zap.String("type", msg.Type), zap.Error(err))
	}
	sess.sendError(msg.RequestID, err)
}

func (s *Server) dispatch(ctx context.Context, sess *session, msg types.ClientMessage) error {
	switch msg.Type {
	case wire.RoomJoin:
		var p wire.RoomJoinPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return s.join(ctx, sess, p)

	case wire.RoomLeave:
		var p wire.RoomLeavePayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		if _, ok := sess.rooms[p.RoomID]; ok {
			s.leave(sess, p.RoomID)
		}
		return nil

	case wire.DraftPick:
		var p wire.DraftPickPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		if !sess.identity.MemberOf(p.DraftID) {
			return lobby.ErrNotMember
		}
		return s.cfg.Hub.Pick(ctx, p.DraftID, sess.identity, p.SelectionID)

	case wire.ChatSend:
		var p wire.ChatSendPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return s.ask(ctx, sess, p.RoomID, func(reply chan error) lobby.Msg {
			return lobby.SendChat{Identity: sess.identity, Body: p.Body, Reply: reply}
		})

	case wire.ChatReact:
		var p wire.ChatReactPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return s.ask(ctx, sess, p.RoomID, func(reply chan error) lobby.Msg {
			return lobby.React{Identity: sess.identity, MessageID: p.MessageID, Emoji: p.Emoji, Reply: reply}
		})

	case wire.PresenceHeartbeat:
		ack := types.ServerMessage{Type: wire.PresenceAck, RequestID: msg.RequestID}
		sess.deliver(ack)
		return nil

	default:
		return fmt.Errorf("%w: unknown message type %q", lobby.ErrInvalidMessage, msg.Type)
	}
}

func (s *Server) join(ctx context.Context, sess *session, p wire.RoomJoinPayload) error {
	if !sess.identity.MemberOf(p.RoomID) {
		return lobby.ErrNotMember
	}
	err := s.cfg.Hub.With(ctx, p.RoomID, func(r *lobby.Room) error {
		return lobby.Ask(ctx, r, func(reply chan error) lobby.Msg {
			return lobby.Join{
				SessionID:    sess.id,
				Identity:     sess.identity,
				Deliver:      sess.deliver,
				HistoryLimit: p.HistoryLimit,
				Reply:        reply,
			}
		})
	})
	if err != nil {
		return err
	}
	sess.rooms[p.RoomID] = struct{}{}
	_ = s.cfg.Presence.SetActiveRoom(sess.id, p.RoomID)
	return nil
}

// ask sends an action to a room the identity belongs to. Membership is
// checked here so a stranger cannot create rooms by naming them.
func (s *Server) ask(ctx context.Context, sess *session, roomID string, build func(reply chan error) lobby.Msg) error {
	if !sess.identity.MemberOf(roomID) {
		return lobby.ErrNotMember
	}
	return s.cfg.Hub.With(ctx, roomID, func(r *lobby.Room) error {
		return lobby.Ask(ctx, r, build)
	})
}

func decode(msg types.ClientMessage, v any) error {
	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", lobby.ErrInvalidMessage, err)
	}
	return nil
}
