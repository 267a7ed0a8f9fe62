package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/league-live/internal/auth"
	"github.com/DoyleJ11/league-live/internal/types"
	wire "github.com/DoyleJ11/league-live/pkg/types"
)

const writeTimeout = 3 * time.Second

// session is one websocket connection. Room actors hand it events through
// deliver; a single writer goroutine drains them onto the socket.
type session struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	logger   *zap.Logger

	out       chan types.ServerMessage
	closed    chan struct{}
	closeOnce sync.Once

	// rooms is owned by the reader goroutine.
	rooms map[string]struct{}
}

func newSession(id string, identity auth.Identity, conn *websocket.Conn, buffer int, logger *zap.Logger) *session {
	return &session{
		id:       id,
		identity: identity,
		conn:     conn,
		logger:   logger.With(zap.String("session_id", id), zap.String("identity_id", identity.ID)),
		out:      make(chan types.ServerMessage, buffer),
		closed:   make(chan struct{}),
		rooms:    make(map[string]struct{}),
	}
}

// deliver never blocks: a client that cannot keep up is disconnected so the
// room actor is never held back by it.
func (s *session) deliver(msg types.ServerMessage) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.out <- msg:
	default:
		s.logger.Warn("outbound buffer full, closing slow client", zap.String("type", msg.Type))
		s.close(websocket.StatusPolicyViolation, "slow consumer")
	}
}

func (s *session) sendError(requestID string, err error) {
	msg, encErr := types.NewServerMessage(wire.Error, "", wire.ErrorPayload{
		Code:    ErrorCode(err),
		Message: ErrorMessage(err),
	})
	if encErr != nil {
		return
	}
	msg.RequestID = requestID
	s.deliver(msg)
}

// close marks the session closed and closes the socket in the background, so
// callers on a room goroutine do not wait for the close handshake.
func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		go func() { _ = s.conn.Close(code, reason) }()
	})
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case msg := <-s.out:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("encode outbound frame", zap.String("type", msg.Type), zap.Error(err))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = s.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				s.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
