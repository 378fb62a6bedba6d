package signal

import (
	"sync"
	"time"

	"huddle/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// session is the server-side state of one signaling connection. The
// join-scoped fields (room code, user id, username) are set exactly once
// at a successful join and read by every later event on the connection.
type session struct {
	id      domain.ConnectionID
	conn    *websocket.Conn
	send    chan Message
	limiter *rate.Limiter

	mu       sync.Mutex
	joined   bool
	left     bool
	roomCode domain.RoomCode
	userID   domain.UserID
	username string

	closeOnce sync.Once
	done      chan struct{}

	logger *zap.SugaredLogger
}

func newSession(id domain.ConnectionID, conn *websocket.Conn, sendBuffer int, limiter *rate.Limiter, logger *zap.SugaredLogger) *session {
	return &session{
		id:      id,
		conn:    conn,
		send:    make(chan Message, sendBuffer),
		limiter: limiter,
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// markJoined transitions the session to the joined state. Returns false
// if the session already joined; the transition happens at most once.
func (s *session) markJoined(code domain.RoomCode, userID domain.UserID, username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined {
		return false
	}
	s.joined = true
	s.roomCode = code
	s.userID = userID
	s.username = username
	return true
}

// isJoined reports whether the session ever joined a room, departed or
// not.
func (s *session) isJoined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// joinContext reads the join-scoped fields. ok is false while unjoined or
// after the participant left the room.
func (s *session) joinContext() (code domain.RoomCode, userID domain.UserID, username string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined || s.left {
		return "", "", "", false
	}
	return s.roomCode, s.userID, s.username, true
}

// markLeft flags the participant as departed so a later transport
// disconnect does not remove it twice. Returns false if already left or
// never joined.
func (s *session) markLeft() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined || s.left {
		return false
	}
	s.left = true
	return true
}

// trySend queues a message for the writer pump without blocking. A full
// buffer means the consumer stopped draining; the connection is torn down
// rather than stalling the broadcasting event.
func (s *session) trySend(msg Message) {
	select {
	case s.send <- msg:
	case <-s.done:
	default:
		s.logger.Warnw("send buffer full, dropping connection", "connection_id", s.id)
		s.close()
	}
}

func (s *session) sendError(code, message string) {
	s.trySend(Message{Type: EventError, Payload: ErrorPayload{Code: code, Message: message}})
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// writePump drains the send channel and keeps the connection alive with
// pings. It owns all writes to the underlying connection.
func (s *session) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Debugw("write failed", "connection_id", s.id, "error", err)
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}
