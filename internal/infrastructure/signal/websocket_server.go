package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Metrics is the subset of the monitoring collector the session server
// reports into.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	ParticipantJoined()
	ParticipantLeft()
	RoomActivated()
	RoomEmptied()
	ChatMessageSent()
	PayloadRelayed(payloadType string)
}

// Options carries the transport tuning for the session server.
type Options struct {
	AllowedOrigin     string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	SendBuffer        int
	RateLimitEnabled  bool
	MessagesPerSecond float64
	Burst             int
}

// DefaultOptions returns transport tuning for local development.
func DefaultOptions() Options {
	return Options{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 * 1024,
		SendBuffer:        32,
		RateLimitEnabled:  false,
		MessagesPerSecond: 50,
		Burst:             100,
	}
}

// SessionServer owns all signaling connections: it translates inbound
// protocol events into room registry operations, maintains room-scoped
// broadcast groups, and relays negotiation payloads verbatim between
// named connections.
type SessionServer struct {
	registry ports.RoomRegistry
	metrics  Metrics
	opts     Options

	sessions map[domain.ConnectionID]*session
	rooms    map[domain.RoomCode]map[domain.ConnectionID]*session
	mu       sync.RWMutex

	// eventMu serializes room-mutating events (join, leave, chat) so that
	// registry mutation, snapshot and broadcast for one event complete
	// before the next is admitted. Relay events bypass it; they are
	// stateless forwarding.
	eventMu sync.Mutex

	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

func NewSessionServer(registry ports.RoomRegistry, metrics Metrics, opts Options, logger *zap.Logger) *SessionServer {
	s := &SessionServer{
		registry: registry,
		metrics:  metrics,
		opts:     opts,
		sessions: make(map[domain.ConnectionID]*session),
		rooms:    make(map[domain.RoomCode]map[domain.ConnectionID]*session),
		logger:   logger.Sugar(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if opts.AllowedOrigin == "" || opts.AllowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == opts.AllowedOrigin
		},
	}
	return s
}

// HandleWebSocket upgrades the connection, assigns it a connection id and
// runs the per-connection event loop until the transport drops.
func (s *SessionServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	connID := domain.ConnectionID(utils.GenerateConnectionID())

	var limiter *rate.Limiter
	if s.opts.RateLimitEnabled {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}
	sess := newSession(connID, conn, s.opts.SendBuffer, limiter, s.logger)

	s.mu.Lock()
	s.sessions[connID] = sess
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
	s.logger.Infow("connection opened", "connection_id", connID)

	conn.SetReadLimit(s.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	go sess.writePump(s.opts.PingInterval, s.opts.WriteTimeout)

	sess.trySend(Message{Type: EventWelcome, Payload: WelcomePayload{ConnectionID: string(connID)}})

	s.readLoop(sess)
	s.disconnect(sess)
}

func (s *SessionServer) readLoop(sess *session) {
	for {
		var env Envelope
		if err := sess.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("read failed", "connection_id", sess.id, "error", err)
			}
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		if sess.limiter != nil && !sess.limiter.Allow() {
			sess.sendError(ErrCodeRateLimited, "too many messages")
			continue
		}

		// Handler errors are reported to the originating connection only;
		// one connection's bad event never disturbs the relay for others.
		if err := s.handleEvent(context.Background(), sess, env); err != nil {
			s.logger.Debugw("event rejected", "connection_id", sess.id, "type", env.Type, "error", err)
		}
	}
}

func (s *SessionServer) handleEvent(ctx context.Context, sess *session, env Envelope) error {
	switch env.Type {
	case EventJoin:
		return s.handleJoin(ctx, sess, env.Payload)
	case EventOffer, EventAnswer, EventICECandidate:
		return s.handleRelay(sess, env.Type, env.Payload)
	case EventSendMessage:
		return s.handleChat(ctx, sess, env.Payload)
	case EventLeaveRoom:
		return s.handleLeave(ctx, sess)
	case EventAudioStreamStart:
		return s.handleAudioStream(sess, EventAudioStreamStarted)
	case EventAudioStreamEnd:
		return s.handleAudioStream(sess, EventAudioStreamEnded)
	default:
		sess.sendError(ErrCodeUnknownEvent, fmt.Sprintf("unknown event type: %s", env.Type))
		return fmt.Errorf("unknown event type %q", env.Type)
	}
}

func (s *SessionServer) handleJoin(ctx context.Context, sess *session, raw json.RawMessage) error {
	var payload JoinPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		sess.sendError(ErrCodeInvalidPayload, "malformed join payload")
		return err
	}
	if payload.RoomCode == "" || payload.Username == "" {
		sess.sendError(ErrCodeInvalidPayload, "room code and username required")
		return fmt.Errorf("missing join fields")
	}

	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	// Checked under eventMu so a connection cannot register twice.
	if sess.isJoined() {
		sess.sendError(ErrCodeInvalidPayload, "already joined")
		return fmt.Errorf("connection %s joined twice", sess.id)
	}

	code := domain.RoomCode(payload.RoomCode)
	userID := domain.UserID(utils.GenerateUserID())

	room, err := s.registry.AddParticipant(ctx, code, userID, payload.Username, sess.id)
	if err != nil {
		sess.sendError(ErrCodeRoomNotFound, "room not found")
		return err
	}

	sess.markJoined(code, userID, payload.Username)

	s.mu.Lock()
	group, exists := s.rooms[code]
	if !exists {
		group = make(map[domain.ConnectionID]*session)
		s.rooms[code] = group
	}
	group[sess.id] = sess
	s.mu.Unlock()

	s.metrics.ParticipantJoined()
	if room.ParticipantCount() == 1 {
		s.metrics.RoomActivated()
	}

	// The snapshot reply goes on the joiner's FIFO send queue before any
	// user-joined broadcast a later join can produce: both happen under
	// eventMu, so the snapshot never includes (nor misses) a racing join.
	snapshot := make([]ParticipantInfo, 0, room.ParticipantCount())
	for _, p := range room.Participants {
		snapshot = append(snapshot, participantInfo(p))
	}
	self := ParticipantInfo{
		UserID:       string(userID),
		Username:     payload.Username,
		ConnectionID: string(sess.id),
	}
	sess.trySend(Message{Type: EventExistingParticipants, Payload: ExistingParticipantsPayload{
		Self:         self,
		Participants: snapshot,
	}})

	s.broadcast(code, Message{Type: EventUserJoined, Payload: UserJoinedPayload{
		ParticipantInfo:  self,
		ParticipantCount: room.ParticipantCount(),
	}}, sess.id)

	s.logger.Infow("participant joined",
		"room_code", code,
		"user_id", userID,
		"username", payload.Username,
		"connection_id", sess.id,
		"participants", room.ParticipantCount(),
	)
	return nil
}

// handleRelay forwards a negotiation payload verbatim to the target
// connection, stamping the sender's connection id. The relay never
// inspects the payload contents; a missing target drops the payload
// silently.
func (s *SessionServer) handleRelay(sess *session, eventType string, raw json.RawMessage) error {
	if _, _, _, ok := sess.joinContext(); !ok {
		sess.sendError(ErrCodeNotJoined, "join a room before signaling")
		return fmt.Errorf("relay before join")
	}

	var payload RelayPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		sess.sendError(ErrCodeInvalidPayload, "malformed relay payload")
		return err
	}
	if payload.To == "" {
		sess.sendError(ErrCodeInvalidPayload, "relay target required")
		return fmt.Errorf("relay without target")
	}

	s.mu.RLock()
	target, exists := s.sessions[domain.ConnectionID(payload.To)]
	s.mu.RUnlock()
	if !exists {
		s.logger.Debugw("relay target gone, dropping payload",
			"type", eventType, "from", sess.id, "to", payload.To)
		return nil
	}

	target.trySend(Message{Type: eventType, Payload: RelayPayload{
		From: string(sess.id),
		Data: payload.Data,
	}})
	s.metrics.PayloadRelayed(eventType)
	return nil
}

func (s *SessionServer) handleChat(ctx context.Context, sess *session, raw json.RawMessage) error {
	code, userID, username, ok := sess.joinContext()
	if !ok {
		sess.sendError(ErrCodeNotJoined, "join a room before chatting")
		return fmt.Errorf("chat before join")
	}

	var payload ChatPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		sess.sendError(ErrCodeInvalidPayload, "malformed chat payload")
		return err
	}
	if payload.Message == "" {
		sess.sendError(ErrCodeInvalidPayload, "message text required")
		return domain.ErrEmptyMessage
	}

	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	if _, err := s.registry.AppendMessage(ctx, code, userID, username, payload.Message); err != nil {
		sess.sendError(ErrCodeRoomNotFound, "room not found")
		return err
	}
	s.metrics.ChatMessageSent()

	s.broadcast(code, Message{Type: EventReceiveMessage, Payload: ReceiveMessagePayload{
		UserID:    string(userID),
		Username:  username,
		Message:   payload.Message,
		Timestamp: time.Now(),
	}}, "")
	return nil
}

func (s *SessionServer) handleLeave(ctx context.Context, sess *session) error {
	// Leaving before joining is a no-op by design.
	if !sess.markLeft() {
		return nil
	}
	s.removeFromRoom(ctx, sess)
	return nil
}

func (s *SessionServer) handleAudioStream(sess *session, eventType string) error {
	code, userID, username, ok := sess.joinContext()
	if !ok {
		sess.sendError(ErrCodeNotJoined, "join a room first")
		return fmt.Errorf("audio stream event before join")
	}

	s.broadcast(code, Message{Type: eventType, Payload: AudioStreamPayload{
		UserID:   string(userID),
		Username: username,
	}}, "")
	return nil
}

// disconnect applies leave-room semantics when the transport drops
// without an explicit leave, then unregisters the connection.
func (s *SessionServer) disconnect(sess *session) {
	if sess.markLeft() {
		s.removeFromRoom(context.Background(), sess)
	}

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	sess.close()
	s.metrics.ConnectionClosed()
	s.logger.Infow("connection closed", "connection_id", sess.id)
}

// removeFromRoom performs the registry removal and the user-left
// broadcast under the event mutex. The caller must have won markLeft.
func (s *SessionServer) removeFromRoom(ctx context.Context, sess *session) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	// Join-scoped fields are immutable once set; read them directly since
	// joinContext refuses reads after markLeft.
	sess.mu.Lock()
	code, userID, username := sess.roomCode, sess.userID, sess.username
	sess.mu.Unlock()

	room, _, err := s.registry.RemoveParticipant(ctx, code, sess.id)
	if err != nil {
		s.logger.Debugw("remove participant skipped", "room_code", code, "connection_id", sess.id, "error", err)
		return
	}

	s.mu.Lock()
	if group, exists := s.rooms[code]; exists {
		delete(group, sess.id)
		if len(group) == 0 {
			delete(s.rooms, code)
		}
	}
	s.mu.Unlock()

	s.metrics.ParticipantLeft()
	if room.ParticipantCount() == 0 {
		s.metrics.RoomEmptied()
	}

	s.broadcast(code, Message{Type: EventUserLeft, Payload: UserLeftPayload{
		ParticipantInfo: ParticipantInfo{
			UserID:       string(userID),
			Username:     username,
			ConnectionID: string(sess.id),
		},
		ParticipantCount: room.ParticipantCount(),
	}}, "")

	s.logger.Infow("participant left",
		"room_code", code,
		"user_id", userID,
		"connection_id", sess.id,
		"participants", room.ParticipantCount(),
	)
}

// broadcast queues a message for every session in the room's group,
// except the excluded connection id (empty string excludes nobody).
func (s *SessionServer) broadcast(code domain.RoomCode, msg Message, exclude domain.ConnectionID) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, member := range s.rooms[code] {
		if exclude != "" && id == exclude {
			continue
		}
		member.trySend(msg)
	}
}

// ConnectionCount reports the number of open signaling connections.
func (s *SessionServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func participantInfo(p domain.Participant) ParticipantInfo {
	return ParticipantInfo{
		UserID:       string(p.UserID),
		Username:     p.Username,
		ConnectionID: string(p.ConnectionID),
	}
}
