package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"huddle/internal/client/media"
	"huddle/internal/client/peermgr"
	"huddle/internal/infrastructure/signal"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Participant is the client's view of one remote room member.
type Participant struct {
	UserID       string
	Username     string
	ConnectionID string
}

// ChatMessage is one entry of the locally observed chat log.
type ChatMessage struct {
	UserID    string
	Username  string
	Text      string
	Timestamp time.Time
}

// Events are optional observer callbacks for the UI layer. They fire on
// the read-loop goroutine and must not block.
type Events struct {
	OnParticipantJoined  func(Participant)
	OnParticipantLeft    func(Participant)
	OnChatMessage        func(ChatMessage)
	OnAudioStreamStarted func(Participant)
	OnAudioStreamEnded   func(Participant)
	OnError              func(code, message string)
}

// SessionClient drives one user's session: it owns the local media
// composition, the persistent signaling connection and the peer manager,
// and maintains the locally observed participant and chat view.
type SessionClient struct {
	url    string
	source media.Source
	events Events
	logger *zap.SugaredLogger

	mgr *peermgr.Manager

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu           sync.Mutex
	connID       string
	self         Participant
	participants []Participant
	chatLog      []ChatMessage
	generation   uint64

	welcomeCh   chan struct{}
	welcomeOnce sync.Once
	done        chan struct{}
	closeOnce   sync.Once
}

func NewSessionClient(url string, factory peermgr.LinkFactory, sink peermgr.RemoteSink, source media.Source, events Events, logger *zap.Logger) *SessionClient {
	c := &SessionClient{
		url:       url,
		source:    source,
		events:    events,
		logger:    logger.Sugar(),
		welcomeCh: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.mgr = peermgr.NewManager(c, factory, sink, logger)
	return c
}

// Connect dials the signaling endpoint, waits for the server-assigned
// connection id and publishes the initial media composition.
func (c *SessionClient) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial signaling server: %w", err)
	}
	c.conn = conn
	go c.readLoop()

	select {
	case <-c.welcomeCh:
	case <-ctx.Done():
		conn.Close()
		return fmt.Errorf("no welcome from signaling server: %w", ctx.Err())
	case <-c.done:
		return fmt.Errorf("connection closed before welcome")
	}

	comp, err := c.acquire(ctx, c.source)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to acquire local media: %w", err)
	}

	c.mu.Lock()
	connID := c.connID
	c.mu.Unlock()
	c.mgr.SetLocalID(connID)
	c.mgr.SetComposition(comp)
	return nil
}

// Join enters a room. The resulting participant snapshot and broadcasts
// arrive asynchronously through the read loop.
func (c *SessionClient) Join(roomCode, username string) error {
	return c.sendEvent(signal.EventJoin, signal.JoinPayload{
		RoomCode: roomCode,
		Username: username,
	})
}

// SendChat broadcasts a chat message to the room, sender included.
func (c *SessionClient) SendChat(text string) error {
	return c.sendEvent(signal.EventSendMessage, signal.ChatPayload{Message: text})
}

// AnnounceAudioStart notifies the room that this client started an
// audio-only broadcast.
func (c *SessionClient) AnnounceAudioStart() error {
	return c.sendEvent(signal.EventAudioStreamStart, nil)
}

// AnnounceAudioEnd is the counterpart of AnnounceAudioStart.
func (c *SessionClient) AnnounceAudioEnd() error {
	return c.sendEvent(signal.EventAudioStreamEnd, nil)
}

// ReplaceMedia acquires a new composition from the given source (camera
// or screen) and swaps it into every live peer link. A failed acquire
// leaves the current composition untouched; a failed in-place swap is
// recovered by the manager's all-peer rebuild and reported back.
func (c *SessionClient) ReplaceMedia(ctx context.Context, source media.Source) error {
	c.mu.Lock()
	c.generation++
	generation := c.generation
	c.mu.Unlock()

	comp, err := source.Acquire(ctx, generation)
	if err != nil {
		return fmt.Errorf("failed to acquire media: %w", err)
	}

	c.mu.Lock()
	c.source = source
	c.mu.Unlock()

	if err := c.mgr.ReplaceComposition(comp); err != nil {
		c.logger.Warnw("composition swap fell back to rebuild", "error", err)
		return err
	}
	return nil
}

// Leave departs the room and tears down every peer link.
func (c *SessionClient) Leave() error {
	err := c.sendEvent(signal.EventLeaveRoom, nil)
	c.mgr.CloseAll()
	return err
}

// Close leaves, drops the connection and releases the media source.
func (c *SessionClient) Close() error {
	c.closeOnce.Do(func() {
		c.mgr.CloseAll()
		if c.conn != nil {
			c.conn.Close()
		}
		c.source.Close()
		close(c.done)
	})
	return nil
}

// ConnectionID returns the server-assigned connection id, once welcomed.
func (c *SessionClient) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Self returns this client's own participant record, set at join.
func (c *SessionClient) Self() Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Participants returns a copy of the current remote participant view.
func (c *SessionClient) Participants() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Participant, len(c.participants))
	copy(out, c.participants)
	return out
}

// ChatLog returns a copy of the locally observed chat log.
func (c *SessionClient) ChatLog() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatMessage, len(c.chatLog))
	copy(out, c.chatLog)
	return out
}

// PeerManager exposes the manager for state inspection.
func (c *SessionClient) PeerManager() *peermgr.Manager {
	return c.mgr
}

// SendOffer implements peermgr.Signaler.
func (c *SessionClient) SendOffer(to string, sdp webrtc.SessionDescription) error {
	return c.sendRelay(signal.EventOffer, to, sdp)
}

// SendAnswer implements peermgr.Signaler.
func (c *SessionClient) SendAnswer(to string, sdp webrtc.SessionDescription) error {
	return c.sendRelay(signal.EventAnswer, to, sdp)
}

// SendCandidate implements peermgr.Signaler.
func (c *SessionClient) SendCandidate(to string, candidate webrtc.ICECandidateInit) error {
	return c.sendRelay(signal.EventICECandidate, to, candidate)
}

func (c *SessionClient) sendRelay(eventType, to string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.sendEvent(eventType, signal.RelayPayload{To: to, Data: raw})
}

func (c *SessionClient) sendEvent(eventType string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(signal.Envelope{Type: eventType, Payload: raw})
}

func (c *SessionClient) acquire(ctx context.Context, source media.Source) (*media.Composition, error) {
	c.mu.Lock()
	c.generation++
	generation := c.generation
	c.mu.Unlock()
	return source.Acquire(ctx, generation)
}

func (c *SessionClient) readLoop() {
	defer c.Close()

	for {
		var env signal.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.logger.Debugw("signaling read loop ended", "error", err)
			return
		}
		if err := c.handleEvent(env); err != nil {
			c.logger.Warnw("failed to apply event", "type", env.Type, "error", err)
		}
	}
}

func (c *SessionClient) handleEvent(env signal.Envelope) error {
	switch env.Type {
	case signal.EventWelcome:
		var p signal.WelcomePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.mu.Lock()
		c.connID = p.ConnectionID
		c.mu.Unlock()
		c.welcomeOnce.Do(func() { close(c.welcomeCh) })
		return nil

	case signal.EventExistingParticipants:
		var p signal.ExistingParticipantsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		return c.applySnapshot(p)

	case signal.EventUserJoined:
		var p signal.UserJoinedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.applyUserJoined(p)
		return nil

	case signal.EventUserLeft:
		var p signal.UserLeftPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.applyUserLeft(p)
		return nil

	case signal.EventReceiveMessage:
		var p signal.ReceiveMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		msg := ChatMessage{UserID: p.UserID, Username: p.Username, Text: p.Message, Timestamp: p.Timestamp}
		c.mu.Lock()
		c.chatLog = append(c.chatLog, msg)
		c.mu.Unlock()
		if c.events.OnChatMessage != nil {
			c.events.OnChatMessage(msg)
		}
		return nil

	case signal.EventOffer, signal.EventAnswer, signal.EventICECandidate:
		return c.applyRelay(env.Type, env.Payload)

	case signal.EventAudioStreamStarted, signal.EventAudioStreamEnded:
		var p signal.AudioStreamPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		participant := Participant{UserID: p.UserID, Username: p.Username}
		if env.Type == signal.EventAudioStreamStarted && c.events.OnAudioStreamStarted != nil {
			c.events.OnAudioStreamStarted(participant)
		}
		if env.Type == signal.EventAudioStreamEnded && c.events.OnAudioStreamEnded != nil {
			c.events.OnAudioStreamEnded(participant)
		}
		return nil

	case signal.EventError:
		var p signal.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		c.logger.Warnw("server error", "code", p.Code, "message", p.Message)
		if c.events.OnError != nil {
			c.events.OnError(p.Code, p.Message)
		}
		return nil

	default:
		// Unknown events are safely ignored; newer servers may emit more.
		c.logger.Debugw("ignoring unknown event", "type", env.Type)
		return nil
	}
}

// applySnapshot seeds the participant view from the join reply. Peers in
// the snapshot were present first: they initiate, this side responds.
func (c *SessionClient) applySnapshot(p signal.ExistingParticipantsPayload) error {
	c.mu.Lock()
	c.self = Participant{UserID: p.Self.UserID, Username: p.Self.Username, ConnectionID: p.Self.ConnectionID}

	c.participants = c.participants[:0]
	remoteIDs := make([]string, 0, len(p.Participants))
	for _, info := range p.Participants {
		if info.ConnectionID == p.Self.ConnectionID {
			continue
		}
		c.participants = append(c.participants, Participant{
			UserID:       info.UserID,
			Username:     info.Username,
			ConnectionID: info.ConnectionID,
		})
		remoteIDs = append(remoteIDs, info.ConnectionID)
	}
	c.mu.Unlock()

	c.mgr.HandleExistingParticipants(remoteIDs)
	return nil
}

// applyUserJoined reacts to a live join broadcast; the newly announced
// peer is negotiated from this side.
func (c *SessionClient) applyUserJoined(p signal.UserJoinedPayload) {
	c.mu.Lock()
	if p.ConnectionID == c.connID {
		c.mu.Unlock()
		return
	}
	for _, existing := range c.participants {
		if existing.ConnectionID == p.ConnectionID {
			c.mu.Unlock()
			return
		}
	}
	participant := Participant{UserID: p.UserID, Username: p.Username, ConnectionID: p.ConnectionID}
	c.participants = append(c.participants, participant)
	c.mu.Unlock()

	c.mgr.HandleUserJoined(p.ConnectionID)
	if c.events.OnParticipantJoined != nil {
		c.events.OnParticipantJoined(participant)
	}
}

func (c *SessionClient) applyUserLeft(p signal.UserLeftPayload) {
	c.mu.Lock()
	var left Participant
	for i, existing := range c.participants {
		if existing.ConnectionID == p.ConnectionID {
			left = existing
			c.participants = append(c.participants[:i], c.participants[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.mgr.ClosePeer(p.ConnectionID)
	if c.events.OnParticipantLeft != nil && left.ConnectionID != "" {
		c.events.OnParticipantLeft(left)
	}
}

func (c *SessionClient) applyRelay(eventType string, raw json.RawMessage) error {
	var p signal.RelayPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}

	switch eventType {
	case signal.EventOffer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(p.Data, &sdp); err != nil {
			return err
		}
		return c.mgr.HandleOffer(p.From, sdp)
	case signal.EventAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(p.Data, &sdp); err != nil {
			return err
		}
		return c.mgr.HandleAnswer(p.From, sdp)
	default:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(p.Data, &candidate); err != nil {
			return err
		}
		return c.mgr.HandleCandidate(p.From, candidate)
	}
}
