package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/repositories/memory"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()     {}
func (noopMetrics) ConnectionClosed()     {}
func (noopMetrics) ParticipantJoined()    {}
func (noopMetrics) ParticipantLeft()      {}
func (noopMetrics) RoomActivated()        {}
func (noopMetrics) RoomEmptied()          {}
func (noopMetrics) ChatMessageSent()      {}
func (noopMetrics) PayloadRelayed(string) {}

type testHarness struct {
	registry ports.RoomRegistry
	server   *SessionServer
	ts       *httptest.Server
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	registry := memory.NewMemoryRoomRegistry()
	server := NewSessionServer(registry, noopMetrics{}, DefaultOptions(), zaptest.NewLogger(t))
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return &testHarness{registry: registry, server: server, ts: ts}
}

func (h *testHarness) createRoom(t *testing.T) domain.RoomCode {
	t.Helper()
	room, err := h.registry.Create(context.Background(), "Test Room", "")
	require.NoError(t, err)
	return room.Code
}

type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	connID string
}

// dial connects and consumes the welcome frame.
func (h *testHarness) dial(t *testing.T) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn}
	env := c.next()
	require.Equal(t, EventWelcome, env.Type)
	var welcome WelcomePayload
	require.NoError(t, json.Unmarshal(env.Payload, &welcome))
	require.NotEmpty(t, welcome.ConnectionID)
	c.connID = welcome.ConnectionID
	return c
}

func (c *testClient) send(eventType string, payload interface{}) {
	c.t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(c.t, err)
		raw = data
	}
	require.NoError(c.t, c.conn.WriteJSON(Envelope{Type: eventType, Payload: raw}))
}

func (c *testClient) next() Envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return env
}

func (c *testClient) join(code domain.RoomCode, username string) ExistingParticipantsPayload {
	c.t.Helper()
	c.send(EventJoin, JoinPayload{RoomCode: string(code), Username: username})
	env := c.next()
	require.Equal(c.t, EventExistingParticipants, env.Type)
	var snapshot ExistingParticipantsPayload
	require.NoError(c.t, json.Unmarshal(env.Payload, &snapshot))
	return snapshot
}

func (c *testClient) expectError(code string) {
	c.t.Helper()
	env := c.next()
	require.Equal(c.t, EventError, env.Type)
	var payload ErrorPayload
	require.NoError(c.t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(c.t, code, payload.Code)
}

func TestJoin_UnknownRoom(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	c.send(EventJoin, JoinPayload{RoomCode: "NOPE42", Username: "alice"})
	c.expectError(ErrCodeRoomNotFound)
}

func TestJoin_MissingFields(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	c.send(EventJoin, JoinPayload{RoomCode: "", Username: "alice"})
	c.expectError(ErrCodeInvalidPayload)
}

func TestJoin_SnapshotAndBroadcast(t *testing.T) {
	h := newHarness(t)
	code := h.createRoom(t)

	alice := h.dial(t)
	snapshot := alice.join(code, "alice")
	assert.Equal(t, alice.connID, snapshot.Self.ConnectionID)
	assert.Equal(t, "alice", snapshot.Self.Username)
	require.Len(t, snapshot.Participants, 1)
	assert.Equal(t, alice.connID, snapshot.Participants[0].ConnectionID)

	bob := h.dial(t)
	bobSnapshot := bob.join(code, "bob")
	require.Len(t, bobSnapshot.Participants, 2)
	assert.Equal(t, bob.connID, bobSnapshot.Self.ConnectionID)

	// Alice, already in the room, learns about bob through a broadcast.
	env := alice.next()
	require.Equal(t, EventUserJoined, env.Type)
	var joined UserJoinedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &joined))
	assert.Equal(t, bob.connID, joined.ConnectionID)
	assert.Equal(t, "bob", joined.Username)
	assert.Equal(t, 2, joined.ParticipantCount)
}

func TestJoin_TwiceOnSameConnection(t *testing.T) {
	h := newHarness(t)
	code := h.createRoom(t)

	c := h.dial(t)
	c.join(code, "alice")
	c.send(EventJoin, JoinPayload{RoomCode: string(code), Username: "alice-again"})
	c.expectError(ErrCodeInvalidPayload)
}

func TestRelay_StampsSenderAndForwardsVerbatim(t *testing.T) {
	h := newHarness(t)
	code := h.createRoom(t)

	alice := h.dial(t)
	alice.join(code, "alice")
	bob := h.dial(t)
	bob.join(code, "bob")
	alice.next() // user-joined for bob

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0 fake"}`)
	alice.send(EventOffer, RelayPayload{To: bob.connID, Data: offer})

	env := bob.next()
	require.Equal(t, EventOffer, env.Type)
	var relayed RelayPayload
	require.NoError(t, json.Unmarshal(env.Payload, &relayed))
	assert.Equal(t, alice.connID, relayed.From)
	assert.JSONEq(t, string(offer), string(relayed.Data))
}

func TestRelay_BeforeJoin(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	c.send(EventOffer, RelayPayload{To: "someone", Data: json.RawMessage(`{}`)})
	c.expectError(ErrCodeNotJoined)
}

func TestRelay_MissingTargetIsDroppedSilently(t *testing.T) {
	h := newHarness(t)
	code := h.createRoom(t)

	alice := h.dial(t)
	alice.join(code, "alice")

	alice.send(EventICECandidate, RelayPayload{To: "gone", Data: json.RawMessage(`{}`)})

	// No error frame arrives; the next read times out.
	alice.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var env Envelope
	err := alice.conn.ReadJSON(&env)
	require.Error(t, err)
}

func TestChat_FanOutIncludesSenderInOrder(t *testing.T) {
	h := newHarness(t)
	code := h.createRoom(t)

	alice := h.dial(t)
	alice.join(code, "alice")
	bob := h.dial(t)
	bob.join(code, "bob")
	alice.next() // user-joined for bob

	alice.send(EventSendMessage, ChatPayload{Message: "first"})
	alice.send(EventSendMessage, ChatPayload{Message: "second"})

	for _, c := range []*testClient{alice, bob} {
		for _, want := range []string{"first", "second"} {
			env := c.next()
			require.Equal(t, EventReceiveMessage, env.Type)
			var msg ReceiveMessagePayload
			require.NoError(t, json.Unmarshal(env.Payload, &msg))
			assert.Equal(t, want, msg.Message)
			assert.Equal(t, "alice", msg.Username)
			assert.False(t, msg.Timestamp.IsZero())
		}
	}
}

func TestChat_BeforeJoin(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	c.send(EventSendMessage, ChatPayload{Message: "hello"})
	c.expectError(ErrCodeNotJoined)
}

func TestLeave_BroadcastsUserLeft(t *testing.T) {
	h := newHarness(t)
	code := h.createRoom(t)

	alice := h.dial(t)
	alice.join(code, "alice")
	bob := h.dial(t)
	bob.join(code, "bob")
	alice.next() // user-joined for bob

	bob.send(EventLeaveRoom, nil)

	env := alice.next()
	require.Equal(t, EventUserLeft, env.Type)
	var left UserLeftPayload
	require.NoError(t, json.Unmarshal(env.Payload, &left))
	assert.Equal(t, bob.connID, left.ConnectionID)
	assert.Equal(t, "bob", left.Username)
	assert.Equal(t, 1, left.ParticipantCount)
}

func TestLeave_BeforeJoinIsNoOp(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	c.send(EventLeaveRoom, nil)

	// No error frame; the connection stays usable.
	code := h.createRoom(t)
	snapshot := c.join(code, "alice")
	assert.Equal(t, c.connID, snapshot.Self.ConnectionID)
}

func TestDisconnect_ActsAsLeave(t *testing.T) {
	h := newHarness(t)
	code := h.createRoom(t)

	alice := h.dial(t)
	alice.join(code, "alice")
	bob := h.dial(t)
	bob.join(code, "bob")
	alice.next() // user-joined for bob

	bob.conn.Close()

	env := alice.next()
	require.Equal(t, EventUserLeft, env.Type)
	var left UserLeftPayload
	require.NoError(t, json.Unmarshal(env.Payload, &left))
	assert.Equal(t, bob.connID, left.ConnectionID)
}

func TestLastLeaveDeletesRoom(t *testing.T) {
	h := newHarness(t)
	code := h.createRoom(t)

	alice := h.dial(t)
	alice.join(code, "alice")
	alice.send(EventLeaveRoom, nil)

	require.Eventually(t, func() bool {
		_, err := h.registry.Lookup(context.Background(), code)
		return err == domain.ErrRoomNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAudioStream_Broadcasts(t *testing.T) {
	h := newHarness(t)
	code := h.createRoom(t)

	alice := h.dial(t)
	alice.join(code, "alice")
	bob := h.dial(t)
	bob.join(code, "bob")
	alice.next() // user-joined for bob

	alice.send(EventAudioStreamStart, nil)
	env := bob.next()
	require.Equal(t, EventAudioStreamStarted, env.Type)
	var started AudioStreamPayload
	require.NoError(t, json.Unmarshal(env.Payload, &started))
	assert.Equal(t, "alice", started.Username)

	alice.send(EventAudioStreamEnd, nil)
	env = bob.next()
	require.Equal(t, EventAudioStreamEnded, env.Type)
}

func TestUnknownEvent(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	c.send("subscribe", nil)
	c.expectError(ErrCodeUnknownEvent)
}

func TestConnectionCount(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 0, h.server.ConnectionCount())

	c := h.dial(t)
	assert.Equal(t, 1, h.server.ConnectionCount())

	c.conn.Close()
	require.Eventually(t, func() bool {
		return h.server.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
