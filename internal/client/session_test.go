package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"huddle/internal/client/media"
	"huddle/internal/client/peermgr"
	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/repositories/memory"
	signalserver "huddle/internal/infrastructure/signal"

	"github.com/pion/webrtc/v3"
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

// stubLink satisfies the media link interface without any networking, so
// negotiation completes purely through the signaling relay.
type stubLink struct{}

func (stubLink) AddTrack(webrtc.TrackLocal) (peermgr.TrackSender, error) { return stubSender{}, nil }
func (stubLink) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}
func (stubLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}
func (stubLink) SetLocalDescription(webrtc.SessionDescription) error  { return nil }
func (stubLink) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (stubLink) AddICECandidate(webrtc.ICECandidateInit) error        { return nil }
func (stubLink) OnICECandidate(func(webrtc.ICECandidateInit))         {}
func (stubLink) OnTrack(func(*webrtc.TrackRemote))                    {}
func (stubLink) OnStateChange(func(webrtc.PeerConnectionState))       {}
func (stubLink) Close() error                                         { return nil }

type stubSender struct{}

func (stubSender) ReplaceTrack(webrtc.TrackLocal) error { return nil }

type stubFactory struct{}

func (stubFactory) NewLink() (peermgr.MediaLink, error) { return stubLink{}, nil }

type stubSink struct{}

func (stubSink) AddTrack(string, *webrtc.TrackRemote) {}
func (stubSink) Release(string)                       {}

func startServer(t *testing.T) (string, ports.RoomRegistry) {
	t.Helper()
	registry := memory.NewMemoryRoomRegistry()
	server := signalserver.NewSessionServer(registry, noopMetrics{}, signalserver.DefaultOptions(), zaptest.NewLogger(t))
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http"), registry
}

func newTestClient(t *testing.T, url string, events Events) *SessionClient {
	t.Helper()
	source := media.NewSyntheticSource(10*time.Millisecond, webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo)
	c := NewSessionClient(url, stubFactory{}, stubSink{}, source, events, zaptest.NewLogger(t))
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.NotEmpty(t, c.ConnectionID())
	return c
}

func createRoom(t *testing.T, registry ports.RoomRegistry) domain.RoomCode {
	t.Helper()
	room, err := registry.Create(context.Background(), "Test Room", "")
	require.NoError(t, err)
	return room.Code
}

func TestSessionClient_JoinPopulatesViews(t *testing.T) {
	url, registry := startServer(t)
	code := createRoom(t, registry)

	alice := newTestClient(t, url, Events{})
	require.NoError(t, alice.Join(string(code), "alice"))

	require.Eventually(t, func() bool {
		return alice.Self().Username == "alice"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, alice.Participants())

	bob := newTestClient(t, url, Events{})
	require.NoError(t, bob.Join(string(code), "bob"))

	// Both sides converge on the same two-member view of the room.
	require.Eventually(t, func() bool {
		return len(alice.Participants()) == 1 && len(bob.Participants()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "bob", alice.Participants()[0].Username)
	assert.Equal(t, "alice", bob.Participants()[0].Username)
}

func TestSessionClient_NegotiationRoles(t *testing.T) {
	url, registry := startServer(t)
	code := createRoom(t, registry)

	alice := newTestClient(t, url, Events{})
	require.NoError(t, alice.Join(string(code), "alice"))
	require.Eventually(t, func() bool {
		return alice.Self().ConnectionID != ""
	}, 2*time.Second, 10*time.Millisecond)

	bob := newTestClient(t, url, Events{})
	require.NoError(t, bob.Join(string(code), "bob"))

	// Alice was in the room first, so she initiates toward bob, and bob
	// answers as responder.
	require.Eventually(t, func() bool {
		role, ok := alice.PeerManager().Role(bob.ConnectionID())
		return ok && role == peermgr.RoleInitiator
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		role, ok := bob.PeerManager().Role(alice.ConnectionID())
		return ok && role == peermgr.RoleResponder
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionClient_ChatFanOut(t *testing.T) {
	url, registry := startServer(t)
	code := createRoom(t, registry)

	alice := newTestClient(t, url, Events{})
	require.NoError(t, alice.Join(string(code), "alice"))
	bob := newTestClient(t, url, Events{})
	require.NoError(t, bob.Join(string(code), "bob"))

	require.Eventually(t, func() bool {
		return len(alice.Participants()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.SendChat("hello room"))

	// The sender sees its own message through the same broadcast.
	for _, c := range []*SessionClient{alice, bob} {
		require.Eventually(t, func() bool {
			log := c.ChatLog()
			return len(log) == 1 && log[0].Text == "hello room" && log[0].Username == "alice"
		}, 2*time.Second, 10*time.Millisecond)
	}
}

func TestSessionClient_LeaveTearsDownRemoteView(t *testing.T) {
	url, registry := startServer(t)
	code := createRoom(t, registry)

	left := make(chan string, 1)
	events := Events{
		OnParticipantLeft: func(p Participant) { left <- p.Username },
	}

	alice := newTestClient(t, url, events)
	require.NoError(t, alice.Join(string(code), "alice"))
	bob := newTestClient(t, url, Events{})
	require.NoError(t, bob.Join(string(code), "bob"))

	require.Eventually(t, func() bool {
		return len(alice.Participants()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Leave())

	select {
	case name := <-left:
		assert.Equal(t, "bob", name)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a participant-left notification")
	}
	assert.Empty(t, alice.Participants())

	_, ok := alice.PeerManager().Role(bob.ConnectionID())
	assert.False(t, ok)
}

func TestSessionClient_ErrorSurfacedOnUnknownRoom(t *testing.T) {
	url, _ := startServer(t)

	errCodes := make(chan string, 1)
	events := Events{
		OnError: func(code, _ string) { errCodes <- code },
	}

	c := newTestClient(t, url, events)
	require.NoError(t, c.Join("NOPE42", "alice"))

	select {
	case code := <-errCodes:
		assert.Equal(t, "room-not-found", code)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a room-not-found error")
	}
}

func TestSessionClient_ReplaceMediaFailedAcquireLeavesSourceUntouched(t *testing.T) {
	url, registry := startServer(t)
	code := createRoom(t, registry)

	c := newTestClient(t, url, Events{})
	require.NoError(t, c.Join(string(code), "alice"))

	closed := media.NewSyntheticSource(10*time.Millisecond, webrtc.RTPCodecTypeVideo)
	require.NoError(t, closed.Close())

	err := c.ReplaceMedia(context.Background(), closed)
	require.Error(t, err)

	// The session stays usable after the failed acquire.
	require.NoError(t, c.SendChat("still here"))
	require.Eventually(t, func() bool {
		return len(c.ChatLog()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
