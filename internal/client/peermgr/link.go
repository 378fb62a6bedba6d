package peermgr

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// Role is a negotiation role; exactly one side of each pair initiates.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// LinkState is the lifecycle of a peer link. Closed is terminal.
type LinkState int32

const (
	StateIdle LinkState = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerLink is the client-local record of one negotiated or in-negotiation
// media link to a specific remote participant.
type PeerLink struct {
	remote     string
	role       Role
	state      LinkState
	link       MediaLink
	senders    map[webrtc.RTPCodecType]TrackSender
	generation uint64

	closeOnce sync.Once
}

// Remote returns the remote connection identifier this link is bound to.
func (l *PeerLink) Remote() string { return l.remote }

// Role returns the negotiation role of the local side.
func (l *PeerLink) Role() Role { return l.role }

// teardown releases the underlying media link and the rendering handle.
// Safe to call any number of times; a remote "left" notification and a
// local error callback racing for the same link release it exactly once.
func (l *PeerLink) teardown(sink RemoteSink) {
	l.closeOnce.Do(func() {
		l.state = StateClosed
		if l.link != nil {
			l.link.Close()
		}
		if sink != nil {
			sink.Release(l.remote)
		}
	})
}
