package peermgr

import (
	"github.com/pion/webrtc/v3"
)

// Signaler delivers negotiation payloads to a remote connection through
// the signaling relay.
type Signaler interface {
	SendOffer(to string, sdp webrtc.SessionDescription) error
	SendAnswer(to string, sdp webrtc.SessionDescription) error
	SendCandidate(to string, candidate webrtc.ICECandidateInit) error
}

// TrackSender is one outbound RTP sender whose track can be substituted
// in place without renegotiating the link.
type TrackSender interface {
	ReplaceTrack(t webrtc.TrackLocal) error
}

// MediaLink abstracts one peer media connection so the link state machine
// stays testable without a network.
type MediaLink interface {
	AddTrack(t webrtc.TrackLocal) (TrackSender, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(*webrtc.TrackRemote))
	OnStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// LinkFactory creates media links; the production factory wraps pion
// peer connections, tests substitute mocks.
type LinkFactory interface {
	NewLink() (MediaLink, error)
}

// RemoteSink is the rendering-side observer of remote media. It merely
// watches track availability; releasing a remote's handle must be safe to
// call more than once.
type RemoteSink interface {
	AddTrack(remoteConn string, track *webrtc.TrackRemote)
	Release(remoteConn string)
}
