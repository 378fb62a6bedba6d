package peermgr

import (
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// PionLinkFactory builds media links on pion peer connections.
type PionLinkFactory struct {
	config webrtc.Configuration

	// OnKeyFrameRequest fires when any link's sender receives a picture
	// loss indication; the session client forwards it to the media
	// source.
	OnKeyFrameRequest func()
}

func NewPionLinkFactory(iceServers []webrtc.ICEServer) *PionLinkFactory {
	return &PionLinkFactory{
		config: webrtc.Configuration{ICEServers: iceServers},
	}
}

func (f *PionLinkFactory) NewLink() (MediaLink, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionLink{pc: pc, onKeyFrame: f.OnKeyFrameRequest}, nil
}

type pionLink struct {
	pc         *webrtc.PeerConnection
	onKeyFrame func()
}

func (l *pionLink) AddTrack(t webrtc.TrackLocal) (TrackSender, error) {
	sender, err := l.pc.AddTrack(t)
	if err != nil {
		return nil, err
	}
	go l.readRTCP(sender)
	return pionSender{sender}, nil
}

// readRTCP drains the sender's RTCP stream. Draining is required for
// interceptors to run; picture loss reports are surfaced as keyframe
// requests.
func (l *pionLink) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, packet := range packets {
			if _, ok := packet.(*rtcp.PictureLossIndication); ok && l.onKeyFrame != nil {
				l.onKeyFrame()
			}
		}
	}
}

func (l *pionLink) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

func (l *pionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *pionLink) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(sdp)
}

func (l *pionLink) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(sdp)
}

func (l *pionLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(candidate)
}

func (l *pionLink) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		handler(c.ToJSON())
	})
}

func (l *pionLink) OnTrack(handler func(*webrtc.TrackRemote)) {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		handler(track)
	})
}

func (l *pionLink) OnStateChange(handler func(webrtc.PeerConnectionState)) {
	l.pc.OnConnectionStateChange(handler)
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s pionSender) ReplaceTrack(t webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(t)
}
