package media

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// DrainSink consumes remote media without rendering it. Every incoming
// track is read until the remote's handle is released or the track ends;
// unread tracks would stall the peer connection's receive path.
type DrainSink struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	remotes map[string]chan struct{}
}

func NewDrainSink(logger *zap.Logger) *DrainSink {
	return &DrainSink{
		logger:  logger.Sugar(),
		remotes: make(map[string]chan struct{}),
	}
}

func (s *DrainSink) AddTrack(remoteConn string, track *webrtc.TrackRemote) {
	s.mu.Lock()
	stop, ok := s.remotes[remoteConn]
	if !ok {
		stop = make(chan struct{})
		s.remotes[remoteConn] = stop
	}
	s.mu.Unlock()

	s.logger.Debugw("remote track attached",
		"remote", remoteConn,
		"kind", track.Kind().String(),
		"ssrc", track.SSRC())

	go s.drain(remoteConn, track, stop)
}

// Release drops the remote's handle. Safe to call repeatedly; a second
// release of the same remote is a no-op.
func (s *DrainSink) Release(remoteConn string) {
	s.mu.Lock()
	stop, ok := s.remotes[remoteConn]
	if ok {
		delete(s.remotes, remoteConn)
	}
	s.mu.Unlock()

	if ok {
		close(stop)
		s.logger.Debugw("remote released", "remote", remoteConn)
	}
}

// ActiveRemotes reports how many remotes currently hold a handle.
func (s *DrainSink) ActiveRemotes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remotes)
}

func (s *DrainSink) drain(remoteConn string, track *webrtc.TrackRemote, stop <-chan struct{}) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if _, _, err := track.Read(buf); err != nil {
			s.logger.Debugw("remote track ended", "remote", remoteConn, "error", err)
			return
		}
	}
}
