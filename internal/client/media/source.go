package media

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Source acquires local media from the device layer. Acquisition is
// asynchronous and may fail (camera or screen unavailable); a failed
// acquire must leave any previously acquired composition untouched.
type Source interface {
	// Acquire produces a composition at the given generation.
	Acquire(ctx context.Context, generation uint64) (*Composition, error)
	// RequestKeyFrame is invoked when a peer reports picture loss.
	RequestKeyFrame()
	// Close stops capture and releases device handles.
	Close() error
}

// SyntheticSource publishes locally generated RTP for the requested
// kinds. It stands in for a device capture layer in the headless client
// and in tests.
type SyntheticSource struct {
	kinds    []webrtc.RTPCodecType
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewSyntheticSource returns a source producing the given track kinds at
// a fixed packet interval.
func NewSyntheticSource(interval time.Duration, kinds ...webrtc.RTPCodecType) *SyntheticSource {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	return &SyntheticSource{kinds: kinds, interval: interval}
}

func (s *SyntheticSource) Acquire(ctx context.Context, generation uint64) (*Composition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("source is closed")
	}

	// Stop the pumps feeding the previous composition.
	if s.cancel != nil {
		s.cancel()
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	tracks := make([]webrtc.TrackLocal, 0, len(s.kinds))
	for _, kind := range s.kinds {
		track, err := newSyntheticTrack(kind)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
		}
		tracks = append(tracks, track)
		go s.pump(pumpCtx, track, kind)
	}

	return NewComposition(generation, tracks...), nil
}

func newSyntheticTrack(kind webrtc.RTPCodecType) (*webrtc.TrackLocalStaticRTP, error) {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "huddle-audio",
		)
	case webrtc.RTPCodecTypeVideo:
		return webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "huddle-video",
		)
	default:
		return nil, fmt.Errorf("unsupported track kind: %s", kind)
	}
}

// pump writes a synthetic RTP packet stream until the composition is
// replaced or the source closes. ErrClosedPipe means no peer is bound
// yet, which is fine.
func (s *SyntheticSource) pump(ctx context.Context, track *webrtc.TrackLocalStaticRTP, kind webrtc.RTPCodecType) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var timestampStep uint32 = 960 // 48kHz / 50 packets per second
	if kind == webrtc.RTPCodecTypeVideo {
		timestampStep = 3000 // 90kHz at ~30fps
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: uint16(rand.Intn(1 << 16)),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
		},
		Payload: make([]byte, 160),
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pkt.Header.SequenceNumber++
			pkt.Header.Timestamp += timestampStep
			if err := track.WriteRTP(pkt); err != nil {
				continue
			}
		}
	}
}

func (s *SyntheticSource) RequestKeyFrame() {
	// Synthetic payloads carry no keyframes; a capture-backed source
	// would force one here.
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.closed = true
	return nil
}
