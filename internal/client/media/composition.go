package media

import (
	"github.com/pion/webrtc/v3"
)

// Composition is the locally-published track set: the thing currently
// being sent to every peer (camera+mic, screen+mic, and so on). A session
// client owns exactly one composition at a time; peer links remember the
// generation they were built with.
type Composition struct {
	generation uint64
	tracks     map[webrtc.RTPCodecType]webrtc.TrackLocal
}

// NewComposition builds a composition from local tracks, keyed by kind.
// At most one track per kind; a later track of the same kind replaces the
// earlier one.
func NewComposition(generation uint64, tracks ...webrtc.TrackLocal) *Composition {
	c := &Composition{
		generation: generation,
		tracks:     make(map[webrtc.RTPCodecType]webrtc.TrackLocal, len(tracks)),
	}
	for _, t := range tracks {
		c.tracks[t.Kind()] = t
	}
	return c
}

// Generation identifies this composition; it increases monotonically as
// the session client replaces its published media.
func (c *Composition) Generation() uint64 {
	return c.generation
}

// Track returns the track of the given kind, if published.
func (c *Composition) Track(kind webrtc.RTPCodecType) (webrtc.TrackLocal, bool) {
	t, ok := c.tracks[kind]
	return t, ok
}

// Tracks returns the published tracks in a stable order (audio first).
func (c *Composition) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(c.tracks))
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if t, ok := c.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Empty reports whether the composition publishes no tracks at all.
func (c *Composition) Empty() bool {
	return len(c.tracks) == 0
}
