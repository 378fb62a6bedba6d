package peermgr

import (
	"fmt"
	"sync"

	"huddle/internal/client/media"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Manager owns one PeerLink per remote participant known to this client.
// It assigns negotiation roles, guards against duplicate negotiation
// attempts, substitutes published tracks in place when the local media
// composition changes, and falls back to a full all-peer rebuild when an
// in-place substitution cannot be applied.
//
// Role rule: a peer this client discovered through the join snapshot is
// handled as responder locally; a peer announced through a live join
// broadcast is initiated locally. Each unordered pair therefore produces
// exactly one offer.
type Manager struct {
	signaler Signaler
	factory  LinkFactory
	sink     RemoteSink
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	localID string
	comp    *media.Composition
	links   map[string]*PeerLink
	known   map[string]struct{}
	pending map[string]struct{}
}

func NewManager(signaler Signaler, factory LinkFactory, sink RemoteSink, logger *zap.Logger) *Manager {
	return &Manager{
		signaler: signaler,
		factory:  factory,
		sink:     sink,
		logger:   logger.Sugar(),
		links:    make(map[string]*PeerLink),
		known:    make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
}

// SetLocalID records this client's transport-assigned connection id; it
// is the tie-break key for offer glare.
func (m *Manager) SetLocalID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localID = id
}

// SetComposition publishes the initial local composition and starts any
// negotiation that was waiting on local media.
func (m *Manager) SetComposition(comp *media.Composition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comp = comp
	m.ensureLocked()
}

// HandleExistingParticipants records the peers present before this client
// joined. They initiate toward us; this side waits for their offers.
func (m *Manager) HandleExistingParticipants(remoteIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range remoteIDs {
		m.known[id] = struct{}{}
	}
}

// HandleUserJoined flags a newly announced peer for local initiation and
// negotiates immediately if local media is already published.
func (m *Manager) HandleUserJoined(remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known[remoteID] = struct{}{}
	m.pending[remoteID] = struct{}{}
	m.ensureLocked()
}

// ensureLocked creates initiator links for every pending peer. Peers stay
// pending until the composition is available; negotiation with no local
// media would produce an empty offer.
func (m *Manager) ensureLocked() {
	if m.comp == nil {
		return
	}
	for remote := range m.pending {
		if link, exists := m.links[remote]; exists && link.state != StateClosed {
			delete(m.pending, remote)
			continue
		}
		if err := m.initiateLocked(remote); err != nil {
			m.logger.Warnw("failed to initiate peer link", "remote", remote, "error", err)
			continue
		}
		delete(m.pending, remote)
	}
}

func (m *Manager) initiateLocked(remote string) error {
	link, err := m.factory.NewLink()
	if err != nil {
		return fmt.Errorf("failed to create media link: %w", err)
	}

	pl := &PeerLink{
		remote:     remote,
		role:       RoleInitiator,
		state:      StateNegotiating,
		link:       link,
		senders:    make(map[webrtc.RTPCodecType]TrackSender),
		generation: m.comp.Generation(),
	}
	if err := m.addTracksLocked(pl); err != nil {
		pl.teardown(m.sink)
		return err
	}
	m.wireLink(pl)

	offer, err := link.CreateOffer()
	if err != nil {
		pl.teardown(m.sink)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := link.SetLocalDescription(offer); err != nil {
		pl.teardown(m.sink)
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := m.signaler.SendOffer(remote, offer); err != nil {
		pl.teardown(m.sink)
		return fmt.Errorf("failed to send offer: %w", err)
	}

	m.links[remote] = pl
	m.logger.Debugw("initiating peer link", "remote", remote)
	return nil
}

// HandleOffer reacts to a remote negotiation description. Offers for a
// connection id that already has a live link are ignored; the one
// exception is glare, resolved deterministically by comparing connection
// ids so both sides agree on who keeps the initiator role.
func (m *Manager) HandleOffer(from string, sdp webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.known[from] = struct{}{}

	if existing, exists := m.links[from]; exists && existing.state != StateClosed {
		glare := existing.role == RoleInitiator && existing.state == StateNegotiating
		if !glare || m.localID < from {
			m.logger.Debugw("ignoring offer for already-linked connection", "remote", from)
			return nil
		}
		// Remote keeps initiator; discard the local attempt and answer.
		existing.teardown(m.sink)
		delete(m.links, from)
	}
	delete(m.pending, from)

	link, err := m.factory.NewLink()
	if err != nil {
		return fmt.Errorf("failed to create media link: %w", err)
	}

	pl := &PeerLink{
		remote:  from,
		role:    RoleResponder,
		state:   StateNegotiating,
		link:    link,
		senders: make(map[webrtc.RTPCodecType]TrackSender),
	}
	if m.comp != nil {
		pl.generation = m.comp.Generation()
		if err := m.addTracksLocked(pl); err != nil {
			pl.teardown(m.sink)
			return err
		}
	}
	m.wireLink(pl)

	if err := link.SetRemoteDescription(sdp); err != nil {
		pl.teardown(m.sink)
		return fmt.Errorf("failed to apply remote offer: %w", err)
	}
	answer, err := link.CreateAnswer()
	if err != nil {
		pl.teardown(m.sink)
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := link.SetLocalDescription(answer); err != nil {
		pl.teardown(m.sink)
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := m.signaler.SendAnswer(from, answer); err != nil {
		pl.teardown(m.sink)
		return fmt.Errorf("failed to send answer: %w", err)
	}

	m.links[from] = pl
	m.logger.Debugw("answering peer link", "remote", from)
	return nil
}

// HandleAnswer applies the remote answer to a link this side initiated.
// Answers without a matching in-flight offer are dropped.
func (m *Manager) HandleAnswer(from string, sdp webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pl, exists := m.links[from]
	if !exists || pl.role != RoleInitiator || pl.state != StateNegotiating {
		m.logger.Debugw("dropping unexpected answer", "remote", from)
		return nil
	}
	if err := pl.link.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to apply remote answer: %w", err)
	}
	return nil
}

// HandleCandidate feeds a connectivity candidate into the matching link.
// Candidates for unknown links are dropped.
func (m *Manager) HandleCandidate(from string, candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pl, exists := m.links[from]
	if !exists || pl.state == StateClosed {
		m.logger.Debugw("dropping candidate for unknown link", "remote", from)
		return nil
	}
	return pl.link.AddICECandidate(candidate)
}

// ReplaceComposition swaps the published media for every live link in
// place. Same-kind tracks are substituted through the RTP sender; a kind
// that appears or disappears needs renegotiation and fails the operation.
// Any failure triggers the all-or-nothing fallback: every link is torn
// down and every known participant is flagged for a fresh negotiation
// round, so no peer is ever left with a half-applied swap.
func (m *Manager) ReplaceComposition(next *media.Composition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.comp
	m.comp = next

	live := make([]*PeerLink, 0, len(m.links))
	for _, pl := range m.links {
		if pl.state != StateClosed {
			live = append(live, pl)
		}
	}
	if len(live) == 0 {
		return nil
	}

	var failure error
	if prev == nil || prev.Empty() {
		failure = fmt.Errorf("no previously published tracks to substitute")
	} else {
		for _, pl := range live {
			if err := substituteTracks(pl, prev, next); err != nil {
				failure = err
				break
			}
		}
	}

	if failure != nil {
		m.rebuildLocked()
		return fmt.Errorf("in-place substitution failed, rebuilding all peer links: %w", failure)
	}

	for _, pl := range live {
		pl.generation = next.Generation()
	}
	return nil
}

// substituteTracks applies one link's share of a composition change.
func substituteTracks(pl *PeerLink, prev, next *media.Composition) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		_, hadOld := prev.Track(kind)
		newTrack, hasNew := next.Track(kind)

		switch {
		case hadOld && hasNew:
			sender, ok := pl.senders[kind]
			if !ok {
				return fmt.Errorf("link to %s has no %s sender", pl.remote, kind)
			}
			if err := sender.ReplaceTrack(newTrack); err != nil {
				return fmt.Errorf("failed to replace %s track for %s: %w", kind, pl.remote, err)
			}
		case hadOld && !hasNew:
			return fmt.Errorf("dropping the %s track requires renegotiation", kind)
		case !hadOld && hasNew:
			return fmt.Errorf("adding a %s track requires renegotiation", kind)
		}
	}
	return nil
}

// RebuildAll discards every current link and flags every known
// participant for re-initiation: a fresh negotiation round from scratch
// for the whole room.
func (m *Manager) RebuildAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuildLocked()
}

func (m *Manager) rebuildLocked() {
	for remote, pl := range m.links {
		pl.teardown(m.sink)
		delete(m.links, remote)
	}
	for remote := range m.known {
		m.pending[remote] = struct{}{}
	}
	m.logger.Infow("rebuilding all peer links", "peers", len(m.pending))
	m.ensureLocked()
}

// ClosePeer tears down the link to a departed remote and forgets it.
func (m *Manager) ClosePeer(remote string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pl, exists := m.links[remote]; exists {
		pl.teardown(m.sink)
		delete(m.links, remote)
	}
	delete(m.known, remote)
	delete(m.pending, remote)
}

// CloseAll tears down every link, for session leave.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for remote, pl := range m.links {
		pl.teardown(m.sink)
		delete(m.links, remote)
	}
	m.known = make(map[string]struct{})
	m.pending = make(map[string]struct{})
}

// State reports the lifecycle state of the link to a remote, if any.
func (m *Manager) State(remote string) (LinkState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, exists := m.links[remote]
	if !exists {
		return StateIdle, false
	}
	return pl.state, true
}

// Role reports the negotiation role for the link to a remote, if any.
func (m *Manager) Role(remote string) (Role, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, exists := m.links[remote]
	if !exists {
		return "", false
	}
	return pl.role, true
}

// LinkCount returns the number of non-closed links.
func (m *Manager) LinkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, pl := range m.links {
		if pl.state != StateClosed {
			n++
		}
	}
	return n
}

func (m *Manager) addTracksLocked(pl *PeerLink) error {
	for _, track := range m.comp.Tracks() {
		sender, err := pl.link.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		pl.senders[track.Kind()] = sender
	}
	return nil
}

// wireLink registers the link callbacks. Candidates go out through the
// relay; remote tracks go to the rendering sink; a fatal connection state
// tears down this one link only.
func (m *Manager) wireLink(pl *PeerLink) {
	remote := pl.remote

	pl.link.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		if err := m.signaler.SendCandidate(remote, candidate); err != nil {
			m.logger.Debugw("failed to send candidate", "remote", remote, "error", err)
		}
	})

	pl.link.OnTrack(func(track *webrtc.TrackRemote) {
		m.sink.AddTrack(remote, track)
	})

	pl.link.OnStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.markConnected(remote)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.handleLinkFailure(remote)
		}
	})
}

func (m *Manager) markConnected(remote string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pl, exists := m.links[remote]; exists && pl.state == StateNegotiating {
		pl.state = StateConnected
		m.logger.Infow("peer link connected", "remote", remote, "role", pl.role)
	}
}

func (m *Manager) handleLinkFailure(remote string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pl, exists := m.links[remote]; exists {
		m.logger.Warnw("peer link failed", "remote", remote)
		pl.teardown(m.sink)
		delete(m.links, remote)
	}
}
