package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TrackSource supplies the local tracks every new connection starts with.
type TrackSource interface {
	ActiveTracks() []domain.MediaTrack
}

// ConnectionHooks receive the events of a participant's peer connection.
// They are installed by the negotiation engine.
type ConnectionHooks struct {
	OnICECandidate      func(p *Participant, candidate webrtc.ICECandidateInit)
	OnNegotiationNeeded func(p *Participant)
	OnTrack             func(p *Participant, track domain.MediaTrack)
}

// Participant is the record for one remote socket in the room. The
// negotiation fields are owned by the engine and guarded by mu.
type Participant struct {
	SocketID  domain.SocketID
	conn      ports.PeerConnection
	createdAt time.Time

	mu           sync.Mutex
	identity     *domain.Identity
	remoteStream *domain.MediaStream
	audioTracks  []domain.MediaTrack
	audio        domain.MediaState
	video        domain.MediaState
	removed      bool

	state        domain.NegotiationState
	prevStable   domain.NegotiationState
	cycle        domain.Cycle
	cycleStarted time.Time
	generation   uint64
	timer        *time.Timer

	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	signaled      bool
	pendingLocal  []webrtc.ICECandidateInit

	negotiationEvents uint64
	coveredEvents     uint64
	// replay forces one more offer after a rolled-back renegotiation.
	replay bool
}

func (p *Participant) Conn() ports.PeerConnection { return p.conn }
func (p *Participant) CreatedAt() time.Time       { return p.createdAt }

// Identity returns a copy of the advertised profile, or nil while unknown.
func (p *Participant) Identity() *domain.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.identity == nil {
		return nil
	}
	id := *p.identity
	return &id
}

func (p *Participant) DisplayName() string {
	return p.Identity().DisplayName()
}

func (p *Participant) State() domain.NegotiationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Participant) AudioState() domain.MediaState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audio
}

func (p *Participant) VideoState() domain.MediaState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.video
}

func (p *Participant) RemoteStream() *domain.MediaStream { return p.remoteStream }

func (p *Participant) AudioTracks() []domain.MediaTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.MediaTrack(nil), p.audioTracks...)
}

func (p *Participant) Removed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removed
}

// enrichIdentity fills in the profile only if none is known yet.
func (p *Participant) enrichIdentity(identity *domain.Identity) bool {
	if identity == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.identity != nil {
		return false
	}
	id := *identity
	p.identity = &id
	return true
}

// ParticipantView is a point-in-time copy of a participant for renderers.
type ParticipantView struct {
	SocketID domain.SocketID
	Name     string
	ImageURL string
	Audio    domain.MediaState
	Video    domain.MediaState
	State    domain.NegotiationState
}

func (p *Participant) view() ParticipantView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked()
}

func (p *Participant) viewLocked() ParticipantView {
	v := ParticipantView{
		SocketID: p.SocketID,
		Name:     p.identity.DisplayName(),
		Audio:    p.audio,
		Video:    p.video,
		State:    p.state,
	}
	if p.identity != nil {
		v.ImageURL = p.identity.ImageURL
	}
	return v
}

// PeerRegistry owns one Participant per remote socket and the pending join
// requests. Records are mutated in place; every mutation notifies.
type PeerRegistry struct {
	factory  ports.PeerConnectionFactory
	notifier *Notifier
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu           sync.RWMutex
	participants map[domain.SocketID]*Participant
	joinRequests []domain.JoinRequest
	hooks        ConnectionHooks
	tracks       TrackSource
	mixedAudio   *domain.MediaStream
}

func NewPeerRegistry(factory ports.PeerConnectionFactory, notifier *Notifier, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *PeerRegistry {
	if notifier == nil {
		notifier = NewNotifier()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PeerRegistry{
		factory:      factory,
		notifier:     notifier,
		metrics:      orNoop(metrics),
		logger:       logger,
		now:          time.Now,
		participants: make(map[domain.SocketID]*Participant),
		mixedAudio:   domain.NewMediaStream("mixed-audio"),
	}
}

func (r *PeerRegistry) SetHooks(h ConnectionHooks) {
	r.mu.Lock()
	r.hooks = h
	r.mu.Unlock()
}

func (r *PeerRegistry) SetTrackSource(src TrackSource) {
	r.mu.Lock()
	r.tracks = src
	r.mu.Unlock()
}

func (r *PeerRegistry) Notifier() *Notifier { return r.notifier }

// MixedAudio is the single playback sink fed by every participant's audio.
func (r *PeerRegistry) MixedAudio() *domain.MediaStream { return r.mixedAudio }

// CreateConnection builds and registers a connection for socketID. A second
// call for the same id fails with domain.ErrDuplicateConnection and leaves
// the existing record alone.
func (r *PeerRegistry) CreateConnection(socketID domain.SocketID, identity *domain.Identity) (*Participant, error) {
	r.mu.RLock()
	_, exists := r.participants[socketID]
	hooks, src := r.hooks, r.tracks
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateConnection, socketID)
	}

	conn, err := r.factory.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection for %s: %w", socketID, err)
	}

	p := &Participant{
		SocketID:     socketID,
		conn:         conn,
		createdAt:    r.now(),
		remoteStream: domain.NewMediaStream(string(socketID)),
		state:        domain.StateIdle,
	}
	p.enrichIdentity(identity)

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if hooks.OnICECandidate != nil {
			hooks.OnICECandidate(p, c)
		}
	})
	conn.OnNegotiationNeeded(func() {
		if hooks.OnNegotiationNeeded != nil {
			hooks.OnNegotiationNeeded(p)
		}
	})
	conn.OnTrack(func(t domain.MediaTrack) {
		if hooks.OnTrack != nil {
			hooks.OnTrack(p, t)
			return
		}
		r.classify(p, t)
	})

	if src != nil {
		for _, t := range src.ActiveTracks() {
			if err := conn.AddTrack(t); err != nil {
				r.logger.Warnw("failed to attach local track",
					"socket_id", socketID,
					"track_id", t.ID(),
					"error", err,
				)
			}
		}
	}

	r.mu.Lock()
	if _, exists := r.participants[socketID]; exists {
		r.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateConnection, socketID)
	}
	r.participants[socketID] = p
	r.dropJoinRequestLocked(socketID)
	r.mu.Unlock()

	r.metrics.PeerConnectionOpened()
	r.logger.Debugw("peer connection created", "socket_id", socketID)
	r.notifier.Notify()
	return p, nil
}

func (r *PeerRegistry) Lookup(socketID domain.SocketID) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[socketID]
	return p, ok
}

// Participants returns the current records ordered by creation time.
func (r *PeerRegistry) Participants() []*Participant {
	r.mu.RLock()
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].SocketID < out[j].SocketID
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Remove stops every remote track of the participant, closes its connection
// and discards the record. It does not signal the relay.
func (r *PeerRegistry) Remove(socketID domain.SocketID) bool {
	r.mu.Lock()
	p, ok := r.participants[socketID]
	if ok {
		delete(r.participants, socketID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.teardown(p)
	return true
}

// removeParticipant removes p only if it is still the registered record.
func (r *PeerRegistry) removeParticipant(p *Participant) bool {
	r.mu.Lock()
	current, ok := r.participants[p.SocketID]
	if ok && current == p {
		delete(r.participants, p.SocketID)
	}
	r.mu.Unlock()

	if !ok || current != p {
		return false
	}
	r.teardown(p)
	return true
}

func (r *PeerRegistry) teardown(p *Participant) {
	p.mu.Lock()
	p.removed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.generation++
	audio := p.audioTracks
	p.audioTracks = nil
	p.pendingRemote = nil
	p.pendingLocal = nil
	p.mu.Unlock()

	for _, t := range audio {
		t.Stop()
		r.mixedAudio.RemoveTrack(t.ID())
	}
	p.remoteStream.Stop()

	if err := p.conn.Close(); err != nil {
		r.logger.Warnw("failed to close peer connection", "socket_id", p.SocketID, "error", err)
	}
	r.metrics.PeerConnectionClosed()
	r.logger.Debugw("peer connection removed", "socket_id", p.SocketID)
	r.notifier.Notify()
}

// ClassifyIncomingTrack routes a remote track by kind: audio goes to the
// participant's audio list and the mixed sink, video to its remote stream.
func (r *PeerRegistry) ClassifyIncomingTrack(socketID domain.SocketID, track domain.MediaTrack) error {
	p, ok := r.Lookup(socketID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, socketID)
	}
	if !r.classify(p, track) {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, socketID)
	}
	return nil
}

func (r *PeerRegistry) classify(p *Participant, track domain.MediaTrack) bool {
	p.mu.Lock()
	if p.removed {
		p.mu.Unlock()
		track.Stop()
		return false
	}
	switch track.Kind() {
	case domain.TrackKindAudio:
		p.audioTracks = append(p.audioTracks, track)
		p.audio.Set(true)
	case domain.TrackKindVideo:
		p.video.Set(true)
	default:
		p.mu.Unlock()
		r.logger.Warnw("ignoring track of unknown kind", "socket_id", p.SocketID, "kind", track.Kind())
		return true
	}
	p.mu.Unlock()

	if track.Kind() == domain.TrackKindAudio {
		r.mixedAudio.AddTrack(track)
	} else {
		p.remoteStream.AddTrack(track)
	}
	r.notifier.Notify()
	return true
}

// ClearTracks handles a peer's stop-stream signal. Presentation clears both
// kinds since a screen share carries audio and video.
func (r *PeerRegistry) ClearTracks(socketID domain.SocketID, kind domain.StreamKind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown stream kind %q", kind)
	}
	p, ok := r.Lookup(socketID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, socketID)
	}

	clearAudio := kind == domain.StreamKindAudio || kind == domain.StreamKindPresentation
	clearVideo := kind == domain.StreamKindVideo || kind == domain.StreamKindPresentation

	var stopped []domain.MediaTrack
	p.mu.Lock()
	if clearAudio {
		stopped = p.audioTracks
		p.audioTracks = nil
		p.audio.Set(false)
	}
	if clearVideo {
		p.video.Set(false)
	}
	p.mu.Unlock()

	for _, t := range stopped {
		t.Stop()
		r.mixedAudio.RemoveTrack(t.ID())
	}
	if clearVideo {
		p.remoteStream.RemoveKind(domain.TrackKindVideo)
	}
	if clearAudio {
		p.remoteStream.RemoveKind(domain.TrackKindAudio)
	}

	r.notifier.Notify()
	return nil
}

// PendingChanges lists participants whose audio or video changed since the
// last AcknowledgeRenderedChanges.
func (r *PeerRegistry) PendingChanges() []ParticipantView {
	var out []ParticipantView
	for _, p := range r.Participants() {
		v := p.view()
		if v.Audio.Changed || v.Video.Changed {
			out = append(out, v)
		}
	}
	return out
}

// TakeRenderedChanges returns the pending changes and clears them in the same
// step, so a change landing while the caller renders stays pending.
func (r *PeerRegistry) TakeRenderedChanges() []ParticipantView {
	var out []ParticipantView
	for _, p := range r.Participants() {
		p.mu.Lock()
		if p.audio.Changed || p.video.Changed {
			out = append(out, p.viewLocked())
			p.audio.Changed = false
			p.video.Changed = false
		}
		p.mu.Unlock()
	}
	return out
}

func (r *PeerRegistry) Snapshot() []ParticipantView {
	ps := r.Participants()
	out := make([]ParticipantView, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.view())
	}
	return out
}

func (r *PeerRegistry) AcknowledgeRenderedChanges() {
	for _, p := range r.Participants() {
		p.mu.Lock()
		p.audio.Changed = false
		p.video.Changed = false
		p.mu.Unlock()
	}
}

// AddJoinRequest queues a request unless one from the same socket is pending
// or the socket is already connected.
func (r *PeerRegistry) AddJoinRequest(req domain.JoinRequest) bool {
	r.mu.Lock()
	if _, connected := r.participants[req.SocketID]; connected {
		r.mu.Unlock()
		return false
	}
	for _, existing := range r.joinRequests {
		if existing.SocketID == req.SocketID {
			r.mu.Unlock()
			return false
		}
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = r.now()
	}
	r.joinRequests = append(r.joinRequests, req)
	r.mu.Unlock()

	r.notifier.Notify()
	return true
}

func (r *PeerRegistry) JoinRequests() []domain.JoinRequest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.JoinRequest(nil), r.joinRequests...)
}

func (r *PeerRegistry) JoinRequest(socketID domain.SocketID) (domain.JoinRequest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, req := range r.joinRequests {
		if req.SocketID == socketID {
			return req, true
		}
	}
	return domain.JoinRequest{}, false
}

func (r *PeerRegistry) DropJoinRequest(socketID domain.SocketID) bool {
	r.mu.Lock()
	dropped := r.dropJoinRequestLocked(socketID)
	r.mu.Unlock()
	if dropped {
		r.notifier.Notify()
	}
	return dropped
}

func (r *PeerRegistry) dropJoinRequestLocked(socketID domain.SocketID) bool {
	for i, req := range r.joinRequests {
		if req.SocketID == socketID {
			r.joinRequests = append(r.joinRequests[:i], r.joinRequests[i+1:]...)
			return true
		}
	}
	return false
}
