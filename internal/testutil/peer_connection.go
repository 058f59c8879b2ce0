package testutil

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

var (
	ErrClosed       = errors.New("peer connection closed")
	ErrWrongState   = errors.New("invalid signaling state")
	ErrNoRemoteDesc = errors.New("remote description not set")
	ErrNoMedia      = errors.New("description has no media sections")
)

var sessionCounter atomic.Uint64

// FakePeerConnection follows the signaling state rules of a real peer
// connection. Descriptions carry one "m=" section per kind it can receive
// or send, and list local track ids as "a=track:<kind> <id>" lines; a remote
// description without any "m=" section is rejected like pion rejects it.
// Applying a remote description announces unseen track ids through OnTrack.
// AddTrack fires negotiation-needed synchronously, and the first
// SetLocalDescription produces one host candidate.
type FakePeerConnection struct {
	Label string
	// NoReceivers drops the receive-only sections, so a connection without
	// tracks describes no media at all.
	NoReceivers bool
	// LateNegotiationNeeded holds the event raised by AddTrack until the
	// next CreateOffer or CreateAnswer, the way pion delivers it from its
	// operations goroutine.
	LateNegotiationNeeded bool

	mu          sync.Mutex
	state       webrtc.SignalingState
	session     uint64
	version     int
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	tracks      []domain.MediaTrack
	remoteSeen  map[string]bool
	candidates  []webrtc.ICECandidateInit
	gathered    bool
	closed      bool
	rollbacks   int
	lateNeg     bool
	onICE       func(webrtc.ICECandidateInit)
	onNegNeeded func()
	onTrack     func(domain.MediaTrack)
}

var _ ports.PeerConnection = (*FakePeerConnection)(nil)

func NewFakePeerConnection(label string) *FakePeerConnection {
	return &FakePeerConnection{
		Label:      label,
		state:      webrtc.SignalingStateStable,
		session:    sessionCounter.Add(1),
		remoteSeen: make(map[string]bool),
	}
}

func (pc *FakePeerConnection) describe(t webrtc.SDPType) webrtc.SessionDescription {
	pc.version++
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=- %d %d IN IP4 127.0.0.1\r\ns=%s\r\nt=0 0\r\n", pc.session, pc.version, pc.Label)
	for _, kind := range []domain.TrackKind{domain.TrackKindAudio, domain.TrackKindVideo} {
		direction := "recvonly"
		for _, tr := range pc.tracks {
			if tr.Kind() == kind {
				direction = "sendrecv"
				break
			}
		}
		if direction == "recvonly" && pc.NoReceivers {
			continue
		}
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF 96\r\na=%s\r\n", kind, direction)
	}
	for _, tr := range pc.tracks {
		fmt.Fprintf(&b, "a=track:%s %s\r\n", tr.Kind(), tr.ID())
	}
	return webrtc.SessionDescription{Type: t, SDP: b.String()}
}

// deliverLate fires a held negotiation-needed event, dropping it when
// signaling has already left the stable state.
func (pc *FakePeerConnection) deliverLate() {
	pc.mu.Lock()
	fire := pc.lateNeg && pc.onNegNeeded != nil && !pc.closed && pc.state == webrtc.SignalingStateStable
	pc.lateNeg = false
	fn := pc.onNegNeeded
	pc.mu.Unlock()
	if fire {
		fn()
	}
}

func (pc *FakePeerConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	pc.deliverLate()
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	return pc.describe(webrtc.SDPTypeOffer), nil
}

func (pc *FakePeerConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	pc.deliverLate()
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if pc.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer in %s", ErrWrongState, pc.state)
	}
	return pc.describe(webrtc.SDPTypeAnswer), nil
}

func (pc *FakePeerConnection) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return ErrClosed
	}

	switch desc.Type {
	case webrtc.SDPTypeRollback:
		if pc.state != webrtc.SignalingStateHaveLocalOffer {
			pc.mu.Unlock()
			return fmt.Errorf("%w: rollback in %s", ErrWrongState, pc.state)
		}
		pc.state = webrtc.SignalingStateStable
		pc.local = nil
		pc.rollbacks++
		pc.mu.Unlock()
		return nil
	case webrtc.SDPTypeOffer:
		if pc.state != webrtc.SignalingStateStable {
			pc.mu.Unlock()
			return fmt.Errorf("%w: local offer in %s", ErrWrongState, pc.state)
		}
		pc.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if pc.state != webrtc.SignalingStateHaveRemoteOffer {
			pc.mu.Unlock()
			return fmt.Errorf("%w: local answer in %s", ErrWrongState, pc.state)
		}
		pc.state = webrtc.SignalingStateStable
	default:
		pc.mu.Unlock()
		return fmt.Errorf("%w: unsupported type %s", ErrWrongState, desc.Type)
	}

	d := desc
	pc.local = &d
	emit := !pc.gathered && pc.onICE != nil
	pc.gathered = pc.gathered || emit
	onICE := pc.onICE
	candidate := webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", pc.session, 40000+pc.session%1000),
	}
	pc.mu.Unlock()

	if emit {
		onICE(candidate)
	}
	return nil
}

func (pc *FakePeerConnection) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return ErrClosed
	}

	if !strings.Contains(desc.SDP, "\nm=") {
		pc.mu.Unlock()
		return ErrNoMedia
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if pc.state != webrtc.SignalingStateStable {
			pc.mu.Unlock()
			return fmt.Errorf("%w: remote offer in %s", ErrWrongState, pc.state)
		}
		pc.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if pc.state != webrtc.SignalingStateHaveLocalOffer {
			pc.mu.Unlock()
			return fmt.Errorf("%w: remote answer in %s", ErrWrongState, pc.state)
		}
		pc.state = webrtc.SignalingStateStable
	default:
		pc.mu.Unlock()
		return fmt.Errorf("%w: unsupported type %s", ErrWrongState, desc.Type)
	}

	d := desc
	pc.remote = &d
	var fresh []domain.MediaTrack
	for _, announced := range parseTracks(desc.SDP) {
		if pc.remoteSeen[announced.ID()] {
			continue
		}
		pc.remoteSeen[announced.ID()] = true
		fresh = append(fresh, announced)
	}
	onTrack := pc.onTrack
	pc.mu.Unlock()

	if onTrack != nil {
		for _, t := range fresh {
			onTrack(t)
		}
	}
	return nil
}

func parseTracks(sdp string) []domain.MediaTrack {
	var out []domain.MediaTrack
	sc := bufio.NewScanner(strings.NewReader(sdp))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, "a=track:")
		if !ok {
			continue
		}
		kind, id, ok := strings.Cut(rest, " ")
		if !ok {
			continue
		}
		out = append(out, NewFakeTrackWithID(id, domain.TrackKind(kind)))
	}
	return out
}

func (pc *FakePeerConnection) AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return ErrClosed
	}
	if pc.remote == nil {
		return ErrNoRemoteDesc
	}
	pc.candidates = append(pc.candidates, c)
	return nil
}

func (pc *FakePeerConnection) AddTrack(track domain.MediaTrack) error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return ErrClosed
	}
	for _, t := range pc.tracks {
		if t.ID() == track.ID() {
			pc.mu.Unlock()
			return nil
		}
	}
	pc.tracks = append(pc.tracks, track)
	fn := pc.onNegNeeded
	if pc.LateNegotiationNeeded {
		pc.lateNeg = true
		fn = nil
	}
	pc.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

func (pc *FakePeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	pc.mu.Lock()
	pc.onICE = fn
	pc.mu.Unlock()
}

func (pc *FakePeerConnection) OnNegotiationNeeded(fn func()) {
	pc.mu.Lock()
	pc.onNegNeeded = fn
	pc.mu.Unlock()
}

func (pc *FakePeerConnection) OnTrack(fn func(domain.MediaTrack)) {
	pc.mu.Lock()
	pc.onTrack = fn
	pc.mu.Unlock()
}

func (pc *FakePeerConnection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closed = true
	return nil
}

func (pc *FakePeerConnection) SignalingState() webrtc.SignalingState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// Candidates lists the remote candidates applied so far.
func (pc *FakePeerConnection) Candidates() []webrtc.ICECandidateInit {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), pc.candidates...)
}

func (pc *FakePeerConnection) LocalTracks() []domain.MediaTrack {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]domain.MediaTrack(nil), pc.tracks...)
}

func (pc *FakePeerConnection) HasRemoteDescription() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote != nil
}

func (pc *FakePeerConnection) Closed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *FakePeerConnection) Rollbacks() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.rollbacks
}

// FakeFactory records every connection it builds.
type FakeFactory struct {
	Label                 string
	Err                   error
	NoReceivers           bool
	LateNegotiationNeeded bool

	mu    sync.Mutex
	conns []*FakePeerConnection
}

var _ ports.PeerConnectionFactory = (*FakeFactory)(nil)

func (f *FakeFactory) NewPeerConnection() (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	pc := NewFakePeerConnection(f.Label)
	pc.NoReceivers = f.NoReceivers
	pc.LateNegotiationNeeded = f.LateNegotiationNeeded
	f.conns = append(f.conns, pc)
	return pc, nil
}

func (f *FakeFactory) Conns() []*FakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakePeerConnection(nil), f.conns...)
}
