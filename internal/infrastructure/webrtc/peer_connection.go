package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrUnsupportedTrack = errors.New("track cannot be sent over a pion connection")

// LocalTrack is a capture track pion can send.
type LocalTrack interface {
	domain.MediaTrack
	TrackLocal() webrtc.TrackLocal
}

type peerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	pictureLoss atomic.Uint64
	nacks       atomic.Uint64
}

var _ ports.PeerConnection = (*peerConnection)(nil)

func newPeerConnection(pc *webrtc.PeerConnection, logger *zap.SugaredLogger) *peerConnection {
	p := &peerConnection{pc: pc, logger: logger}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debugw("peer connection state changed", "state", state.String())
	})
	return p
}

func (p *peerConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *peerConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *peerConnection) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	// pion parses the SDP of every local description, rollbacks included.
	if desc.Type == webrtc.SDPTypeRollback && desc.SDP == "" {
		if pending := p.pc.PendingLocalDescription(); pending != nil {
			desc.SDP = pending.SDP
		}
	}
	return p.pc.SetLocalDescription(desc)
}

func (p *peerConnection) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *peerConnection) AddTrack(track domain.MediaTrack) error {
	local, ok := track.(LocalTrack)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedTrack, track.ID())
	}

	sender, err := p.pc.AddTrack(local.TrackLocal())
	if err != nil {
		return fmt.Errorf("failed to add track %s: %w", track.ID(), err)
	}
	go p.readRTCP(sender)
	return nil
}

// readRTCP drains the sender's RTCP; without a reader the interceptors
// stall.
func (p *peerConnection) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			p.logger.Debugw("dropping malformed rtcp", "error", err)
			continue
		}
		p.observeRTCP(packets)
	}
}

func (p *peerConnection) observeRTCP(packets []rtcp.Packet) {
	for _, packet := range packets {
		switch pkt := packet.(type) {
		case *rtcp.PictureLossIndication:
			p.pictureLoss.Add(1)
		case *rtcp.FullIntraRequest:
			p.pictureLoss.Add(1)
		case *rtcp.TransportLayerNack:
			p.nacks.Add(uint64(len(pkt.Nacks)))
		}
	}
}

// PictureLossCount is how many keyframe requests the remote side has sent.
func (p *peerConnection) PictureLossCount() uint64 { return p.pictureLoss.Load() }

func (p *peerConnection) NackCount() uint64 { return p.nacks.Load() }

func (p *peerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *peerConnection) OnNegotiationNeeded(fn func()) {
	p.pc.OnNegotiationNeeded(fn)
}

func (p *peerConnection) OnTrack(fn func(domain.MediaTrack)) {
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		track := newRemoteTrack(remote)
		go track.drain(p.logger)
		fn(track)
	})
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

// remoteTrack is a track received from a peer. Media is read and discarded;
// nothing in this process renders it.
type remoteTrack struct {
	remote *webrtc.TrackRemote

	mu      sync.Mutex
	stopped bool
	onEnded []func()
}

func newRemoteTrack(remote *webrtc.TrackRemote) *remoteTrack {
	return &remoteTrack{remote: remote}
}

func (t *remoteTrack) ID() string { return t.remote.ID() }

func (t *remoteTrack) Kind() domain.TrackKind {
	return trackKind(t.remote.Kind())
}

func (t *remoteTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *remoteTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

func (t *remoteTrack) drain(logger *zap.SugaredLogger) {
	for {
		if _, _, err := t.remote.ReadRTP(); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debugw("remote track read ended", "track_id", t.ID(), "error", err)
			}
			break
		}
	}

	t.mu.Lock()
	stopped := t.stopped
	callbacks := append([]func(){}, t.onEnded...)
	t.mu.Unlock()
	if stopped {
		return
	}
	for _, fn := range callbacks {
		fn()
	}
}

func trackKind(kind webrtc.RTPCodecType) domain.TrackKind {
	if kind == webrtc.RTPCodecTypeAudio {
		return domain.TrackKindAudio
	}
	return domain.TrackKindVideo
}
