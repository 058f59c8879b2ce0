package webrtc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	videoClockRate = 90000
	audioClockRate = 48000
	mtu            = 1200
)

type SyntheticConfig struct {
	VideoInterval time.Duration
	AudioInterval time.Duration
	// DisplayDuration ends screen captures on their own after the given
	// time, like a user pressing the browser's stop-sharing button. Zero
	// keeps them running until stopped.
	DisplayDuration time.Duration
	DenyCamera      bool
	DenyMicrophone  bool
	DenyDisplay     bool
}

func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		VideoInterval: time.Second / 30,
		AudioInterval: 20 * time.Millisecond,
	}
}

// SyntheticDevices produces RTP-fed capture tracks for headless clients.
type SyntheticDevices struct {
	cfg    SyntheticConfig
	logger *zap.SugaredLogger
}

var _ ports.MediaDevices = (*SyntheticDevices)(nil)

func NewSyntheticDevices(cfg SyntheticConfig, logger *zap.SugaredLogger) *SyntheticDevices {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	defaults := DefaultSyntheticConfig()
	if cfg.VideoInterval <= 0 {
		cfg.VideoInterval = defaults.VideoInterval
	}
	if cfg.AudioInterval <= 0 {
		cfg.AudioInterval = defaults.AudioInterval
	}
	return &SyntheticDevices{cfg: cfg, logger: logger}
}

func (d *SyntheticDevices) GetUserMedia(ctx context.Context, constraints ports.MediaConstraints) (*domain.MediaStream, error) {
	if !constraints.Audio && !constraints.Video {
		return nil, fmt.Errorf("%w: no media kind requested", domain.ErrCaptureDenied)
	}
	if constraints.Video && d.cfg.DenyCamera {
		return nil, fmt.Errorf("%w: camera", domain.ErrCaptureDenied)
	}
	if constraints.Audio && d.cfg.DenyMicrophone {
		return nil, fmt.Errorf("%w: microphone", domain.ErrCaptureDenied)
	}

	streamID := "user-" + uuid.NewString()
	stream := domain.NewMediaStream(streamID)
	if constraints.Audio {
		track, err := d.newTrack(streamID, domain.TrackKindAudio, "mic")
		if err != nil {
			return nil, err
		}
		stream.AddTrack(track)
	}
	if constraints.Video {
		track, err := d.newTrack(streamID, domain.TrackKindVideo, "camera")
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.AddTrack(track)
	}
	return stream, nil
}

func (d *SyntheticDevices) GetDisplayMedia(ctx context.Context) (*domain.MediaStream, error) {
	if d.cfg.DenyDisplay {
		return nil, fmt.Errorf("%w: display", domain.ErrCaptureDenied)
	}

	streamID := "screen-" + uuid.NewString()
	video, err := d.newTrack(streamID, domain.TrackKindVideo, "screen")
	if err != nil {
		return nil, err
	}
	audio, err := d.newTrack(streamID, domain.TrackKindAudio, "screen-audio")
	if err != nil {
		video.Stop()
		return nil, err
	}

	if d.cfg.DisplayDuration > 0 {
		time.AfterFunc(d.cfg.DisplayDuration, video.end)
	}
	return domain.NewMediaStream(streamID, video, audio), nil
}

func (d *SyntheticDevices) newTrack(streamID string, kind domain.TrackKind, label string) (*SyntheticTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate}
	interval := d.cfg.VideoInterval
	if kind == domain.TrackKindAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2}
		interval = d.cfg.AudioInterval
	}

	id := label + "-" + uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	t := &SyntheticTrack{
		local:    local,
		kind:     kind,
		interval: interval,
		clock:    capability.ClockRate,
		done:     make(chan struct{}),
		logger:   d.logger,
	}
	go t.pump()
	return t, nil
}

// SyntheticTrack writes filler RTP at a fixed cadence until stopped.
type SyntheticTrack struct {
	local    *webrtc.TrackLocalStaticRTP
	kind     domain.TrackKind
	interval time.Duration
	clock    uint32
	logger   *zap.SugaredLogger

	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	onEnded []func()
	written uint64
}

var _ LocalTrack = (*SyntheticTrack)(nil)

func (t *SyntheticTrack) ID() string                    { return t.local.ID() }
func (t *SyntheticTrack) Kind() domain.TrackKind        { return t.kind }
func (t *SyntheticTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *SyntheticTrack) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *SyntheticTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// end stops the track as if the source went away and runs OnEnded callbacks.
// It is a no-op for a track already stopped.
func (t *SyntheticTrack) end() {
	fired := false
	t.stopOnce.Do(func() {
		close(t.done)
		fired = true
	})
	if !fired {
		return
	}

	t.mu.Lock()
	callbacks := append([]func(){}, t.onEnded...)
	t.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (t *SyntheticTrack) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// PacketsWritten counts packets handed to the track's bindings.
func (t *SyntheticTrack) PacketsWritten() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written
}

func (t *SyntheticTrack) pump() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	step := uint32(uint64(t.clock) * uint64(t.interval) / uint64(time.Second))
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: uint16(rand.Uint32()),
			Timestamp:      rand.Uint32(),
		},
		Payload: t.payload(),
	}

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		// Marker closes each video frame.
		packet.Marker = t.kind == domain.TrackKindVideo
		if err := t.local.WriteRTP(packet); err != nil {
			t.logger.Debugw("synthetic track write failed", "track_id", t.ID(), "error", err)
			continue
		}
		t.mu.Lock()
		t.written++
		t.mu.Unlock()

		packet.SequenceNumber++
		packet.Timestamp += step
	}
}

func (t *SyntheticTrack) payload() []byte {
	if t.kind == domain.TrackKindAudio {
		// Opus TOC byte for a 20ms SILK frame followed by silence.
		return append([]byte{0x78}, make([]byte, 40)...)
	}
	// VP8 payload descriptor with the start bit set, then a keyframe-sized
	// blank body.
	return append([]byte{0x10}, make([]byte, mtu-100)...)
}
