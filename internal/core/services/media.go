package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"
	"meshmeet/internal/core/protocol"

	"go.uber.org/zap"
)

// MediaController owns the local camera, microphone and screen captures and
// fans their tracks out to every connection. Renegotiation follows from the
// connections' negotiation-needed events, never from a direct call.
type MediaController struct {
	devices  ports.MediaDevices
	registry *PeerRegistry
	signaler ports.Signaler
	logger   *zap.SugaredLogger

	// ops serializes start/stop operations; mu guards the fields below.
	ops sync.Mutex

	mu          sync.RWMutex
	camera      *domain.MediaStream
	mic         *domain.MediaStream
	screen      *domain.MediaStream
	screenAudio *domain.MediaStream
	cameraOn    bool
	micOn       bool
}

func NewMediaController(devices ports.MediaDevices, registry *PeerRegistry, signaler ports.Signaler, logger *zap.SugaredLogger) *MediaController {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MediaController{
		devices:  devices,
		registry: registry,
		signaler: signaler,
		logger:   logger,
	}
}

func (m *MediaController) StartCamera(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.startUser(ctx, domain.TrackKindVideo)
}

func (m *MediaController) StopCamera(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.stopUser(ctx, domain.TrackKindVideo, true)
}

func (m *MediaController) StartMicrophone(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.startUser(ctx, domain.TrackKindAudio)
}

func (m *MediaController) StopMicrophone(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.stopUser(ctx, domain.TrackKindAudio, true)
}

// slot returns the stream field and the "on" affordance for a capture kind.
func (m *MediaController) slot(kind domain.TrackKind) (**domain.MediaStream, *bool) {
	if kind == domain.TrackKindVideo {
		return &m.camera, &m.cameraOn
	}
	return &m.mic, &m.micOn
}

func (m *MediaController) startUser(ctx context.Context, kind domain.TrackKind) error {
	m.mu.Lock()
	stream, on := m.slot(kind)
	if m.screen != nil {
		// resumed when the share ends
		*on = true
		m.mu.Unlock()
		return nil
	}
	if *stream != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	constraints := ports.MediaConstraints{Video: kind == domain.TrackKindVideo, Audio: kind == domain.TrackKindAudio}
	captured, err := m.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrCaptureDenied, captureName(kind), err)
	}

	m.mu.Lock()
	*stream = captured
	*on = true
	m.mu.Unlock()

	m.logger.Infow("capture started", "kind", captureName(kind), "tracks", captured.Len())
	m.fanOut(captured.Tracks())
	return nil
}

// stopUser stops a camera or microphone capture and tells every peer. When
// userIntent is false the "on" affordance is kept.
func (m *MediaController) stopUser(ctx context.Context, kind domain.TrackKind, userIntent bool) error {
	m.mu.Lock()
	stream, on := m.slot(kind)
	if userIntent {
		*on = false
	}
	captured := *stream
	*stream = nil
	m.mu.Unlock()

	if captured == nil {
		return nil
	}
	captured.Stop()
	m.logger.Infow("capture stopped", "kind", captureName(kind))

	streamKind := domain.StreamKindVideo
	if kind == domain.TrackKindAudio {
		streamKind = domain.StreamKindAudio
	}
	return m.broadcastStop(ctx, streamKind)
}

// StartScreenShare acquires the display first; a refusal leaves camera and
// microphone untouched, then releases them and shares the screen instead.
func (m *MediaController) StartScreenShare(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.RLock()
	sharing := m.screen != nil
	m.mu.RUnlock()
	if sharing {
		return nil
	}

	display, err := m.devices.GetDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("%w: screen: %v", domain.ErrCaptureDenied, err)
	}

	errs := []error{
		m.stopUser(ctx, domain.TrackKindVideo, false),
		m.stopUser(ctx, domain.TrackKindAudio, false),
	}

	m.mu.Lock()
	m.screen = display
	m.screenAudio = domain.NewMediaStream("screen-audio", display.TracksOfKind(domain.TrackKindAudio)...)
	m.mu.Unlock()

	for _, t := range display.TracksOfKind(domain.TrackKindVideo) {
		t.OnEnded(func() {
			m.logger.Infow("screen share ended by source")
			if err := m.stopScreen(context.Background(), display); err != nil {
				m.logger.Warnw("failed to stop screen share", "error", err)
			}
		})
	}

	m.logger.Infow("screen share started", "tracks", display.Len())
	m.fanOut(display.Tracks())
	return errors.Join(errs...)
}

// StopScreenShare ends the share and resumes camera and microphone if they
// were left on.
func (m *MediaController) StopScreenShare(ctx context.Context) error {
	m.mu.RLock()
	display := m.screen
	m.mu.RUnlock()
	if display == nil {
		return nil
	}
	return m.stopScreen(ctx, display)
}

func (m *MediaController) stopScreen(ctx context.Context, display *domain.MediaStream) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	if m.screen != display {
		m.mu.Unlock()
		return nil
	}
	m.screen = nil
	m.screenAudio = nil
	resumeCamera, resumeMic := m.cameraOn, m.micOn
	m.mu.Unlock()

	display.Stop()
	m.logger.Infow("screen share stopped")

	errs := []error{m.broadcastStop(ctx, domain.StreamKindPresentation)}
	if resumeCamera {
		errs = append(errs, m.startUser(ctx, domain.TrackKindVideo))
	}
	if resumeMic {
		errs = append(errs, m.startUser(ctx, domain.TrackKindAudio))
	}
	return errors.Join(errs...)
}

// StopAll releases every capture without signaling, used when leaving.
func (m *MediaController) StopAll() {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	streams := []*domain.MediaStream{m.camera, m.mic, m.screen}
	m.camera, m.mic, m.screen, m.screenAudio = nil, nil, nil, nil
	m.cameraOn, m.micOn = false, false
	m.mu.Unlock()

	for _, s := range streams {
		if s != nil {
			s.Stop()
		}
	}
}

func (m *MediaController) fanOut(tracks []domain.MediaTrack) {
	for _, p := range m.registry.Participants() {
		for _, t := range tracks {
			if err := p.conn.AddTrack(t); err != nil {
				m.logger.Warnw("failed to add track",
					"socket_id", p.SocketID,
					"track_id", t.ID(),
					"error", err,
				)
			}
		}
	}
}

func (m *MediaController) broadcastStop(ctx context.Context, kind domain.StreamKind) error {
	var errs []error
	for _, p := range m.registry.Participants() {
		if err := m.signaler.Send(ctx, protocol.StreamStopped{To: p.SocketID, StreamKind: kind}); err != nil {
			errs = append(errs, fmt.Errorf("stream stopped to %s: %w", p.SocketID, err))
		}
	}
	return errors.Join(errs...)
}

// ActiveTracks lists every live local track, for new connections.
func (m *MediaController) ActiveTracks() []domain.MediaTrack {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.MediaTrack
	for _, s := range []*domain.MediaStream{m.camera, m.mic, m.screen} {
		if s != nil {
			out = append(out, s.Tracks()...)
		}
	}
	return out
}

// LocalVideo is the stream shown in the local tile; the screen wins.
func (m *MediaController) LocalVideo() *domain.MediaStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.screen != nil {
		return m.screen
	}
	return m.camera
}

func (m *MediaController) ScreenAudio() *domain.MediaStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.screenAudio
}

func (m *MediaController) Camera() *domain.MediaStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.camera
}

func (m *MediaController) Microphone() *domain.MediaStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mic
}

func (m *MediaController) CameraOn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cameraOn
}

func (m *MediaController) MicOn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.micOn
}

func (m *MediaController) Sharing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.screen != nil
}

func captureName(kind domain.TrackKind) string {
	if kind == domain.TrackKindVideo {
		return "camera"
	}
	return "microphone"
}
