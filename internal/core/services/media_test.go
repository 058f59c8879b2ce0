package services

import (
	"context"
	"testing"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/protocol"
	"meshmeet/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mediaFixture struct {
	media    *MediaController
	registry *PeerRegistry
	devices  *testutil.FakeDevices
	signaler *testutil.FakeSignaler
}

func newMediaFixture(t *testing.T, peers ...domain.SocketID) *mediaFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	f := &mediaFixture{
		devices:  &testutil.FakeDevices{},
		signaler: testutil.NewFakeSignaler("L"),
	}
	f.registry = NewPeerRegistry(&testutil.FakeFactory{Label: "L"}, nil, nil, logger)
	f.media = NewMediaController(f.devices, f.registry, f.signaler, logger)
	f.registry.SetTrackSource(f.media)
	for _, id := range peers {
		_, err := f.registry.CreateConnection(id, nil)
		require.NoError(t, err)
	}
	return f
}

func (f *mediaFixture) localTracks(t *testing.T, id domain.SocketID) []domain.MediaTrack {
	t.Helper()
	p, ok := f.registry.Lookup(id)
	require.True(t, ok)
	return p.Conn().(*testutil.FakePeerConnection).LocalTracks()
}

func TestMediaController_StartCameraFansOut(t *testing.T) {
	ctx := context.Background()
	f := newMediaFixture(t, "R1", "R2")

	require.NoError(t, f.media.StartCamera(ctx))

	camera := f.media.Camera()
	require.NotNil(t, camera)
	assert.True(t, f.media.CameraOn())
	assert.Same(t, camera, f.media.LocalVideo())
	for _, id := range []domain.SocketID{"R1", "R2"} {
		assert.Equal(t, camera.Tracks(), f.localTracks(t, id))
	}

	// starting again is a no-op
	require.NoError(t, f.media.StartCamera(ctx))
	assert.Equal(t, 1, f.devices.UserMediaCalls())
}

func TestMediaController_CaptureDenialLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newMediaFixture(t, "R1")
	f.devices.DenyCamera = true
	f.devices.DenyMic = true

	assert.ErrorIs(t, f.media.StartCamera(ctx), domain.ErrCaptureDenied)
	assert.ErrorIs(t, f.media.StartMicrophone(ctx), domain.ErrCaptureDenied)

	assert.Nil(t, f.media.Camera())
	assert.Nil(t, f.media.Microphone())
	assert.False(t, f.media.CameraOn())
	assert.False(t, f.media.MicOn())
	assert.Empty(t, f.localTracks(t, "R1"))
}

func TestMediaController_StopCameraSignalsEveryPeer(t *testing.T) {
	ctx := context.Background()
	f := newMediaFixture(t, "R1", "R2")
	require.NoError(t, f.media.StartCamera(ctx))
	camera := f.media.Camera()

	require.NoError(t, f.media.StopCamera(ctx))

	assert.Nil(t, f.media.Camera())
	assert.False(t, f.media.CameraOn())
	for _, tr := range camera.Tracks() {
		assert.True(t, tr.(*testutil.FakeTrack).Stopped())
	}

	stops := f.signaler.SentOfKind(protocol.KindStreamStopped)
	require.Len(t, stops, 2)
	for _, m := range stops {
		assert.Equal(t, domain.StreamKindVideo, m.(protocol.StreamStopped).StreamKind)
	}

	// stopping a capture that is not running sends nothing
	f.signaler.Reset()
	require.NoError(t, f.media.StopCamera(ctx))
	assert.Empty(t, f.signaler.Sent())
}

func TestMediaController_StopMicrophoneSendsAudioKind(t *testing.T) {
	ctx := context.Background()
	f := newMediaFixture(t, "R1")
	require.NoError(t, f.media.StartMicrophone(ctx))
	require.NoError(t, f.media.StopMicrophone(ctx))

	stops := f.signaler.SentOfKind(protocol.KindStreamStopped)
	require.Len(t, stops, 1)
	assert.Equal(t, protocol.StreamStopped{To: "R1", StreamKind: domain.StreamKindAudio}, stops[0])
}

func TestMediaController_ScreenShareDenialKeepsCamera(t *testing.T) {
	ctx := context.Background()
	f := newMediaFixture(t, "R1")
	require.NoError(t, f.media.StartCamera(ctx))
	camera := f.media.Camera()
	f.devices.DenyDisplay = true

	assert.ErrorIs(t, f.media.StartScreenShare(ctx), domain.ErrCaptureDenied)

	assert.False(t, f.media.Sharing())
	assert.Same(t, camera, f.media.Camera())
	for _, tr := range camera.Tracks() {
		assert.False(t, tr.(*testutil.FakeTrack).Stopped())
	}
	assert.Empty(t, f.signaler.SentOfKind(protocol.KindStreamStopped))
}

func TestMediaController_ScreenShareReplacesUserCapture(t *testing.T) {
	ctx := context.Background()
	f := newMediaFixture(t, "R1")
	require.NoError(t, f.media.StartCamera(ctx))
	require.NoError(t, f.media.StartMicrophone(ctx))

	require.NoError(t, f.media.StartScreenShare(ctx))

	display := f.devices.LastDisplay()
	require.NotNil(t, display)
	assert.True(t, f.media.Sharing())
	assert.Nil(t, f.media.Camera())
	assert.Nil(t, f.media.Microphone())
	assert.True(t, f.media.CameraOn())
	assert.True(t, f.media.MicOn())
	assert.ElementsMatch(t, display.Tracks(), f.media.ActiveTracks())

	var kinds []domain.StreamKind
	for _, m := range f.signaler.SentOfKind(protocol.KindStreamStopped) {
		kinds = append(kinds, m.(protocol.StreamStopped).StreamKind)
	}
	assert.Equal(t, []domain.StreamKind{domain.StreamKindVideo, domain.StreamKindAudio}, kinds)

	// a second start while sharing does nothing
	require.NoError(t, f.media.StartScreenShare(ctx))
	assert.Same(t, display, f.devices.LastDisplay())
}

func TestMediaController_CameraToggledDuringShareResumesAfterwards(t *testing.T) {
	ctx := context.Background()
	f := newMediaFixture(t, "R1")
	require.NoError(t, f.media.StartScreenShare(ctx))

	require.NoError(t, f.media.StartCamera(ctx))
	assert.Nil(t, f.media.Camera(), "camera waits for the share to end")
	assert.True(t, f.media.CameraOn())
	assert.Equal(t, 0, f.devices.UserMediaCalls())

	require.NoError(t, f.media.StopScreenShare(ctx))
	assert.NotNil(t, f.media.Camera())
	assert.Nil(t, f.media.Microphone())

	stops := f.signaler.SentOfKind(protocol.KindStreamStopped)
	require.NotEmpty(t, stops)
	assert.Equal(t, domain.StreamKindPresentation, stops[len(stops)-1].(protocol.StreamStopped).StreamKind)
}

func TestMediaController_NewConnectionGetsActiveTracks(t *testing.T) {
	ctx := context.Background()
	f := newMediaFixture(t)
	require.NoError(t, f.media.StartCamera(ctx))
	require.NoError(t, f.media.StartMicrophone(ctx))

	_, err := f.registry.CreateConnection("late", nil)
	require.NoError(t, err)

	assert.Len(t, f.localTracks(t, "late"), 2)
}

func TestMediaController_StopAll(t *testing.T) {
	ctx := context.Background()
	f := newMediaFixture(t, "R1")
	require.NoError(t, f.media.StartCamera(ctx))
	require.NoError(t, f.media.StartScreenShare(ctx))
	display := f.devices.LastDisplay()
	f.signaler.Reset()

	f.media.StopAll()

	assert.False(t, f.media.Sharing())
	assert.False(t, f.media.CameraOn())
	assert.Empty(t, f.media.ActiveTracks())
	for _, tr := range display.Tracks() {
		assert.True(t, tr.(*testutil.FakeTrack).Stopped())
	}
	assert.Empty(t, f.signaler.Sent())
}
