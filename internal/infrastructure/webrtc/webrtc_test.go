package webrtc

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"
	"meshmeet/internal/testutil"
	"meshmeet/pkg/config"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestFactory(t *testing.T) *PeerConnectionFactory {
	t.Helper()
	factory, err := NewPeerConnectionFactory(Config{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return factory
}

func newTestConnection(t *testing.T, factory *PeerConnectionFactory) ports.PeerConnection {
	t.Helper()
	pc, err := factory.NewPeerConnection()
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc
}

func TestConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WebRTC.PortRange.Min = 40000
	cfg.WebRTC.PortRange.Max = 40100

	out := ConfigFrom(cfg)
	require.Len(t, out.ICEServers, 2)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, out.ICEServers[0].URLs)
	assert.Equal(t, uint16(40000), out.PortRange.Min)
	assert.Equal(t, uint16(40100), out.PortRange.Max)
}

func TestFactory_RejectsInvertedPortRange(t *testing.T) {
	var cfg Config
	cfg.PortRange.Min = 50000
	cfg.PortRange.Max = 40000

	_, err := NewPeerConnectionFactory(cfg, nil)
	assert.Error(t, err)
}

func TestPeerConnection_OfferAnswerWithTracks(t *testing.T) {
	ctx := context.Background()
	factory := newTestFactory(t)
	offerer := newTestConnection(t, factory)
	answerer := newTestConnection(t, factory)

	devices := NewSyntheticDevices(DefaultSyntheticConfig(), nil)
	stream, err := devices.GetUserMedia(ctx, ports.MediaConstraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer stream.Stop()

	for _, track := range stream.Tracks() {
		require.NoError(t, offerer.AddTrack(track))
	}

	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")
	for _, track := range stream.Tracks() {
		assert.Contains(t, offer.SDP, track.ID())
	}

	require.NoError(t, offerer.SetLocalDescription(ctx, offer))
	require.NoError(t, answerer.SetRemoteDescription(ctx, offer))

	answer, err := answerer.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, answerer.SetLocalDescription(ctx, answer))
	require.NoError(t, offerer.SetRemoteDescription(ctx, answer))
}

func TestPeerConnection_AddTrackRejectsForeignTracks(t *testing.T) {
	pc := newTestConnection(t, newTestFactory(t))

	err := pc.AddTrack(testutil.NewFakeTrack(domain.TrackKindVideo))
	assert.ErrorIs(t, err, ErrUnsupportedTrack)
}

func TestPeerConnection_ObserveRTCP(t *testing.T) {
	p := &peerConnection{logger: zaptest.NewLogger(t).Sugar()}

	p.observeRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: 1},
		&rtcp.FullIntraRequest{MediaSSRC: 1},
		&rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 1}, {PacketID: 9}}},
		&rtcp.ReceiverReport{},
	})

	assert.Equal(t, uint64(2), p.PictureLossCount())
	assert.Equal(t, uint64(2), p.NackCount())
}

func TestSyntheticDevices_UserMedia(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultSyntheticConfig()
	cfg.VideoInterval = 5 * time.Millisecond
	devices := NewSyntheticDevices(cfg, zaptest.NewLogger(t).Sugar())

	stream, err := devices.GetUserMedia(ctx, ports.MediaConstraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.Len(t, stream.Tracks(), 2)
	assert.Len(t, stream.TracksOfKind(domain.TrackKindAudio), 1)
	assert.True(t, strings.HasPrefix(stream.ID(), "user-"))

	video := stream.TracksOfKind(domain.TrackKindVideo)[0].(*SyntheticTrack)
	assert.Eventually(t, func() bool { return video.PacketsWritten() > 2 }, 2*time.Second, 5*time.Millisecond)

	var ended atomic.Bool
	video.OnEnded(func() { ended.Store(true) })
	stream.Stop()
	assert.True(t, video.Stopped())

	// Let a write that raced the stop land first.
	time.Sleep(10 * time.Millisecond)
	written := video.PacketsWritten()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, written, video.PacketsWritten())
	assert.False(t, ended.Load(), "stop must not report the source ending")
}

func TestSyntheticDevices_Denials(t *testing.T) {
	ctx := context.Background()
	devices := NewSyntheticDevices(SyntheticConfig{DenyCamera: true, DenyDisplay: true}, nil)

	_, err := devices.GetUserMedia(ctx, ports.MediaConstraints{Video: true})
	assert.ErrorIs(t, err, domain.ErrCaptureDenied)

	_, err = devices.GetDisplayMedia(ctx)
	assert.ErrorIs(t, err, domain.ErrCaptureDenied)

	_, err = devices.GetUserMedia(ctx, ports.MediaConstraints{})
	assert.ErrorIs(t, err, domain.ErrCaptureDenied)

	mic, err := devices.GetUserMedia(ctx, ports.MediaConstraints{Audio: true})
	require.NoError(t, err)
	defer mic.Stop()
	assert.Len(t, mic.Tracks(), 1)
}

func TestSyntheticDevices_DisplayEndsOnItsOwn(t *testing.T) {
	devices := NewSyntheticDevices(SyntheticConfig{DisplayDuration: 20 * time.Millisecond}, nil)

	display, err := devices.GetDisplayMedia(context.Background())
	require.NoError(t, err)
	require.Len(t, display.Tracks(), 2)

	video := display.TracksOfKind(domain.TrackKindVideo)[0]
	ended := make(chan struct{})
	video.OnEnded(func() { close(ended) })

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("display capture never ended")
	}
	assert.True(t, video.(*SyntheticTrack).Stopped())
	display.Stop()
}
