package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/protocol"
	"meshmeet/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testRoom = domain.RoomID("abcdefghi")

// recordingMetrics counts what the engine reports.
type recordingMetrics struct {
	mu        sync.Mutex
	completed map[domain.Cycle]int
	failed    map[string]int
	opened    int
	closed    int
	ice       map[string]int
	dropped   map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		completed: make(map[domain.Cycle]int),
		failed:    make(map[string]int),
		ice:       make(map[string]int),
		dropped:   make(map[string]int),
	}
}

func (m *recordingMetrics) NegotiationCompleted(cycle domain.Cycle, _ time.Duration) {
	m.mu.Lock()
	m.completed[cycle]++
	m.mu.Unlock()
}

func (m *recordingMetrics) NegotiationFailed(cycle domain.Cycle, reason string) {
	m.mu.Lock()
	m.failed[string(cycle)+"/"+reason]++
	m.mu.Unlock()
}

func (m *recordingMetrics) PeerConnectionOpened() {
	m.mu.Lock()
	m.opened++
	m.mu.Unlock()
}

func (m *recordingMetrics) PeerConnectionClosed() {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
}

func (m *recordingMetrics) ICECandidate(direction, disposition string) {
	m.mu.Lock()
	m.ice[direction+"/"+disposition]++
	m.mu.Unlock()
}

func (m *recordingMetrics) MessageDropped(kind string) {
	m.mu.Lock()
	m.dropped[kind]++
	m.mu.Unlock()
}

func (m *recordingMetrics) Completed(cycle domain.Cycle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed[cycle]
}

func (m *recordingMetrics) Failed(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed[key]
}

func (m *recordingMetrics) ICE(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ice[key]
}

func (m *recordingMetrics) Dropped(kind protocol.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[string(kind)]
}

// meshClient is one session wired to a shared hub.
type meshClient struct {
	*Session
	ID       domain.SocketID
	Signaler *testutil.FakeSignaler
	Factory  *testutil.FakeFactory
	Devices  *testutil.FakeDevices
	Metrics  *recordingMetrics
}

func newMeshClient(t *testing.T, hub *testutil.Hub, id domain.SocketID, cfg SessionConfig) *meshClient {
	t.Helper()

	c := &meshClient{
		ID:      id,
		Factory: &testutil.FakeFactory{Label: string(id)},
		Devices: &testutil.FakeDevices{},
		Metrics: newRecordingMetrics(),
	}
	c.Signaler = hub.Connect(id, nil)
	c.Session = NewSession(
		domain.Identity{Name: "user-" + string(id)},
		c.Signaler,
		c.Factory,
		c.Devices,
		cfg,
		c.Metrics,
		zaptest.NewLogger(t).Sugar(),
	)
	hub.Attach(id, c.HandleMessage)
	t.Cleanup(c.Close)
	return c
}

func (c *meshClient) peer(t *testing.T, id domain.SocketID) *Participant {
	t.Helper()
	p, ok := c.Registry.Lookup(id)
	require.True(t, ok, "%s has no connection to %s", c.ID, id)
	return p
}

func (c *meshClient) fakeConn(t *testing.T, id domain.SocketID) *testutil.FakePeerConnection {
	t.Helper()
	conn, ok := c.peer(t, id).Conn().(*testutil.FakePeerConnection)
	require.True(t, ok)
	return conn
}

func joinAll(t *testing.T, ctx context.Context, hub *testutil.Hub, clients ...*meshClient) {
	t.Helper()
	hub.Flush(ctx)
	for _, c := range clients {
		require.NoError(t, c.Join(ctx, testRoom, ""))
		hub.Flush(ctx)
	}
}

func TestMesh_OfferAnswerRoundTripReachesStable(t *testing.T) {
	ctx := context.Background()
	hub := testutil.NewHub()
	a := newMeshClient(t, hub, "A", SessionConfig{})
	b := newMeshClient(t, hub, "B", SessionConfig{})

	joinAll(t, ctx, hub, a, b)

	stateA, ok := a.Engine.State("B")
	require.True(t, ok)
	stateB, ok := b.Engine.State("A")
	require.True(t, ok)
	assert.Equal(t, domain.StateStable, stateA)
	assert.Equal(t, domain.StateStable, stateB)

	// A initiated, so B learned A's profile from the offer and A learned
	// B's from the answer.
	assert.Equal(t, "user-A", b.peer(t, "A").DisplayName())
	assert.Equal(t, "user-B", a.peer(t, "B").DisplayName())

	// each side applied the other's host candidate
	assert.Len(t, a.fakeConn(t, "B").Candidates(), 1)
	assert.Len(t, b.fakeConn(t, "A").Candidates(), 1)

	assert.Equal(t, 1, a.Metrics.Completed(domain.CycleInitial))
	assert.Equal(t, 1, b.Metrics.Completed(domain.CycleInitial))
	assert.Len(t, a.Signaler.SentOfKind(protocol.KindOffersCreated), 1)
	assert.Len(t, b.Signaler.SentOfKind(protocol.KindAnswerCreated), 1)
}

func TestMesh_ParticipantJoiningTwoMembersGetsOneStableConnectionEach(t *testing.T) {
	ctx := context.Background()
	hub := testutil.NewHub()
	x := newMeshClient(t, hub, "X", SessionConfig{})
	y := newMeshClient(t, hub, "Y", SessionConfig{})
	joinAll(t, ctx, hub, x, y)

	p := newMeshClient(t, hub, "P", SessionConfig{})
	joinAll(t, ctx, hub, p)

	require.Equal(t, 2, p.Registry.Len())
	for _, remote := range []domain.SocketID{"X", "Y"} {
		state, ok := p.Engine.State(remote)
		require.True(t, ok)
		assert.Equal(t, domain.StateStable, state, "connection to %s", remote)
	}
	// one factory call per peer means nothing was created and thrown away
	assert.Len(t, p.Factory.Conns(), 2)
	for _, conn := range p.Factory.Conns() {
		assert.False(t, conn.Closed())
	}

	for _, member := range []*meshClient{x, y} {
		assert.Equal(t, 2, member.Registry.Len())
		state, ok := member.Engine.State("P")
		require.True(t, ok)
		assert.Equal(t, domain.StateStable, state)
	}
}

func TestMesh_StartCameraRenegotiatesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	hub := testutil.NewHub()
	a := newMeshClient(t, hub, "A", SessionConfig{})
	b := newMeshClient(t, hub, "B", SessionConfig{})
	joinAll(t, ctx, hub, a, b)

	require.NoError(t, a.Media.StartCamera(ctx))
	hub.Flush(ctx)

	assert.Len(t, a.Signaler.SentOfKind(protocol.KindNegoOffer), 1)
	assert.Equal(t, 1, a.Metrics.Completed(domain.CycleRenegotiation))
	assert.Equal(t, 1, b.Metrics.Completed(domain.CycleRenegotiation))

	state, _ := a.Engine.State("B")
	assert.Equal(t, domain.StateRenegotiationStable, state)

	video := b.peer(t, "A").VideoState()
	assert.True(t, video.Playing)
	assert.True(t, video.Changed)
	assert.Len(t, b.peer(t, "A").RemoteStream().TracksOfKind(domain.TrackKindVideo), 1)
}

func TestMesh_ScreenShareRoundTripRestoresAdvertisedState(t *testing.T) {
	ctx := context.Background()
	hub := testutil.NewHub()
	a := newMeshClient(t, hub, "A", SessionConfig{})
	b := newMeshClient(t, hub, "B", SessionConfig{})

	require.NoError(t, a.Media.StartCamera(ctx))
	require.NoError(t, a.Media.StartMicrophone(ctx))
	joinAll(t, ctx, hub, a, b)

	before := b.peer(t, "A")
	audioBefore, videoBefore := before.AudioState().Playing, before.VideoState().Playing
	require.True(t, audioBefore)
	require.True(t, videoBefore)

	require.NoError(t, a.Media.StartScreenShare(ctx))
	hub.Flush(ctx)

	assert.True(t, a.Media.Sharing())
	assert.Nil(t, a.Media.Camera())
	assert.Nil(t, a.Media.Microphone())
	assert.True(t, a.Media.CameraOn(), "camera affordance survives the share")
	assert.True(t, a.Media.MicOn())
	assert.Same(t, a.Devices.LastDisplay(), a.Media.LocalVideo())
	require.NotNil(t, a.Media.ScreenAudio())
	assert.Equal(t, 1, a.Media.ScreenAudio().Len())

	require.NoError(t, a.Media.StopScreenShare(ctx))
	hub.Flush(ctx)

	assert.False(t, a.Media.Sharing())
	assert.NotNil(t, a.Media.Camera())
	assert.NotNil(t, a.Media.Microphone())
	assert.Nil(t, a.Media.ScreenAudio())

	after := b.peer(t, "A")
	assert.Equal(t, audioBefore, after.AudioState().Playing)
	assert.Equal(t, videoBefore, after.VideoState().Playing)

	state, _ := a.Engine.State("B")
	assert.True(t, state.IsStable())
	stateB, _ := b.Engine.State("A")
	assert.True(t, stateB.IsStable())
}

func TestMesh_ScreenShareEndedBySourceResumesCamera(t *testing.T) {
	ctx := context.Background()
	hub := testutil.NewHub()
	a := newMeshClient(t, hub, "A", SessionConfig{})
	b := newMeshClient(t, hub, "B", SessionConfig{})
	require.NoError(t, a.Media.StartCamera(ctx))
	joinAll(t, ctx, hub, a, b)

	require.NoError(t, a.Media.StartScreenShare(ctx))
	hub.Flush(ctx)

	display := a.Devices.LastDisplay()
	require.NotNil(t, display)
	display.TracksOfKind(domain.TrackKindVideo)[0].(*testutil.FakeTrack).End()
	hub.Flush(ctx)

	assert.False(t, a.Media.Sharing())
	assert.NotNil(t, a.Media.Camera())
	assert.Nil(t, a.Media.Microphone(), "microphone was never on")
	assert.True(t, b.peer(t, "A").VideoState().Playing)
	assert.False(t, b.peer(t, "A").AudioState().Playing)
}

func TestMesh_InitialOfferGlareResolvesBySocketID(t *testing.T) {
	ctx := context.Background()
	hub := testutil.NewHub()
	a := newMeshClient(t, hub, "A", SessionConfig{})
	b := newMeshClient(t, hub, "B", SessionConfig{})
	hub.Flush(ctx)

	hub.Inject("A", protocol.CreateOffers{Sockets: []domain.SocketID{"B"}, RoomID: testRoom})
	hub.Inject("B", protocol.CreateOffers{Sockets: []domain.SocketID{"A"}, RoomID: testRoom})
	hub.Flush(ctx)

	stateA, _ := a.Engine.State("B")
	stateB, _ := b.Engine.State("A")
	assert.Equal(t, domain.StateStable, stateA)
	assert.Equal(t, domain.StateStable, stateB)

	// "A" < "B", so A gave way and answered B's offer
	assert.Equal(t, 1, a.fakeConn(t, "B").Rollbacks())
	assert.Equal(t, 0, b.fakeConn(t, "A").Rollbacks())
	assert.Len(t, a.Signaler.SentOfKind(protocol.KindAnswerCreated), 1)
	assert.Empty(t, b.Signaler.SentOfKind(protocol.KindAnswerCreated))
	assert.Equal(t, 1, b.Metrics.Dropped(protocol.KindAcceptOffer))

	assert.Equal(t, 1, a.Registry.Len())
	assert.Equal(t, 1, b.Registry.Len())
	assert.Len(t, a.fakeConn(t, "B").Candidates(), 1)
	assert.Len(t, b.fakeConn(t, "A").Candidates(), 1)
}

func TestMesh_DisconnectRemovesParticipant(t *testing.T) {
	ctx := context.Background()
	hub := testutil.NewHub()
	a := newMeshClient(t, hub, "A", SessionConfig{})
	b := newMeshClient(t, hub, "B", SessionConfig{})
	require.NoError(t, b.Media.StartMicrophone(ctx))
	joinAll(t, ctx, hub, a, b)

	remoteAudio := a.peer(t, "B").AudioTracks()
	require.Len(t, remoteAudio, 1)
	require.Equal(t, 1, a.Registry.MixedAudio().Len())
	conn := a.fakeConn(t, "B")

	hub.Disconnect("B")
	hub.Flush(ctx)

	_, ok := a.Registry.Lookup("B")
	assert.False(t, ok)
	assert.True(t, conn.Closed())
	assert.True(t, remoteAudio[0].(*testutil.FakeTrack).Stopped())
	assert.Equal(t, 0, a.Registry.MixedAudio().Len())
}

func TestMesh_LeaveTearsDownEverything(t *testing.T) {
	ctx := context.Background()
	hub := testutil.NewHub()
	a := newMeshClient(t, hub, "A", SessionConfig{})
	b := newMeshClient(t, hub, "B", SessionConfig{})
	require.NoError(t, a.Media.StartCamera(ctx))
	joinAll(t, ctx, hub, a, b)

	camera := a.Media.Camera()
	require.NotNil(t, camera)

	require.NoError(t, a.Leave(ctx))
	hub.Flush(ctx)

	assert.Equal(t, 0, a.Registry.Len())
	assert.Nil(t, a.Media.Camera())
	assert.False(t, a.Media.CameraOn())
	for _, tr := range camera.Tracks() {
		assert.True(t, tr.(*testutil.FakeTrack).Stopped())
	}
	assert.Equal(t, domain.RoomID(""), a.Local.RoomID())

	assert.Equal(t, 0, b.Registry.Len())
	assert.Equal(t, []domain.SocketID{"B"}, hub.Members())
}

func TestMesh_AdmissionFlowJoinsAcceptedRequester(t *testing.T) {
	ctx := context.Background()
	hub := testutil.NewHub()
	host := newMeshClient(t, hub, "H", SessionConfig{})
	joinAll(t, ctx, hub, host)

	guest := newMeshClient(t, hub, "G", SessionConfig{})
	hub.Flush(ctx)
	require.NoError(t, guest.Chat.RequestJoin(ctx, testRoom, domain.Identity{Name: "Guest"}))
	hub.Flush(ctx)

	requests := host.Chat.JoinRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, domain.SocketID("G"), requests[0].SocketID)
	assert.Equal(t, "Guest", requests[0].Identity.Name)

	require.NoError(t, host.Chat.AcceptJoin(ctx, "G"))
	hub.Flush(ctx)

	assert.Equal(t, testRoom, guest.Local.RoomID())
	assert.Equal(t, "pass-G", guest.Local.Secret())
	state, ok := host.Engine.State("G")
	require.True(t, ok)
	assert.Equal(t, domain.StateStable, state)
	assert.Equal(t, "Guest", host.peer(t, "G").DisplayName())
	assert.Empty(t, host.Chat.JoinRequests(), "request cleared once connected")
}

func TestMesh_ParallelExecutorReachesStable(t *testing.T) {
	ctx := context.Background()
	hub := testutil.NewHub()
	cfg := SessionConfig{Parallel: true}
	clients := []*meshClient{
		newMeshClient(t, hub, "A", cfg),
		newMeshClient(t, hub, "B", cfg),
		newMeshClient(t, hub, "C", cfg),
	}
	hub.Flush(ctx)
	for _, c := range clients {
		require.NoError(t, c.Join(ctx, testRoom, ""))
	}

	stableEverywhere := func() bool {
		hub.Flush(ctx)
		for _, c := range clients {
			if c.Registry.Len() != 2 {
				return false
			}
			for _, p := range c.Registry.Participants() {
				if p.State() != domain.StateStable {
					return false
				}
			}
		}
		return true
	}
	assert.Eventually(t, stableEverywhere, 2*time.Second, 10*time.Millisecond)
}
