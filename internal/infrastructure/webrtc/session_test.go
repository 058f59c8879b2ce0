package webrtc

import (
	"context"
	"testing"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/services"
	"meshmeet/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pionRoom domain.RoomID = "room-pion"

// newPionSession runs a full session over real pion connections. Loggers
// stay silent because pion reports state changes after the test returns.
func newPionSession(t *testing.T, hub *testutil.Hub, factory *PeerConnectionFactory, id domain.SocketID) *services.Session {
	t.Helper()
	devices := NewSyntheticDevices(DefaultSyntheticConfig(), nil)
	session := services.NewSession(
		domain.Identity{Name: "user-" + string(id)},
		hub.Connect(id, nil),
		factory,
		devices,
		services.SessionConfig{Parallel: true},
		nil,
		nil,
	)
	hub.Attach(id, session.HandleMessage)
	t.Cleanup(func() {
		session.Close()
		_ = session.Leave(context.Background())
	})
	return session
}

func stateOf(s *services.Session, id domain.SocketID) domain.NegotiationState {
	state, _ := s.Engine.State(id)
	return state
}

func joinPion(t *testing.T, ctx context.Context, hub *testutil.Hub, sessions ...*services.Session) {
	t.Helper()
	hub.Flush(ctx)
	for _, s := range sessions {
		require.NoError(t, s.Join(ctx, pionRoom, ""))
		hub.Flush(ctx)
	}
}

func TestSession_MembersWithoutMediaConnect(t *testing.T) {
	ctx := context.Background()
	factory, err := NewPeerConnectionFactory(Config{}, nil)
	require.NoError(t, err)
	hub := testutil.NewHub()
	a := newPionSession(t, hub, factory, "A")
	b := newPionSession(t, hub, factory, "B")

	joinPion(t, ctx, hub, a, b)

	require.Eventually(t, func() bool {
		hub.Flush(ctx)
		return stateOf(a, "B").IsStable() && stateOf(b, "A").IsStable() && hub.Pending() == 0
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, a.Registry.Len())
	assert.Equal(t, 1, b.Registry.Len())
}

func TestSession_JoinerWithCameraRenegotiatesWithMemberWithoutMedia(t *testing.T) {
	ctx := context.Background()
	factory, err := NewPeerConnectionFactory(Config{}, nil)
	require.NoError(t, err)
	hub := testutil.NewHub()
	a := newPionSession(t, hub, factory, "A")
	joinPion(t, ctx, hub, a)

	b := newPionSession(t, hub, factory, "B")
	hub.Flush(ctx)
	require.NoError(t, b.Media.StartCamera(ctx))
	joinPion(t, ctx, hub, b)

	// A's offer has no video section, so B's camera needs a second cycle
	require.Eventually(t, func() bool {
		hub.Flush(ctx)
		return stateOf(b, "A") == domain.StateRenegotiationStable && stateOf(a, "B").IsStable() && hub.Pending() == 0
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, a.Registry.Len())
	assert.Equal(t, 1, b.Registry.Len())
}

func TestSession_JoinWithCamera(t *testing.T) {
	ctx := context.Background()
	factory, err := NewPeerConnectionFactory(Config{}, nil)
	require.NoError(t, err)
	hub := testutil.NewHub()
	a := newPionSession(t, hub, factory, "A")
	b := newPionSession(t, hub, factory, "B")
	hub.Flush(ctx)
	require.NoError(t, a.Media.StartCamera(ctx))
	require.NoError(t, b.Media.StartCamera(ctx))

	joinPion(t, ctx, hub, a, b)

	require.Eventually(t, func() bool {
		hub.Flush(ctx)
		return stateOf(a, "B").IsStable() && stateOf(b, "A").IsStable() && hub.Pending() == 0
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, a.Registry.Len())
	assert.Equal(t, 1, b.Registry.Len())
	assert.True(t, a.Media.CameraOn())
	assert.True(t, b.Media.CameraOn())
}
