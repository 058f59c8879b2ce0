package services

import (
	"context"
	"testing"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/protocol"
	"meshmeet/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func domainIdentity(name string) domain.Identity {
	return domain.Identity{Name: name}
}

func newTestSession(t *testing.T) (*Session, *testutil.FakeSignaler) {
	t.Helper()
	signaler := testutil.NewFakeSignaler("L")
	s := NewSession(
		domainIdentity("Local"),
		signaler,
		&testutil.FakeFactory{Label: "L"},
		&testutil.FakeDevices{},
		SessionConfig{},
		nil,
		zaptest.NewLogger(t).Sugar(),
	)
	t.Cleanup(s.Close)
	return s, signaler
}

func TestSession_ConnectedAssignsSocketID(t *testing.T) {
	s, _ := newTestSession(t)
	s.HandleMessage(context.Background(), protocol.Connected{SocketID: "sock-1"})
	assert.Equal(t, domain.SocketID("sock-1"), s.Local.SocketID())
}

func TestSession_JoinAndLeaveSignalRoom(t *testing.T) {
	ctx := context.Background()
	s, signaler := newTestSession(t)

	require.NoError(t, s.Join(ctx, testRoom, "pass"))
	assert.Equal(t, []protocol.Message{protocol.RoomJoined{RoomID: testRoom, Secret: "pass"}}, signaler.Sent())
	assert.Equal(t, "pass", s.Local.Secret())

	require.NoError(t, s.Leave(ctx))
	assert.Equal(t, protocol.RoomLeft{RoomID: testRoom}, signaler.Sent()[1])
	assert.Equal(t, domain.RoomID(""), s.Local.RoomID())
}

func TestSession_RelayBoundKindsAreIgnored(t *testing.T) {
	s, signaler := newTestSession(t)
	ctx := context.Background()

	for _, msg := range []protocol.Message{
		protocol.ChatSend{To: "x", Message: "hi"},
		protocol.IceCandidate{To: "x"},
		protocol.RoomJoined{RoomID: testRoom},
		protocol.Error{Code: "NOT_FOUND", Message: "room not found"},
	} {
		s.HandleMessage(ctx, msg)
	}
	assert.Empty(t, signaler.Sent())
	assert.Equal(t, 0, s.Registry.Len())
}

func TestSession_JoinRequestAcceptedJoinsRoom(t *testing.T) {
	s, signaler := newTestSession(t)
	s.HandleMessage(context.Background(), protocol.JoinRequestAccepted{RoomID: testRoom, Secret: "granted"})

	assert.Equal(t, testRoom, s.Local.RoomID())
	joined := signaler.SentOfKind(protocol.KindRoomJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "granted", joined[0].(protocol.RoomJoined).Secret)
}

func TestSession_RunStopsWhenInputCloses(t *testing.T) {
	s, _ := newTestSession(t)
	in := make(chan protocol.Message, 2)
	in <- protocol.Connected{SocketID: "sock-9"}
	in <- protocol.ReceiveChat{Sender: "ghost", Message: "hey"}
	close(in)

	require.NoError(t, s.Run(context.Background(), in))
	assert.Equal(t, domain.SocketID("sock-9"), s.Local.SocketID())
	assert.Len(t, s.Chat.History(), 1)
}

func TestSession_RunHonoursContext(t *testing.T) {
	s, _ := newTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, make(chan protocol.Message))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
