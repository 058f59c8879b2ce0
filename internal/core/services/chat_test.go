package services

import (
	"context"
	"strings"
	"testing"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/protocol"
	"meshmeet/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newChatFixture(t *testing.T, cfg ChatConfig, peers ...domain.SocketID) (*ChatService, *PeerRegistry, *testutil.FakeSignaler, *LocalParticipant) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	registry := NewPeerRegistry(&testutil.FakeFactory{}, nil, nil, logger)
	signaler := testutil.NewFakeSignaler("L")
	local := NewLocalParticipant(domain.Identity{Name: "Me"})
	local.SetRoom(testRoom, "")
	for _, id := range peers {
		_, err := registry.CreateConnection(id, &domain.Identity{Name: "name-" + string(id)})
		require.NoError(t, err)
	}
	return NewChatService(registry, signaler, local, cfg, logger), registry, signaler, local
}

func TestChatService_SendReachesEveryPeerAndLogsLocally(t *testing.T) {
	chat, _, signaler, _ := newChatFixture(t, ChatConfig{}, "A", "B")

	require.NoError(t, chat.SendChatMessage(context.Background(), "hello"))

	sends := signaler.SentOfKind(protocol.KindChatSend)
	require.Len(t, sends, 2)
	var targets []domain.SocketID
	for _, m := range sends {
		msg := m.(protocol.ChatSend)
		assert.Equal(t, "hello", msg.Message)
		targets = append(targets, msg.To)
	}
	assert.ElementsMatch(t, []domain.SocketID{"A", "B"}, targets)

	history := chat.History()
	require.Len(t, history, 1)
	assert.Equal(t, domain.LocalSenderLabel, history[0].SenderLabel)
	assert.Equal(t, "You", history[0].SenderLabel)
	assert.Equal(t, "hello", history[0].Body)
}

func TestChatService_SendRejectsInvalidBodies(t *testing.T) {
	chat, _, signaler, _ := newChatFixture(t, ChatConfig{}, "A")

	assert.Error(t, chat.SendChatMessage(context.Background(), "   "))
	assert.Error(t, chat.SendChatMessage(context.Background(), strings.Repeat("x", 2001)))
	assert.Empty(t, signaler.Sent())
	assert.Empty(t, chat.History())
}

func TestChatService_SendIsRateLimited(t *testing.T) {
	chat, _, _, _ := newChatFixture(t, ChatConfig{MessagesPerSecond: 0.001, Burst: 2}, "A")
	ctx := context.Background()

	require.NoError(t, chat.SendChatMessage(ctx, "one"))
	require.NoError(t, chat.SendChatMessage(ctx, "two"))
	assert.ErrorIs(t, chat.SendChatMessage(ctx, "three"), domain.ErrRateLimited)
	assert.Len(t, chat.History(), 2)
}

func TestChatService_ReceiveLabelsAndTracksUnread(t *testing.T) {
	chat, registry, _, _ := newChatFixture(t, ChatConfig{}, "A")
	ch, unsubscribe := registry.Notifier().Subscribe()
	defer unsubscribe()

	chat.ReceiveChatMessage("A", "hi")
	chat.ReceiveChatMessage("ghost", "boo")

	history := chat.History()
	require.Len(t, history, 2)
	assert.Equal(t, "name-A", history[0].SenderLabel)
	assert.Equal(t, domain.UnknownName, history[1].SenderLabel)
	assert.True(t, chat.Unread())

	select {
	case <-ch:
	default:
		t.Fatal("receiving chat should notify")
	}

	chat.SetChatVisible(true)
	assert.False(t, chat.Unread())
	chat.ReceiveChatMessage("A", "again")
	assert.False(t, chat.Unread(), "visible panel stays read")
}

func TestChatService_SendWithoutPeersOnlyLogs(t *testing.T) {
	chat, _, signaler, _ := newChatFixture(t, ChatConfig{})
	require.NoError(t, chat.SendChatMessage(context.Background(), "anyone?"))
	assert.Empty(t, signaler.Sent())
	assert.Len(t, chat.History(), 1)
}

func TestChatService_RequestJoin(t *testing.T) {
	chat, _, signaler, local := newChatFixture(t, ChatConfig{})
	ctx := context.Background()

	assert.Error(t, chat.RequestJoin(ctx, "BAD", domain.Identity{}))
	require.NoError(t, chat.RequestJoin(ctx, testRoom, domain.Identity{Email: "x@example.com"}))

	sent := signaler.SentOfKind(protocol.KindRequestJoinRoom)
	require.Len(t, sent, 1)
	req := sent[0].(protocol.RequestJoinRoom)
	assert.Equal(t, testRoom, req.RoomID)
	assert.Equal(t, domain.UnknownName, req.Identity.Name)
	assert.Equal(t, "x@example.com", local.Identity().Email)
}

func TestChatService_AcceptAndIgnoreJoin(t *testing.T) {
	chat, _, signaler, local := newChatFixture(t, ChatConfig{})
	ctx := context.Background()

	assert.True(t, chat.AddJoinRequest("g1", domain.Identity{Name: "Grace"}))
	assert.False(t, chat.AddJoinRequest("g1", domain.Identity{Name: "Grace"}))
	assert.True(t, chat.AddJoinRequest("g2", domain.Identity{}))
	require.Len(t, chat.JoinRequests(), 2)

	assert.ErrorIs(t, chat.AcceptJoin(ctx, "nobody"), domain.ErrPeerNotFound)

	require.NoError(t, chat.AcceptJoin(ctx, "g1"))
	accepted := signaler.SentOfKind(protocol.KindUserAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, protocol.UserAccepted{RoomID: testRoom, SocketID: "g1"}, accepted[0])

	assert.True(t, chat.IgnoreJoin("g2"))
	assert.False(t, chat.IgnoreJoin("g2"))
	assert.Len(t, signaler.Sent(), 1, "ignoring is silent")

	local.SetRoom("", "")
	assert.ErrorIs(t, chat.AcceptJoin(ctx, "g1"), domain.ErrNotInRoom)
}
