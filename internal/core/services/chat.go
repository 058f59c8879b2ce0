package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"
	"meshmeet/internal/core/protocol"
	"meshmeet/pkg/utils"
	"meshmeet/pkg/validation"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ChatConfig struct {
	MessagesPerSecond float64
	Burst             int
}

// ChatService keeps the local chat log and relays chat and admission
// messages over the signaling channel.
type ChatService struct {
	registry *PeerRegistry
	signaler ports.Signaler
	local    *LocalParticipant
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu      sync.RWMutex
	history []domain.ChatMessage
	visible bool
	unread  bool
}

func NewChatService(registry *PeerRegistry, signaler ports.Signaler, local *LocalParticipant, cfg ChatConfig, logger *zap.SugaredLogger) *ChatService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	limit := rate.Inf
	if cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MessagesPerSecond)
	}
	return &ChatService{
		registry: registry,
		signaler: signaler,
		local:    local,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		logger:   logger,
		now:      time.Now,
	}
}

// SendChatMessage appends the message locally right away and sends one copy
// to every participant.
func (c *ChatService) SendChatMessage(ctx context.Context, body string) error {
	body = utils.SanitizeString(body)
	if err := validation.ValidateChatMessage(body); err != nil {
		return err
	}
	if !c.limiter.Allow() {
		return domain.ErrRateLimited
	}

	c.append(domain.ChatMessage{SenderLabel: domain.LocalSenderLabel, Body: body, Timestamp: c.now()})

	var errs []error
	for _, p := range c.registry.Participants() {
		if err := c.signaler.Send(ctx, protocol.ChatSend{To: p.SocketID, Message: body}); err != nil {
			errs = append(errs, fmt.Errorf("chat to %s: %w", p.SocketID, err))
		}
	}
	return errors.Join(errs...)
}

// ReceiveChatMessage appends a message from a peer, labelled with its
// display name, and marks the log unread while the panel is hidden.
func (c *ChatService) ReceiveChatMessage(from domain.SocketID, body string) {
	label := domain.UnknownName
	if p, ok := c.registry.Lookup(from); ok {
		label = p.DisplayName()
	}

	c.append(domain.ChatMessage{SenderLabel: label, Body: body, Timestamp: c.now()})

	c.mu.Lock()
	if !c.visible {
		c.unread = true
	}
	c.mu.Unlock()
	c.registry.notifier.Notify()
}

func (c *ChatService) append(msg domain.ChatMessage) {
	c.mu.Lock()
	c.history = append(c.history, msg)
	c.mu.Unlock()
}

// SetChatVisible records whether the chat panel is shown; showing it clears
// the unread flag.
func (c *ChatService) SetChatVisible(visible bool) {
	c.mu.Lock()
	c.visible = visible
	if visible {
		c.unread = false
	}
	c.mu.Unlock()
}

func (c *ChatService) History() []domain.ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.ChatMessage(nil), c.history...)
}

func (c *ChatService) Unread() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread
}

// RequestJoin asks the members of a room to admit the local user.
func (c *ChatService) RequestJoin(ctx context.Context, roomID domain.RoomID, identity domain.Identity) error {
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return err
	}
	c.local.SetIdentity(identity)
	return c.signaler.Send(ctx, protocol.RequestJoinRoom{RoomID: roomID, Identity: c.local.Identity()})
}

func (c *ChatService) AddJoinRequest(socketID domain.SocketID, identity domain.Identity) bool {
	added := c.registry.AddJoinRequest(domain.JoinRequest{SocketID: socketID, Identity: identity, RequestedAt: c.now()})
	if added {
		c.logger.Infow("join request received", "socket_id", socketID, "name", identity.DisplayName())
	}
	return added
}

func (c *ChatService) JoinRequests() []domain.JoinRequest {
	return c.registry.JoinRequests()
}

// AcceptJoin lets a pending requester into the room. The request stays
// pending until its connection is created.
func (c *ChatService) AcceptJoin(ctx context.Context, socketID domain.SocketID) error {
	if _, ok := c.registry.JoinRequest(socketID); !ok {
		return fmt.Errorf("%w: no join request from %s", domain.ErrPeerNotFound, socketID)
	}
	roomID := c.local.RoomID()
	if roomID == "" {
		return domain.ErrNotInRoom
	}
	if err := c.signaler.Send(ctx, protocol.UserAccepted{RoomID: roomID, SocketID: socketID}); err != nil {
		return fmt.Errorf("accept join from %s: %w", socketID, err)
	}
	c.logger.Infow("join request accepted", "socket_id", socketID, "room_id", roomID)
	return nil
}

// IgnoreJoin drops a pending request without telling anyone.
func (c *ChatService) IgnoreJoin(socketID domain.SocketID) bool {
	return c.registry.DropJoinRequest(socketID)
}
