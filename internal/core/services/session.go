package services

import (
	"context"
	"fmt"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"
	"meshmeet/internal/core/protocol"
	"meshmeet/pkg/workqueue"

	"go.uber.org/zap"
)

type SessionConfig struct {
	Negotiation NegotiationConfig
	Chat        ChatConfig
	// Parallel runs different peers' handlers on their own goroutines.
	// Otherwise every handler runs on a single event loop.
	Parallel bool
}

// Session wires the mesh components for one client and dispatches relay
// messages to them.
type Session struct {
	Local    *LocalParticipant
	Notifier *Notifier
	Registry *PeerRegistry
	Engine   *NegotiationEngine
	Media    *MediaController
	Chat     *ChatService

	signaler ports.Signaler
	exec     workqueue.Executor
	closer   func()
	logger   *zap.SugaredLogger
}

func NewSession(
	identity domain.Identity,
	signaler ports.Signaler,
	factory ports.PeerConnectionFactory,
	devices ports.MediaDevices,
	cfg SessionConfig,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	onPanic := func(key string, recovered interface{}) {
		logger.Errorw("handler panicked", "key", key, "panic", recovered)
	}
	var exec workqueue.Executor
	closer := func() {}
	if cfg.Parallel {
		keyed := workqueue.NewKeyed(onPanic)
		exec, closer = keyed, keyed.Close
	} else {
		exec = workqueue.NewLoop(onPanic)
	}

	local := NewLocalParticipant(identity)
	notifier := NewNotifier()
	registry := NewPeerRegistry(factory, notifier, metrics, logger)
	media := NewMediaController(devices, registry, signaler, logger)
	registry.SetTrackSource(media)

	return &Session{
		Local:    local,
		Notifier: notifier,
		Registry: registry,
		Engine:   NewNegotiationEngine(registry, signaler, local, exec, cfg.Negotiation, metrics, logger),
		Media:    media,
		Chat:     NewChatService(registry, signaler, local, cfg.Chat, logger),
		signaler: signaler,
		exec:     exec,
		closer:   closer,
		logger:   logger,
	}
}

// Join enters a room, with the pass obtained from the room service or from
// an accepted join request.
func (s *Session) Join(ctx context.Context, roomID domain.RoomID, secret string) error {
	s.Local.SetRoom(roomID, secret)
	if err := s.signaler.Send(ctx, protocol.RoomJoined{RoomID: roomID, Secret: secret}); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	s.logger.Infow("joined room", "room_id", roomID, "socket_id", s.Local.SocketID())
	return nil
}

// Leave announces departure, then drops every connection and stops local
// capture. In-flight handshakes are simply discarded.
func (s *Session) Leave(ctx context.Context) error {
	roomID := s.Local.RoomID()
	var err error
	if roomID != "" {
		err = s.signaler.Send(ctx, protocol.RoomLeft{RoomID: roomID})
	}
	for _, p := range s.Registry.Participants() {
		s.Registry.Remove(p.SocketID)
	}
	s.Media.StopAll()
	s.Local.SetRoom("", "")
	s.logger.Infow("left room", "room_id", roomID)
	return err
}

// Close waits for scheduled handlers when running in parallel mode.
func (s *Session) Close() {
	s.closer()
}

// HandleMessage dispatches one relay message. Work for a peer runs on that
// peer's key; chat and admission share a room key.
func (s *Session) HandleMessage(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Connected:
		s.Local.SetSocketID(m.SocketID)
		s.logger.Infow("connected to relay", "socket_id", m.SocketID)

	case protocol.CreateOffers:
		s.exec.Go(roomKey, func() { s.Engine.HandleCreateOffers(ctx, m) })
	case protocol.AcceptOffer:
		s.exec.Go(socketKey(m.Sender), func() { s.Engine.HandleAcceptOffer(ctx, m) })
	case protocol.SaveAnswer:
		s.exec.Go(socketKey(m.Sender), func() { s.Engine.HandleSaveAnswer(ctx, m) })
	case protocol.NegoOfferAccept:
		s.exec.Go(socketKey(m.Sender), func() { s.Engine.HandleNegoOfferAccept(ctx, m) })
	case protocol.NegoSaveAnswer:
		s.exec.Go(socketKey(m.Sender), func() { s.Engine.HandleNegoSaveAnswer(ctx, m) })
	case protocol.SaveIceCandidate:
		s.exec.Go(socketKey(m.Sender), func() { s.Engine.HandleSaveIceCandidate(ctx, m) })
	case protocol.ClearTracks:
		s.exec.Go(socketKey(m.Sender), func() { s.Engine.HandleClearTracks(ctx, m) })
	case protocol.SocketDisconnected:
		s.exec.Go(socketKey(m.SocketID), func() { s.Engine.HandleSocketDisconnected(ctx, m) })

	case protocol.ReceiveChat:
		s.exec.Go(roomKey, func() { s.Chat.ReceiveChatMessage(m.Sender, m.Message) })
	case protocol.UserRequestJoinRoom:
		s.exec.Go(roomKey, func() { s.Chat.AddJoinRequest(m.SocketID, m.Identity) })
	case protocol.JoinRequestAccepted:
		s.exec.Go(roomKey, func() {
			if err := s.Join(ctx, m.RoomID, m.Secret); err != nil {
				s.logger.Errorw("failed to join after acceptance", "room_id", m.RoomID, "error", err)
			}
		})

	case protocol.Error:
		s.logger.Warnw("relay rejected message", "code", m.Code, "message", m.Message)

	case protocol.RoomJoined, protocol.RoomLeft, protocol.RequestJoinRoom, protocol.UserAccepted,
		protocol.OffersCreated, protocol.AnswerCreated, protocol.NegoOffer, protocol.NegoAnswerCreated,
		protocol.IceCandidate, protocol.StreamStopped, protocol.ChatSend:
		s.logger.Warnw("ignoring relay-bound message", "kind", msg.Kind())

	default:
		s.logger.Warnw("unhandled message", "kind", msg.Kind())
	}
}

// Run handles messages from in until it is closed or ctx is done.
func (s *Session) Run(ctx context.Context, in <-chan protocol.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			s.HandleMessage(ctx, msg)
		}
	}
}
