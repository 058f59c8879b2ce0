// Package signal carries protocol messages over websockets: Relay is the
// server side that routes between the members of a room, Client is what a
// mesh participant dials.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/protocol"
	"meshmeet/internal/core/services"
	"meshmeet/pkg/tracing"
	"meshmeet/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Error codes sent back in protocol.Error.
const (
	CodeInvalidMessage    = "invalid_message"
	CodeUnexpectedMessage = "unexpected_message"
	CodeRateLimited       = "rate_limited"
	CodeRoomNotFound      = "room_not_found"
	CodeUnauthorized      = "unauthorized"
	CodeNotInRoom         = "not_in_room"
	CodeInvalidSDP        = "invalid_sdp"
)

type RelayMetrics interface {
	SocketConnected()
	SocketDisconnected()
	MessageRouted(messageType string, took time.Duration)
	MessageRejected(reason string)
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) SocketConnected() {}
func (noopRelayMetrics) SocketDisconnected() {}
func (noopRelayMetrics) MessageRouted(string, time.Duration) {}
func (noopRelayMetrics) MessageRejected(string) {}

type RelayConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	MaxMessageSize int64

	// MessagesPerSecond of zero disables the per-socket limiter.
	MessagesPerSecond float64
	Burst             int
	// MaxConnections of zero means unlimited.
	MaxConnections int
	AllowedOrigins []string
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PingInterval:   54 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBufferSize: 64,
		MaxMessageSize: 64 * 1024,
	}
}

type socket struct {
	id      domain.SocketID
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// room is guarded by Relay.mu.
	room domain.RoomID
}

// Relay routes signaling messages between sockets sharing a room. It never
// inspects media; it only checks membership, passes and SDP shape.
type Relay struct {
	rooms    services.RoomService
	cfg      RelayConfig
	upgrader websocket.Upgrader
	metrics  RelayMetrics
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	sockets map[domain.SocketID]*socket
	members map[domain.RoomID][]domain.SocketID
}

func NewRelay(rooms services.RoomService, cfg RelayConfig, metrics RelayMetrics, logger *zap.SugaredLogger) *Relay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if metrics == nil {
		metrics = noopRelayMetrics{}
	}
	defaults := DefaultRelayConfig()
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}

	r := &Relay{
		rooms:   rooms,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		sockets: make(map[domain.SocketID]*socket),
		members: make(map[domain.RoomID][]domain.SocketID),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || len(r.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.cfg.MaxConnections > 0 && r.ConnectedSockets() >= r.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	s := &socket{
		id:   domain.SocketID(uuid.NewString()),
		conn: conn,
		send: make(chan []byte, r.cfg.SendBufferSize),
	}
	if r.cfg.MessagesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), r.cfg.Burst)
	}

	r.mu.Lock()
	r.sockets[s.id] = s
	r.mu.Unlock()
	r.metrics.SocketConnected()
	r.logger.Infow("socket connected", "socket_id", s.id, "remote_addr", req.RemoteAddr)

	go r.writePump(s)
	r.deliver(s.id, protocol.Connected{SocketID: s.id})
	r.readPump(req.Context(), s)
}

func (r *Relay) readPump(ctx context.Context, s *socket) {
	defer r.disconnect(s)

	s.conn.SetReadLimit(r.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Infow("socket read failed", "socket_id", s.id, "error", err)
			}
			return
		}

		if s.limiter != nil && !s.limiter.Allow() {
			r.reject(s, CodeRateLimited, domain.ErrRateLimited.Error())
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			r.reject(s, CodeInvalidMessage, err.Error())
			continue
		}
		r.handle(ctx, s, msg)
	}
}

func (r *Relay) writePump(s *socket) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.logger.Debugw("socket write failed", "socket_id", s.id, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Relay) disconnect(s *socket) {
	r.mu.Lock()
	notify := r.leaveLocked(s)
	delete(r.sockets, s.id)
	r.mu.Unlock()

	// Unregistered under the write lock, so no deliver can still hold s.
	close(s.send)
	r.deliverAll(notify, protocol.SocketDisconnected{SocketID: s.id})
	r.metrics.SocketDisconnected()
	r.logger.Infow("socket disconnected", "socket_id", s.id)
}

func (r *Relay) handle(ctx context.Context, s *socket, msg protocol.Message) {
	start := time.Now()
	ctx, span := tracing.TraceSignal(ctx, string(msg.Kind()), string(s.id))
	defer span.End()

	var err error
	switch m := msg.(type) {
	case protocol.RoomJoined:
		err = r.join(ctx, s, m)
	case protocol.RoomLeft:
		r.mu.Lock()
		notify := r.leaveLocked(s)
		r.mu.Unlock()
		r.deliverAll(notify, protocol.SocketDisconnected{SocketID: s.id})
	case protocol.RequestJoinRoom:
		err = r.requestJoin(ctx, s, m)
	case protocol.UserAccepted:
		err = r.accept(s, m)
	default:
		err = r.forward(s, msg)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		var rejection *rejectError
		if errors.As(err, &rejection) {
			r.reject(s, rejection.code, rejection.Error())
		} else {
			r.reject(s, CodeInvalidMessage, err.Error())
		}
		return
	}
	r.metrics.MessageRouted(string(msg.Kind()), time.Since(start))
}

type rejectError struct {
	code string
	err  error
}

func (e *rejectError) Error() string { return e.err.Error() }
func (e *rejectError) Unwrap() error { return e.err }

func rejectf(code string, err error, format string, args ...interface{}) error {
	return &rejectError{code: code, err: fmt.Errorf("%w: "+format, append([]interface{}{err}, args...)...)}
}

func (r *Relay) join(ctx context.Context, s *socket, m protocol.RoomJoined) error {
	if _, err := r.rooms.GetRoom(ctx, m.RoomID); err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return rejectf(CodeRoomNotFound, err, "%s", m.RoomID)
		}
		return err
	}

	r.mu.Lock()
	if s.room == m.RoomID {
		r.mu.Unlock()
		return nil
	}
	existing := append([]domain.SocketID(nil), r.members[m.RoomID]...)
	if len(existing) > 0 {
		if _, err := r.rooms.ValidatePass(m.RoomID, m.Secret); err != nil {
			r.mu.Unlock()
			return rejectf(CodeUnauthorized, err, "room %s", m.RoomID)
		}
	}
	left := r.leaveLocked(s)
	s.room = m.RoomID
	r.members[m.RoomID] = append(r.members[m.RoomID], s.id)
	r.mu.Unlock()

	r.deliverAll(left, protocol.SocketDisconnected{SocketID: s.id})
	r.deliverAll(existing, protocol.CreateOffers{Sockets: []domain.SocketID{s.id}, RoomID: m.RoomID})
	r.logger.Infow("socket joined room", "socket_id", s.id, "room_id", m.RoomID, "members", len(existing)+1)
	return nil
}

// leaveLocked removes s from its room and returns the members to notify.
func (r *Relay) leaveLocked(s *socket) []domain.SocketID {
	if s.room == "" {
		return nil
	}
	room := s.room
	s.room = ""

	remaining := make([]domain.SocketID, 0, len(r.members[room]))
	for _, id := range r.members[room] {
		if id != s.id {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		delete(r.members, room)
		return nil
	}
	r.members[room] = remaining
	return append([]domain.SocketID(nil), remaining...)
}

func (r *Relay) requestJoin(ctx context.Context, s *socket, m protocol.RequestJoinRoom) error {
	if _, err := r.rooms.GetRoom(ctx, m.RoomID); err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return rejectf(CodeRoomNotFound, err, "%s", m.RoomID)
		}
		return err
	}
	r.deliverAll(r.Members(m.RoomID), protocol.UserRequestJoinRoom{SocketID: s.id, Identity: m.Identity})
	return nil
}

func (r *Relay) accept(s *socket, m protocol.UserAccepted) error {
	if err := validation.ValidateSocketID(string(m.SocketID)); err != nil {
		return rejectf(CodeInvalidMessage, err, "accept")
	}

	r.mu.RLock()
	inRoom := s.room != "" && s.room == m.RoomID
	_, targetConnected := r.sockets[m.SocketID]
	r.mu.RUnlock()

	if !inRoom {
		return rejectf(CodeNotInRoom, domain.ErrNotInRoom, "%s", m.RoomID)
	}
	if !targetConnected {
		return rejectf(CodeNotInRoom, domain.ErrPeerNotFound, "%s", m.SocketID)
	}

	secret, err := r.rooms.IssuePass(m.RoomID, string(m.SocketID))
	if err != nil {
		return err
	}
	r.deliver(m.SocketID, protocol.JoinRequestAccepted{RoomID: m.RoomID, Secret: secret})
	return nil
}

func (r *Relay) forward(s *socket, msg protocol.Message) error {
	if err := validateDescriptions(msg); err != nil {
		return rejectf(CodeInvalidSDP, err, "%s", msg.Kind())
	}

	deliveries, ok := protocol.Forward(s.id, msg)
	if !ok {
		return rejectf(CodeUnexpectedMessage, protocol.ErrUnknownMessage, "%s is not accepted from clients", msg.Kind())
	}

	r.mu.RLock()
	room := s.room
	members := r.members[room]
	r.mu.RUnlock()

	for _, d := range deliveries {
		if room == "" || !containsSocket(members, d.To) {
			return rejectf(CodeNotInRoom, domain.ErrNotInRoom, "%s", d.To)
		}
	}
	for _, d := range deliveries {
		r.deliver(d.To, d.Message)
	}
	return nil
}

func validateDescriptions(msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.OffersCreated:
		for _, o := range m.Offers {
			if err := validation.ValidateSDP(o.Offer.SDP); err != nil {
				return err
			}
		}
	case protocol.AnswerCreated:
		return validation.ValidateSDP(m.Answer.SDP)
	case protocol.NegoOffer:
		return validation.ValidateSDP(m.Offer.SDP)
	case protocol.NegoAnswerCreated:
		return validation.ValidateSDP(m.Answer.SDP)
	}
	return nil
}

func containsSocket(ids []domain.SocketID, id domain.SocketID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func (r *Relay) reject(s *socket, code, message string) {
	r.metrics.MessageRejected(code)
	r.logger.Debugw("rejected client message", "socket_id", s.id, "code", code, "error", message)
	r.deliver(s.id, protocol.Error{Code: code, Message: message})
}

func (r *Relay) deliverAll(to []domain.SocketID, msg protocol.Message) {
	for _, id := range to {
		r.deliver(id, msg)
	}
}

// deliver queues msg for one socket. A socket whose queue is full is
// closed; its read pump then unregisters it.
func (r *Relay) deliver(to domain.SocketID, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Errorw("failed to encode message", "type", msg.Kind(), "error", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sockets[to]
	if !ok {
		return
	}
	select {
	case s.send <- data:
	default:
		r.logger.Warnw("send queue full, closing socket", "socket_id", to)
		s.conn.Close()
	}
}

func (r *Relay) Members(roomID domain.RoomID) []domain.SocketID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.SocketID(nil), r.members[roomID]...)
}

func (r *Relay) ConnectedSockets() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// Close closes every socket; their read pumps then unwind.
func (r *Relay) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sockets {
		s.conn.Close()
	}
}
