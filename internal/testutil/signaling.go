package testutil

import (
	"context"
	"sync"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"
	"meshmeet/internal/core/protocol"
)

// Handler consumes relay-to-client messages, usually Session.HandleMessage.
type Handler func(ctx context.Context, msg protocol.Message)

// FakeSignaler records what a client sends. When attached to a Hub the
// messages are also routed to the other endpoints.
type FakeSignaler struct {
	ID  domain.SocketID
	Err error

	hub *Hub

	mu   sync.Mutex
	sent []protocol.Message
}

var _ ports.Signaler = (*FakeSignaler)(nil)

func NewFakeSignaler(id domain.SocketID) *FakeSignaler {
	return &FakeSignaler{ID: id}
}

func (s *FakeSignaler) Send(ctx context.Context, msg protocol.Message) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.route(s.ID, msg)
	}
	return nil
}

func (s *FakeSignaler) Sent() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.sent...)
}

func (s *FakeSignaler) SentOfKind(kind protocol.Kind) []protocol.Message {
	var out []protocol.Message
	for _, m := range s.Sent() {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

func (s *FakeSignaler) Reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}

// Hub is an in-process relay with a single room. Deliveries are queued and
// only handed to endpoints by Flush, which lets a test interleave events.
type Hub struct {
	mu        sync.Mutex
	endpoints map[domain.SocketID]*hubEndpoint
	members   []domain.SocketID
	queue     []protocol.Delivery
}

type hubEndpoint struct {
	signaler *FakeSignaler
	handler  Handler
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[domain.SocketID]*hubEndpoint)}
}

// Connect registers an endpoint and queues its connected notice.
func (h *Hub) Connect(id domain.SocketID, handler Handler) *FakeSignaler {
	s := &FakeSignaler{ID: id, hub: h}
	h.mu.Lock()
	h.endpoints[id] = &hubEndpoint{signaler: s, handler: handler}
	h.queue = append(h.queue, protocol.Delivery{To: id, Message: protocol.Connected{SocketID: id}})
	h.mu.Unlock()
	return s
}

// Attach sets the handler for an endpoint created before its consumer.
func (h *Hub) Attach(id domain.SocketID, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[id]; ok {
		ep.handler = handler
	}
}

func (h *Hub) route(from domain.SocketID, msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if deliveries, ok := protocol.Forward(from, msg); ok {
		h.queue = append(h.queue, deliveries...)
		return
	}

	switch m := msg.(type) {
	case protocol.RoomJoined:
		for _, member := range h.members {
			if member == from {
				return
			}
		}
		for _, member := range h.members {
			h.queue = append(h.queue, protocol.Delivery{To: member, Message: protocol.CreateOffers{
				Sockets: []domain.SocketID{from},
				RoomID:  m.RoomID,
			}})
		}
		h.members = append(h.members, from)
	case protocol.RoomLeft:
		h.leaveLocked(from)
	case protocol.RequestJoinRoom:
		for _, member := range h.members {
			h.queue = append(h.queue, protocol.Delivery{To: member, Message: protocol.UserRequestJoinRoom{
				SocketID: from,
				Identity: m.Identity,
			}})
		}
	case protocol.UserAccepted:
		h.queue = append(h.queue, protocol.Delivery{To: m.SocketID, Message: protocol.JoinRequestAccepted{
			RoomID: m.RoomID,
			Secret: "pass-" + string(m.SocketID),
		}})
	}
}

func (h *Hub) leaveLocked(id domain.SocketID) {
	kept := h.members[:0]
	for _, member := range h.members {
		if member != id {
			kept = append(kept, member)
		}
	}
	h.members = kept
	for _, member := range h.members {
		h.queue = append(h.queue, protocol.Delivery{To: member, Message: protocol.SocketDisconnected{SocketID: id}})
	}
}

// Disconnect simulates the socket dropping.
func (h *Hub) Disconnect(id domain.SocketID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, id)
	h.leaveLocked(id)
}

// Inject queues a message for one endpoint as if the relay had sent it.
func (h *Hub) Inject(to domain.SocketID, msg protocol.Message) {
	h.mu.Lock()
	h.queue = append(h.queue, protocol.Delivery{To: to, Message: msg})
	h.mu.Unlock()
}

// Step delivers the next queued message and reports whether one existed.
func (h *Hub) Step(ctx context.Context) bool {
	h.mu.Lock()
	if len(h.queue) == 0 {
		h.mu.Unlock()
		return false
	}
	d := h.queue[0]
	h.queue = h.queue[1:]
	ep := h.endpoints[d.To]
	h.mu.Unlock()

	if ep != nil && ep.handler != nil {
		ep.handler(ctx, d.Message)
	}
	return true
}

// Flush delivers messages until the queue is empty and returns how many
// were delivered.
func (h *Hub) Flush(ctx context.Context) int {
	n := 0
	for h.Step(ctx) {
		n++
	}
	return n
}

func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

func (h *Hub) Members() []domain.SocketID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.SocketID(nil), h.members...)
}
