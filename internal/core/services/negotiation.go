package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"
	"meshmeet/internal/core/protocol"
	"meshmeet/pkg/tracing"
	"meshmeet/pkg/workqueue"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const roomKey = "room"

func socketKey(id domain.SocketID) string { return "socket:" + string(id) }

const (
	directionInbound  = "inbound"
	directionOutbound = "outbound"

	candidateApplied = "applied"
	candidateQueued  = "queued"
	candidateDropped = "dropped"
	candidateFailed  = "failed"
	candidateSent    = "sent"
	candidateHeld    = "held"
)

type NegotiationConfig struct {
	// HandshakeTimeout bounds OfferSent and RenegotiationPending. Zero
	// disables it.
	HandshakeTimeout time.Duration
}

// NegotiationEngine drives the offer/answer/ICE exchange of every
// participant. Handlers for one socket must run on that socket's executor
// key; the engine schedules its own follow-up work the same way.
type NegotiationEngine struct {
	registry *PeerRegistry
	signaler ports.Signaler
	local    *LocalParticipant
	exec     workqueue.Executor
	cfg      NegotiationConfig
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
	baseCtx  context.Context
	now      func() time.Time
}

func NewNegotiationEngine(
	registry *PeerRegistry,
	signaler ports.Signaler,
	local *LocalParticipant,
	exec workqueue.Executor,
	cfg NegotiationConfig,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *NegotiationEngine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &NegotiationEngine{
		registry: registry,
		signaler: signaler,
		local:    local,
		exec:     exec,
		cfg:      cfg,
		metrics:  orNoop(metrics),
		logger:   logger,
		baseCtx:  context.Background(),
		now:      time.Now,
	}
	registry.SetHooks(ConnectionHooks{
		OnICECandidate:      e.onLocalCandidate,
		OnNegotiationNeeded: e.onNegotiationNeeded,
		OnTrack:             e.onRemoteTrack,
	})
	return e
}

// State reports the negotiation state of a participant.
func (e *NegotiationEngine) State(socketID domain.SocketID) (domain.NegotiationState, bool) {
	p, ok := e.registry.Lookup(socketID)
	if !ok {
		return "", false
	}
	return p.State(), true
}

// HandleCreateOffers starts an initial handshake with every listed socket
// and sends all resulting offers as one batch.
func (e *NegotiationEngine) HandleCreateOffers(ctx context.Context, msg protocol.CreateOffers) {
	self := e.local.SocketID()
	seen := make(map[domain.SocketID]bool, len(msg.Sockets))
	var targets []domain.SocketID
	for _, id := range msg.Sockets {
		if id == "" || id == self || seen[id] {
			continue
		}
		seen[id] = true
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return
	}

	batch := &offerBatch{roomID: msg.RoomID, remaining: len(targets)}
	for _, id := range targets {
		id := id
		e.exec.Go(socketKey(id), func() {
			offer, p := e.initiate(ctx, id)
			if batch.add(offer, p) {
				e.sendOffers(ctx, batch)
			}
		})
	}
}

type offerBatch struct {
	roomID domain.RoomID

	mu           sync.Mutex
	remaining    int
	offers       []protocol.Offer
	participants []*Participant
}

// add records one finished initiation and reports whether it was the last.
func (b *offerBatch) add(offer *protocol.Offer, p *Participant) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offer != nil {
		b.offers = append(b.offers, *offer)
		b.participants = append(b.participants, p)
	}
	b.remaining--
	return b.remaining == 0
}

func (e *NegotiationEngine) initiate(ctx context.Context, id domain.SocketID) (*protocol.Offer, *Participant) {
	if existing, ok := e.registry.Lookup(id); ok {
		e.drop(protocol.KindCreateOffers, id, "connection already in state "+string(existing.State()))
		return nil, nil
	}

	p, err := e.registry.CreateConnection(id, nil)
	if err != nil {
		e.logger.Warnw("failed to create connection", "socket_id", id, "error", err)
		return nil, nil
	}

	ctx, span := tracing.TraceNegotiation(ctx, "create_offer", string(id))
	defer span.End()

	offer, err := p.conn.CreateOffer(ctx)
	if err != nil {
		e.failInitial(ctx, p, "create_offer", err)
		return nil, nil
	}
	if err := p.conn.SetLocalDescription(ctx, offer); err != nil {
		e.failInitial(ctx, p, "set_local_offer", err)
		return nil, nil
	}
	// the offer covers every track attached so far, including ones whose
	// negotiation-needed event is still arriving
	e.coverEvents(p)
	e.beginCycle(p, domain.CycleInitial, domain.StateOfferSent)

	identity := e.local.Identity()
	return &protocol.Offer{Offer: offer, To: id, SenderIdentity: &identity}, p
}

func (e *NegotiationEngine) sendOffers(ctx context.Context, b *offerBatch) {
	if len(b.offers) == 0 {
		return
	}
	roomID := b.roomID
	if roomID == "" {
		roomID = e.local.RoomID()
	}

	if err := e.signaler.Send(ctx, protocol.OffersCreated{RoomID: roomID, Offers: b.offers}); err != nil {
		e.logger.Errorw("failed to send offer batch", "room_id", roomID, "offers", len(b.offers), "error", err)
		for _, p := range b.participants {
			p := p
			e.exec.Go(socketKey(p.SocketID), func() { e.failInitial(ctx, p, "send_offer", err) })
		}
		return
	}

	e.logger.Infow("offers sent", "room_id", roomID, "offers", len(b.offers))
	for _, p := range b.participants {
		p := p
		e.exec.Go(socketKey(p.SocketID), func() { e.releaseLocalCandidates(ctx, p) })
	}
}

// HandleAcceptOffer answers an initial offer. An offer that collides with
// our own outstanding offer is resolved by socket id: the greater id keeps
// its offer, the other side rolls back and answers.
func (e *NegotiationEngine) HandleAcceptOffer(ctx context.Context, msg protocol.AcceptOffer) {
	ctx, span := tracing.TraceNegotiation(ctx, "accept_offer", string(msg.Sender))
	defer span.End()

	p, ok := e.registry.Lookup(msg.Sender)
	if ok {
		switch state := p.State(); state {
		case domain.StateIdle:
		case domain.StateOfferSent:
			if !e.yields(msg.Sender) {
				e.drop(msg.Kind(), msg.Sender, "offer collision, keeping local offer")
				return
			}
			e.logger.Infow("offer collision, rolling back local offer", "socket_id", msg.Sender)
			if err := e.rollback(ctx, p); err != nil {
				e.failInitial(ctx, p, "rollback", err)
				return
			}
		default:
			e.drop(msg.Kind(), msg.Sender, "connection already in state "+string(state))
			return
		}
	} else {
		var err error
		p, err = e.registry.CreateConnection(msg.Sender, msg.SenderIdentity)
		if err != nil {
			e.logger.Warnw("failed to create connection", "socket_id", msg.Sender, "error", err)
			return
		}
	}
	p.enrichIdentity(msg.SenderIdentity)

	roomID := msg.RoomID
	if roomID == "" {
		roomID = e.local.RoomID()
	}
	identity := e.local.Identity()
	e.respond(ctx, p, msg.Offer, domain.CycleInitial, func(answer webrtc.SessionDescription) protocol.Message {
		return protocol.AnswerCreated{
			RoomID:         roomID,
			Answer:         answer,
			Receiver:       msg.Sender,
			SenderIdentity: &identity,
		}
	})
}

// HandleSaveAnswer completes an initial handshake we started.
func (e *NegotiationEngine) HandleSaveAnswer(ctx context.Context, msg protocol.SaveAnswer) {
	p, ok := e.registry.Lookup(msg.Sender)
	if !ok {
		e.drop(msg.Kind(), msg.Sender, "no connection")
		return
	}

	p.mu.Lock()
	if p.state != domain.StateOfferSent {
		state := p.state
		p.mu.Unlock()
		e.drop(msg.Kind(), msg.Sender, "not awaiting an answer in state "+string(state))
		return
	}
	p.state = domain.StateAnswerReceived
	p.mu.Unlock()

	ctx, span := tracing.TraceNegotiation(ctx, "save_answer", string(msg.Sender))
	defer span.End()

	if err := p.conn.SetRemoteDescription(ctx, msg.Answer); err != nil {
		e.failInitial(ctx, p, "set_remote_answer", err)
		return
	}
	p.enrichIdentity(msg.SenderIdentity)
	e.applyRemoteSet(ctx, p)
	e.completeCycle(ctx, p, domain.StateStable)
}

// HandleNegoOfferAccept answers a renegotiation offer from an established peer.
func (e *NegotiationEngine) HandleNegoOfferAccept(ctx context.Context, msg protocol.NegoOfferAccept) {
	p, ok := e.registry.Lookup(msg.Sender)
	if !ok {
		e.drop(msg.Kind(), msg.Sender, "no connection")
		return
	}

	ctx, span := tracing.TraceNegotiation(ctx, "accept_renegotiation", string(msg.Sender))
	defer span.End()

	switch state := p.State(); {
	case state == domain.StateRenegotiationPending:
		if !e.yields(msg.Sender) {
			e.drop(msg.Kind(), msg.Sender, "renegotiation collision, keeping local offer")
			return
		}
		e.logger.Infow("renegotiation collision, rolling back local offer", "socket_id", msg.Sender)
		if err := e.rollback(ctx, p); err != nil {
			e.logger.Warnw("rollback failed", "socket_id", msg.Sender, "error", err)
			return
		}
		p.mu.Lock()
		p.replay = true
		p.mu.Unlock()
	case state.IsStable():
	default:
		e.drop(msg.Kind(), msg.Sender, "cannot renegotiate in state "+string(state))
		return
	}

	e.respond(ctx, p, msg.Offer, domain.CycleRenegotiation, func(answer webrtc.SessionDescription) protocol.Message {
		return protocol.NegoAnswerCreated{Answer: answer, To: msg.Sender}
	})
}

// HandleNegoSaveAnswer completes a renegotiation we started.
func (e *NegotiationEngine) HandleNegoSaveAnswer(ctx context.Context, msg protocol.NegoSaveAnswer) {
	p, ok := e.registry.Lookup(msg.Sender)
	if !ok {
		e.drop(msg.Kind(), msg.Sender, "no connection")
		return
	}
	if state := p.State(); state != domain.StateRenegotiationPending {
		e.drop(msg.Kind(), msg.Sender, "not renegotiating in state "+string(state))
		return
	}

	ctx, span := tracing.TraceNegotiation(ctx, "save_renegotiation_answer", string(msg.Sender))
	defer span.End()

	if err := p.conn.SetRemoteDescription(ctx, msg.Answer); err != nil {
		e.abortRenegotiation(ctx, p, "set_remote_answer", err)
		return
	}
	e.applyRemoteSet(ctx, p)
	e.completeCycle(ctx, p, domain.StateRenegotiationStable)
}

// HandleSaveIceCandidate applies a remote candidate, or queues it until the
// remote description is in place.
func (e *NegotiationEngine) HandleSaveIceCandidate(ctx context.Context, msg protocol.SaveIceCandidate) {
	p, ok := e.registry.Lookup(msg.Sender)
	if !ok {
		e.metrics.ICECandidate(directionInbound, candidateDropped)
		e.drop(msg.Kind(), msg.Sender, "no connection")
		return
	}

	p.mu.Lock()
	if p.removed {
		p.mu.Unlock()
		e.metrics.ICECandidate(directionInbound, candidateDropped)
		return
	}
	if !p.remoteSet {
		p.pendingRemote = append(p.pendingRemote, msg.Candidate)
		queued := len(p.pendingRemote)
		p.mu.Unlock()
		e.metrics.ICECandidate(directionInbound, candidateQueued)
		e.logger.Debugw("queued early ICE candidate", "socket_id", msg.Sender, "queued", queued)
		return
	}
	p.mu.Unlock()

	e.addCandidate(ctx, p, msg.Candidate)
}

func (e *NegotiationEngine) HandleClearTracks(ctx context.Context, msg protocol.ClearTracks) {
	err := e.registry.ClearTracks(msg.Sender, msg.StreamKind)
	switch {
	case errors.Is(err, domain.ErrPeerNotFound):
		e.drop(msg.Kind(), msg.Sender, "no connection")
	case err != nil:
		e.logger.Warnw("failed to clear tracks", "socket_id", msg.Sender, "kind", msg.StreamKind, "error", err)
	}
}

func (e *NegotiationEngine) HandleSocketDisconnected(ctx context.Context, msg protocol.SocketDisconnected) {
	if e.registry.Remove(msg.SocketID) {
		e.logger.Infow("participant left", "socket_id", msg.SocketID)
	}
	e.registry.DropJoinRequest(msg.SocketID)
}

func (e *NegotiationEngine) respond(
	ctx context.Context,
	p *Participant,
	offer webrtc.SessionDescription,
	cycle domain.Cycle,
	build func(answer webrtc.SessionDescription) protocol.Message,
) {
	final := domain.StateStable
	if cycle == domain.CycleRenegotiation {
		final = domain.StateRenegotiationStable
	}

	p.mu.Lock()
	p.cycle = cycle
	p.cycleStarted = e.now()
	p.mu.Unlock()

	if err := p.conn.SetRemoteDescription(ctx, offer); err != nil {
		e.fail(ctx, p, cycle, "set_remote_offer", err)
		return
	}
	e.applyRemoteSet(ctx, p)
	e.coverEvents(p)

	answer, err := p.conn.CreateAnswer(ctx)
	if err != nil {
		e.fail(ctx, p, cycle, "create_answer", err)
		return
	}
	if err := p.conn.SetLocalDescription(ctx, answer); err != nil {
		e.fail(ctx, p, cycle, "set_local_answer", err)
		return
	}
	if err := e.signaler.Send(ctx, build(answer)); err != nil {
		e.fail(ctx, p, cycle, "send_answer", err)
		return
	}

	e.releaseLocalCandidates(ctx, p)
	e.completeCycle(ctx, p, final)
}

func (e *NegotiationEngine) maybeRenegotiate(ctx context.Context, p *Participant) {
	p.mu.Lock()
	if p.removed || !p.state.IsStable() || (p.negotiationEvents <= p.coveredEvents && !p.replay) {
		p.mu.Unlock()
		return
	}
	prev := p.state
	p.coveredEvents = p.negotiationEvents
	p.replay = false
	p.mu.Unlock()

	ctx, span := tracing.TraceNegotiation(ctx, "renegotiate", string(p.SocketID))
	defer span.End()

	offer, err := p.conn.CreateOffer(ctx)
	if err != nil {
		e.logger.Warnw("failed to create renegotiation offer", "socket_id", p.SocketID, "error", err)
		e.metrics.NegotiationFailed(domain.CycleRenegotiation, "create_offer")
		return
	}
	if err := p.conn.SetLocalDescription(ctx, offer); err != nil {
		e.logger.Warnw("failed to set renegotiation offer", "socket_id", p.SocketID, "error", err)
		e.metrics.NegotiationFailed(domain.CycleRenegotiation, "set_local_offer")
		return
	}

	p.mu.Lock()
	p.prevStable = prev
	p.mu.Unlock()
	e.beginCycle(p, domain.CycleRenegotiation, domain.StateRenegotiationPending)

	if err := e.signaler.Send(ctx, protocol.NegoOffer{Offer: offer, To: p.SocketID}); err != nil {
		e.abortRenegotiation(ctx, p, "send_offer", err)
		return
	}
	e.logger.Debugw("renegotiation offer sent", "socket_id", p.SocketID)
}

func (e *NegotiationEngine) onNegotiationNeeded(p *Participant) {
	p.mu.Lock()
	p.negotiationEvents++
	p.mu.Unlock()

	e.exec.Go(socketKey(p.SocketID), func() { e.maybeRenegotiate(e.baseCtx, p) })
}

func (e *NegotiationEngine) onLocalCandidate(p *Participant, c webrtc.ICECandidateInit) {
	e.exec.Go(socketKey(p.SocketID), func() {
		p.mu.Lock()
		if p.removed {
			p.mu.Unlock()
			e.metrics.ICECandidate(directionOutbound, candidateDropped)
			return
		}
		if !p.signaled {
			// the peer cannot use a candidate before it has our description
			p.pendingLocal = append(p.pendingLocal, c)
			p.mu.Unlock()
			e.metrics.ICECandidate(directionOutbound, candidateHeld)
			return
		}
		p.mu.Unlock()

		e.sendCandidate(e.baseCtx, p, c)
	})
}

func (e *NegotiationEngine) onRemoteTrack(p *Participant, t domain.MediaTrack) {
	e.exec.Go(socketKey(p.SocketID), func() {
		if e.registry.classify(p, t) {
			e.logger.Debugw("remote track added", "socket_id", p.SocketID, "kind", t.Kind(), "track_id", t.ID())
		}
	})
}

func (e *NegotiationEngine) releaseLocalCandidates(ctx context.Context, p *Participant) {
	p.mu.Lock()
	if p.removed {
		p.mu.Unlock()
		return
	}
	p.signaled = true
	pending := p.pendingLocal
	p.pendingLocal = nil
	p.mu.Unlock()

	for _, c := range pending {
		e.sendCandidate(ctx, p, c)
	}
}

func (e *NegotiationEngine) sendCandidate(ctx context.Context, p *Participant, c webrtc.ICECandidateInit) {
	if err := e.signaler.Send(ctx, protocol.IceCandidate{Candidate: c, To: p.SocketID}); err != nil {
		e.metrics.ICECandidate(directionOutbound, candidateFailed)
		e.logger.Warnw("failed to send ICE candidate", "socket_id", p.SocketID, "error", err)
		return
	}
	e.metrics.ICECandidate(directionOutbound, candidateSent)
}

func (e *NegotiationEngine) applyRemoteSet(ctx context.Context, p *Participant) {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingRemote
	p.pendingRemote = nil
	p.mu.Unlock()

	for _, c := range pending {
		e.addCandidate(ctx, p, c)
	}
}

func (e *NegotiationEngine) addCandidate(ctx context.Context, p *Participant, c webrtc.ICECandidateInit) {
	if err := p.conn.AddICECandidate(ctx, c); err != nil {
		e.metrics.ICECandidate(directionInbound, candidateFailed)
		e.logger.Warnw("failed to add ICE candidate", "socket_id", p.SocketID, "error", err)
		return
	}
	e.metrics.ICECandidate(directionInbound, candidateApplied)
}

func (e *NegotiationEngine) coverEvents(p *Participant) {
	p.mu.Lock()
	p.coveredEvents = p.negotiationEvents
	p.mu.Unlock()
}

// yields reports whether the local side gives way in an offer collision.
// Without a known local id the local side is polite.
func (e *NegotiationEngine) yields(remote domain.SocketID) bool {
	self := e.local.SocketID()
	return self == "" || self < remote
}

func (e *NegotiationEngine) rollback(ctx context.Context, p *Participant) error {
	if err := p.conn.SetLocalDescription(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.generation++
	if p.state == domain.StateRenegotiationPending {
		p.state = p.prevStable
	} else {
		p.state = domain.StateIdle
	}
	return nil
}

func (e *NegotiationEngine) beginCycle(p *Participant, cycle domain.Cycle, state domain.NegotiationState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = state
	p.cycle = cycle
	p.cycleStarted = e.now()
	p.generation++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if e.cfg.HandshakeTimeout > 0 {
		gen := p.generation
		p.timer = time.AfterFunc(e.cfg.HandshakeTimeout, func() {
			e.exec.Go(socketKey(p.SocketID), func() { e.handshakeExpired(p, gen) })
		})
	}
	e.registry.notifier.Notify()
}

func (e *NegotiationEngine) completeCycle(ctx context.Context, p *Participant, final domain.NegotiationState) {
	p.mu.Lock()
	if p.removed {
		p.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.generation++
	p.state = final
	cycle := p.cycle
	elapsed := e.now().Sub(p.cycleStarted)
	p.mu.Unlock()

	e.metrics.NegotiationCompleted(cycle, elapsed)
	e.logger.Debugw("negotiation complete",
		"socket_id", p.SocketID,
		"cycle", cycle,
		"state", final,
		"duration", elapsed,
	)
	e.registry.notifier.Notify()

	// replay a change that arrived while this cycle was in flight
	e.maybeRenegotiate(ctx, p)
}

func (e *NegotiationEngine) handshakeExpired(p *Participant, gen uint64) {
	p.mu.Lock()
	if p.removed || p.generation != gen {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	cycle, state := p.cycle, p.state
	p.mu.Unlock()

	ctx := e.baseCtx
	e.logger.Warnw("handshake timed out",
		"socket_id", p.SocketID,
		"cycle", cycle,
		"state", state,
		"timeout", e.cfg.HandshakeTimeout,
	)
	if cycle == domain.CycleInitial {
		e.failInitial(ctx, p, "timeout", domain.ErrHandshakeTimeout)
		return
	}
	e.abortRenegotiation(ctx, p, "timeout", domain.ErrHandshakeTimeout)
}

func (e *NegotiationEngine) fail(ctx context.Context, p *Participant, cycle domain.Cycle, step string, err error) {
	if cycle == domain.CycleInitial {
		e.failInitial(ctx, p, step, err)
		return
	}
	tracing.RecordError(ctx, err)
	e.metrics.NegotiationFailed(cycle, step)
	e.logger.Warnw("renegotiation failed", "socket_id", p.SocketID, "step", step, "error", err)
}

// failInitial marks the connection failed and removes it. Nothing is retried.
func (e *NegotiationEngine) failInitial(ctx context.Context, p *Participant, step string, err error) {
	tracing.RecordError(ctx, err)
	p.mu.Lock()
	p.state = domain.StateFailed
	p.mu.Unlock()

	e.metrics.NegotiationFailed(domain.CycleInitial, step)
	e.logger.Warnw("initial handshake failed", "socket_id", p.SocketID, "step", step, "error", err)
	e.registry.removeParticipant(p)
}

// abortRenegotiation rolls back a pending local offer and returns the
// connection to the stable state it left.
func (e *NegotiationEngine) abortRenegotiation(ctx context.Context, p *Participant, step string, err error) {
	tracing.RecordError(ctx, err)
	if p.State() == domain.StateRenegotiationPending {
		if rbErr := e.rollback(ctx, p); rbErr != nil {
			e.logger.Warnw("rollback failed", "socket_id", p.SocketID, "error", rbErr)
			p.mu.Lock()
			if p.timer != nil {
				p.timer.Stop()
				p.timer = nil
			}
			p.generation++
			p.state = p.prevStable
			p.mu.Unlock()
		}
	}
	e.metrics.NegotiationFailed(domain.CycleRenegotiation, step)
	e.logger.Warnw("renegotiation aborted", "socket_id", p.SocketID, "step", step, "error", err)
	e.registry.notifier.Notify()
}

func (e *NegotiationEngine) drop(kind protocol.Kind, socketID domain.SocketID, reason string) {
	e.metrics.MessageDropped(string(kind))
	e.logger.Debugw("dropping message", "kind", kind, "socket_id", socketID, "reason", reason)
}
