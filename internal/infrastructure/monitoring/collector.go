package monitoring

import (
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
)

// Collector exposes mesh client and relay metrics. It satisfies
// ports.MetricsRecorder.
type Collector struct {
	negotiationsTotal *prometheus.CounterVec
	negotiationErrors *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	peerConnections   prometheus.Gauge
	iceCandidates     *prometheus.CounterVec
	droppedMessages   *prometheus.CounterVec

	relaySockets       prometheus.Gauge
	relayMessages      *prometheus.CounterVec
	relayRejected      *prometheus.CounterVec
	roomsCreated       prometheus.Counter
	relayRoutedLatency prometheus.Histogram
}

var _ ports.MetricsRecorder = (*Collector)(nil)

// NewCollector registers the metrics on reg; nil means the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		negotiationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshmeet_negotiations_total",
			Help: "Offer/answer cycles by cycle type and outcome",
		}, []string{"cycle", "outcome"}),

		negotiationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshmeet_negotiation_failures_total",
			Help: "Failed negotiation cycles by the step that failed",
		}, []string{"cycle", "step"}),

		handshakeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshmeet_handshake_duration_seconds",
			Help:    "Time from starting a negotiation cycle to reaching a stable state",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"cycle"}),

		peerConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshmeet_peer_connections",
			Help: "Open peer connections",
		}),

		iceCandidates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshmeet_ice_candidates_total",
			Help: "ICE candidates by direction and what happened to them",
		}, []string{"direction", "disposition"}),

		droppedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshmeet_dropped_messages_total",
			Help: "Signaling messages dropped as stale or out of state",
		}, []string{"kind"}),

		relaySockets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshmeet_relay_sockets",
			Help: "Websocket clients connected to the relay",
		}),

		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshmeet_relay_messages_total",
			Help: "Messages routed by the relay by type",
		}, []string{"type"}),

		relayRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshmeet_relay_rejected_total",
			Help: "Client messages rejected by the relay by reason",
		}, []string{"reason"}),

		roomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshmeet_rooms_created_total",
			Help: "Rooms created through the API",
		}),

		relayRoutedLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshmeet_relay_route_duration_seconds",
			Help:    "Time spent routing one client message",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}
}

func (c *Collector) NegotiationCompleted(cycle domain.Cycle, duration time.Duration) {
	c.negotiationsTotal.WithLabelValues(string(cycle), outcomeCompleted).Inc()
	c.handshakeDuration.WithLabelValues(string(cycle)).Observe(duration.Seconds())
}

func (c *Collector) NegotiationFailed(cycle domain.Cycle, reason string) {
	c.negotiationsTotal.WithLabelValues(string(cycle), outcomeFailed).Inc()
	c.negotiationErrors.WithLabelValues(string(cycle), reason).Inc()
}

func (c *Collector) PeerConnectionOpened() { c.peerConnections.Inc() }
func (c *Collector) PeerConnectionClosed() { c.peerConnections.Dec() }

func (c *Collector) ICECandidate(direction, disposition string) {
	c.iceCandidates.WithLabelValues(direction, disposition).Inc()
}

func (c *Collector) MessageDropped(kind string) {
	c.droppedMessages.WithLabelValues(kind).Inc()
}

func (c *Collector) SocketConnected()    { c.relaySockets.Inc() }
func (c *Collector) SocketDisconnected() { c.relaySockets.Dec() }

func (c *Collector) MessageRouted(messageType string, took time.Duration) {
	c.relayMessages.WithLabelValues(messageType).Inc()
	c.relayRoutedLatency.Observe(took.Seconds())
}

func (c *Collector) MessageRejected(reason string) {
	c.relayRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) RoomCreated() { c.roomsCreated.Inc() }
