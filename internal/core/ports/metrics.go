package ports

import (
	"time"

	"meshmeet/internal/core/domain"
)

type MetricsRecorder interface {
	NegotiationCompleted(cycle domain.Cycle, duration time.Duration)
	NegotiationFailed(cycle domain.Cycle, reason string)
	PeerConnectionOpened()
	PeerConnectionClosed()
	ICECandidate(direction, disposition string)
	MessageDropped(kind string)
}
