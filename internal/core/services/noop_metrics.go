package services

import (
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"
)

type noopMetrics struct{}

func (noopMetrics) NegotiationCompleted(domain.Cycle, time.Duration) {}
func (noopMetrics) NegotiationFailed(domain.Cycle, string)            {}
func (noopMetrics) PeerConnectionOpened()                             {}
func (noopMetrics) PeerConnectionClosed()                             {}
func (noopMetrics) ICECandidate(string, string)                       {}
func (noopMetrics) MessageDropped(string)                             {}

func orNoop(m ports.MetricsRecorder) ports.MetricsRecorder {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
