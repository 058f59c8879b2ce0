package domain

type NegotiationState string

const (
	StateIdle                 NegotiationState = "idle"
	StateOfferSent            NegotiationState = "offer_sent"
	StateAnswerReceived       NegotiationState = "answer_received"
	StateStable               NegotiationState = "stable"
	StateRenegotiationPending NegotiationState = "renegotiation_pending"
	StateRenegotiationStable  NegotiationState = "renegotiation_stable"
	StateFailed               NegotiationState = "failed"
)

// IsStable reports whether a new renegotiation cycle may start.
func (s NegotiationState) IsStable() bool {
	return s == StateStable || s == StateRenegotiationStable
}

// Cycle distinguishes the initial handshake from later renegotiations.
type Cycle string

const (
	CycleInitial       Cycle = "initial"
	CycleRenegotiation Cycle = "renegotiation"
)
