package protocol

import "meshmeet/internal/core/domain"

// Delivery is a relay-to-client message bound for one socket.
type Delivery struct {
	To      domain.SocketID
	Message Message
}

// Forward translates a peer-addressed client message into the deliveries the
// relay must make on the sender's behalf. Room-scoped kinds (joins, leaves,
// admission) are not handled here and yield ok=false.
func Forward(sender domain.SocketID, msg Message) (deliveries []Delivery, ok bool) {
	switch m := msg.(type) {
	case OffersCreated:
		for _, o := range m.Offers {
			deliveries = append(deliveries, Delivery{To: o.To, Message: AcceptOffer{
				Offer:          o.Offer,
				Sender:         sender,
				RoomID:         m.RoomID,
				SenderIdentity: o.SenderIdentity,
			}})
		}
		return deliveries, true
	case AnswerCreated:
		return one(m.Receiver, SaveAnswer{Answer: m.Answer, Sender: sender, SenderIdentity: m.SenderIdentity}), true
	case NegoOffer:
		return one(m.To, NegoOfferAccept{Offer: m.Offer, Sender: sender}), true
	case NegoAnswerCreated:
		return one(m.To, NegoSaveAnswer{Answer: m.Answer, Sender: sender}), true
	case IceCandidate:
		return one(m.To, SaveIceCandidate{Candidate: m.Candidate, Sender: sender}), true
	case StreamStopped:
		return one(m.To, ClearTracks{Sender: sender, StreamKind: m.StreamKind}), true
	case ChatSend:
		return one(m.To, ReceiveChat{Sender: sender, Message: m.Message}), true
	}
	return nil, false
}

func one(to domain.SocketID, msg Message) []Delivery {
	return []Delivery{{To: to, Message: msg}}
}
