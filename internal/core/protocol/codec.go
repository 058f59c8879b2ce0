package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid message payload")
)

// Envelope is the wire framing of every message.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msg.Kind(), err)
	}
	return json.Marshal(Envelope{Type: msg.Kind(), Payload: payload})
}

func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return DecodeEnvelope(env)
}

func DecodeEnvelope(env Envelope) (Message, error) {
	switch env.Type {
	case KindConnected:
		return decodeAs[Connected](env)
	case KindRoomJoined:
		return decodeAs[RoomJoined](env)
	case KindRoomLeft:
		return decodeAs[RoomLeft](env)
	case KindRequestJoinRoom:
		return decodeAs[RequestJoinRoom](env)
	case KindUserRequestJoinRoom:
		return decodeAs[UserRequestJoinRoom](env)
	case KindUserAccepted:
		return decodeAs[UserAccepted](env)
	case KindJoinRequestAccepted:
		return decodeAs[JoinRequestAccepted](env)
	case KindCreateOffers:
		return decodeAs[CreateOffers](env)
	case KindOffersCreated:
		return decodeAs[OffersCreated](env)
	case KindAcceptOffer:
		return decodeAs[AcceptOffer](env)
	case KindAnswerCreated:
		return decodeAs[AnswerCreated](env)
	case KindSaveAnswer:
		return decodeAs[SaveAnswer](env)
	case KindNegoOffer:
		return decodeAs[NegoOffer](env)
	case KindNegoOfferAccept:
		return decodeAs[NegoOfferAccept](env)
	case KindNegoAnswerCreated:
		return decodeAs[NegoAnswerCreated](env)
	case KindNegoSaveAnswer:
		return decodeAs[NegoSaveAnswer](env)
	case KindIceCandidate:
		return decodeAs[IceCandidate](env)
	case KindSaveIceCandidate:
		return decodeAs[SaveIceCandidate](env)
	case KindStreamStopped:
		return decodeAs[StreamStopped](env)
	case KindClearTracks:
		return decodeAs[ClearTracks](env)
	case KindChatSend:
		return decodeAs[ChatSend](env)
	case KindReceiveChat:
		return decodeAs[ReceiveChat](env)
	case KindSocketDisconnected:
		return decodeAs[SocketDisconnected](env)
	case KindError:
		return decodeAs[Error](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

func decodeAs[T Message](env Envelope) (Message, error) {
	var msg T
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
		}
	}
	return msg, nil
}
