// Package protocol defines the signaling messages exchanged between mesh
// clients and the relay, as a closed set of Go types.
package protocol

import (
	"meshmeet/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

type Kind string

const (
	KindConnected           Kind = "connected"
	KindRoomJoined          Kind = "roomJoined"
	KindRoomLeft            Kind = "roomLeft"
	KindRequestJoinRoom     Kind = "requestJoinRoom"
	KindUserRequestJoinRoom Kind = "userRequestJoinRoom"
	KindUserAccepted        Kind = "userAccepted"
	KindJoinRequestAccepted Kind = "joinRequestAccepted"
	KindCreateOffers        Kind = "createOffers"
	KindOffersCreated       Kind = "offersCreated"
	KindAcceptOffer         Kind = "acceptOffer"
	KindAnswerCreated       Kind = "answerCreated"
	KindSaveAnswer          Kind = "saveAnswer"
	KindNegoOffer           Kind = "negoOffer"
	KindNegoOfferAccept     Kind = "negoOfferAccept"
	KindNegoAnswerCreated   Kind = "negoAnswerCreated"
	KindNegoSaveAnswer      Kind = "negoSaveAnswer"
	KindIceCandidate        Kind = "iceCandidate"
	KindSaveIceCandidate    Kind = "saveIceCandidate"
	KindStreamStopped       Kind = "streamStopped"
	KindClearTracks         Kind = "clearTracks"
	KindChatSend            Kind = "chatSend"
	KindReceiveChat         Kind = "receiveChat"
	KindSocketDisconnected  Kind = "socketDisconnected"
	KindError               Kind = "error"
)

// Message is implemented only by the types in this package.
type Message interface {
	Kind() Kind
	sealed()
}

// Addressed is a client-to-relay message targeting a single socket.
type Addressed interface {
	Message
	Target() domain.SocketID
}

// Originated is a relay-to-client message carrying the sender's socket.
type Originated interface {
	Message
	Origin() domain.SocketID
}

type message struct{}

func (message) sealed() {}

// Connected is sent by the relay right after the websocket is accepted.
type Connected struct {
	message
	SocketID domain.SocketID `json:"socketId"`
}

type RoomJoined struct {
	message
	RoomID domain.RoomID `json:"roomId"`
	Secret string        `json:"secret,omitempty"`
}

type RoomLeft struct {
	message
	RoomID domain.RoomID `json:"roomId"`
}

type RequestJoinRoom struct {
	message
	RoomID   domain.RoomID   `json:"roomId"`
	Identity domain.Identity `json:"identity"`
}

type UserRequestJoinRoom struct {
	message
	SocketID domain.SocketID `json:"socketId"`
	Identity domain.Identity `json:"identity"`
}

type UserAccepted struct {
	message
	RoomID   domain.RoomID   `json:"roomId"`
	SocketID domain.SocketID `json:"socketId"`
}

type JoinRequestAccepted struct {
	message
	RoomID domain.RoomID `json:"roomId"`
	Secret string        `json:"secret"`
}

type CreateOffers struct {
	message
	Sockets []domain.SocketID `json:"sockets"`
	RoomID  domain.RoomID     `json:"roomId"`
}

// Offer is one entry of an offer batch.
type Offer struct {
	Offer          webrtc.SessionDescription `json:"offer"`
	To             domain.SocketID           `json:"to"`
	SenderIdentity *domain.Identity          `json:"senderIdentity,omitempty"`
}

type OffersCreated struct {
	message
	RoomID domain.RoomID `json:"roomId"`
	Offers []Offer       `json:"offers"`
}

type AcceptOffer struct {
	message
	Offer          webrtc.SessionDescription `json:"offer"`
	Sender         domain.SocketID           `json:"sender"`
	RoomID         domain.RoomID             `json:"roomId"`
	SenderIdentity *domain.Identity          `json:"senderIdentity,omitempty"`
}

type AnswerCreated struct {
	message
	RoomID         domain.RoomID             `json:"roomId"`
	Answer         webrtc.SessionDescription `json:"answer"`
	Receiver       domain.SocketID           `json:"receiver"`
	SenderIdentity *domain.Identity          `json:"senderIdentity,omitempty"`
}

type SaveAnswer struct {
	message
	Answer         webrtc.SessionDescription `json:"answer"`
	Sender         domain.SocketID           `json:"sender"`
	SenderIdentity *domain.Identity          `json:"senderIdentity,omitempty"`
}

type NegoOffer struct {
	message
	Offer webrtc.SessionDescription `json:"offer"`
	To    domain.SocketID           `json:"to"`
}

type NegoOfferAccept struct {
	message
	Offer  webrtc.SessionDescription `json:"offer"`
	Sender domain.SocketID           `json:"sender"`
}

type NegoAnswerCreated struct {
	message
	Answer webrtc.SessionDescription `json:"answer"`
	To     domain.SocketID           `json:"to"`
}

type NegoSaveAnswer struct {
	message
	Answer webrtc.SessionDescription `json:"answer"`
	Sender domain.SocketID           `json:"sender"`
}

type IceCandidate struct {
	message
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	To        domain.SocketID         `json:"to"`
}

type SaveIceCandidate struct {
	message
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Sender    domain.SocketID         `json:"sender"`
}

type StreamStopped struct {
	message
	To         domain.SocketID   `json:"to"`
	StreamKind domain.StreamKind `json:"kind"`
}

type ClearTracks struct {
	message
	Sender     domain.SocketID   `json:"sender"`
	StreamKind domain.StreamKind `json:"kind"`
}

type ChatSend struct {
	message
	To      domain.SocketID `json:"to"`
	Message string          `json:"message"`
}

type ReceiveChat struct {
	message
	Sender  domain.SocketID `json:"sender"`
	Message string          `json:"message"`
}

type SocketDisconnected struct {
	message
	SocketID domain.SocketID `json:"socketId"`
}

// Error is how the relay rejects a client message.
type Error struct {
	message
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Connected) Kind() Kind           { return KindConnected }
func (RoomJoined) Kind() Kind          { return KindRoomJoined }
func (RoomLeft) Kind() Kind            { return KindRoomLeft }
func (RequestJoinRoom) Kind() Kind     { return KindRequestJoinRoom }
func (UserRequestJoinRoom) Kind() Kind { return KindUserRequestJoinRoom }
func (UserAccepted) Kind() Kind        { return KindUserAccepted }
func (JoinRequestAccepted) Kind() Kind { return KindJoinRequestAccepted }
func (CreateOffers) Kind() Kind        { return KindCreateOffers }
func (OffersCreated) Kind() Kind       { return KindOffersCreated }
func (AcceptOffer) Kind() Kind         { return KindAcceptOffer }
func (AnswerCreated) Kind() Kind       { return KindAnswerCreated }
func (SaveAnswer) Kind() Kind          { return KindSaveAnswer }
func (NegoOffer) Kind() Kind           { return KindNegoOffer }
func (NegoOfferAccept) Kind() Kind     { return KindNegoOfferAccept }
func (NegoAnswerCreated) Kind() Kind   { return KindNegoAnswerCreated }
func (NegoSaveAnswer) Kind() Kind      { return KindNegoSaveAnswer }
func (IceCandidate) Kind() Kind        { return KindIceCandidate }
func (SaveIceCandidate) Kind() Kind    { return KindSaveIceCandidate }
func (StreamStopped) Kind() Kind       { return KindStreamStopped }
func (ClearTracks) Kind() Kind         { return KindClearTracks }
func (ChatSend) Kind() Kind            { return KindChatSend }
func (ReceiveChat) Kind() Kind         { return KindReceiveChat }
func (SocketDisconnected) Kind() Kind  { return KindSocketDisconnected }
func (Error) Kind() Kind               { return KindError }

func (m AnswerCreated) Target() domain.SocketID     { return m.Receiver }
func (m NegoOffer) Target() domain.SocketID         { return m.To }
func (m NegoAnswerCreated) Target() domain.SocketID { return m.To }
func (m IceCandidate) Target() domain.SocketID      { return m.To }
func (m StreamStopped) Target() domain.SocketID     { return m.To }
func (m ChatSend) Target() domain.SocketID          { return m.To }

func (m AcceptOffer) Origin() domain.SocketID      { return m.Sender }
func (m SaveAnswer) Origin() domain.SocketID       { return m.Sender }
func (m NegoOfferAccept) Origin() domain.SocketID  { return m.Sender }
func (m NegoSaveAnswer) Origin() domain.SocketID   { return m.Sender }
func (m SaveIceCandidate) Origin() domain.SocketID { return m.Sender }
func (m ClearTracks) Origin() domain.SocketID      { return m.Sender }
func (m ReceiveChat) Origin() domain.SocketID      { return m.Sender }
