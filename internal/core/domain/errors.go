package domain

import "errors"

var (
	ErrPeerNotFound        = errors.New("peer not found")
	ErrDuplicateConnection = errors.New("connection already exists for socket")
	ErrCaptureDenied       = errors.New("media capture denied")
	ErrHandshakeTimeout    = errors.New("handshake timed out")
	ErrInvalidState        = errors.New("invalid negotiation state")
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomExists          = errors.New("room already exists")
	ErrNotInRoom           = errors.New("socket is not in room")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrRateLimited         = errors.New("rate limited")
)
