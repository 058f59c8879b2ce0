package services

import (
	"sync"

	"meshmeet/internal/core/domain"
)

// LocalParticipant holds what this client knows about itself: the socket id
// the relay assigned, the room it is in and the profile it advertises.
type LocalParticipant struct {
	mu       sync.RWMutex
	socketID domain.SocketID
	roomID   domain.RoomID
	secret   string
	identity domain.Identity
}

func NewLocalParticipant(identity domain.Identity) *LocalParticipant {
	if identity.Name == "" {
		identity.Name = domain.UnknownName
	}
	return &LocalParticipant{identity: identity}
}

func (l *LocalParticipant) SocketID() domain.SocketID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.socketID
}

func (l *LocalParticipant) SetSocketID(id domain.SocketID) {
	l.mu.Lock()
	l.socketID = id
	l.mu.Unlock()
}

func (l *LocalParticipant) RoomID() domain.RoomID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.roomID
}

func (l *LocalParticipant) Secret() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.secret
}

func (l *LocalParticipant) SetRoom(roomID domain.RoomID, secret string) {
	l.mu.Lock()
	l.roomID = roomID
	l.secret = secret
	l.mu.Unlock()
}

func (l *LocalParticipant) Identity() domain.Identity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.identity
}

func (l *LocalParticipant) SetIdentity(identity domain.Identity) {
	if identity.Name == "" {
		identity.Name = domain.UnknownName
	}
	l.mu.Lock()
	l.identity = identity
	l.mu.Unlock()
}
