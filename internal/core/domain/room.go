package domain

import "time"

type RoomID string
type SocketID string

type Room struct {
	ID        RoomID    `json:"room_id"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}
