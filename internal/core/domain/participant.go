package domain

import "time"

// Identity is the public profile a participant advertises during the handshake.
type Identity struct {
	Name     string `json:"name"`
	ImageURL string `json:"image"`
	Email    string `json:"email"`
}

const UnknownName = "Unknown"

// DefaultIdentity is used until the local user supplies a profile.
func DefaultIdentity() Identity {
	return Identity{Name: UnknownName}
}

// DisplayName falls back to UnknownName for a missing or blank profile.
func (i *Identity) DisplayName() string {
	if i == nil || i.Name == "" {
		return UnknownName
	}
	return i.Name
}

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// StreamKind names what a stop-stream signal refers to. Presentation bundles
// both audio and video of a screen share.
type StreamKind string

const (
	StreamKindAudio        StreamKind = "audio"
	StreamKindVideo        StreamKind = "video"
	StreamKindPresentation StreamKind = "presentation"
)

func (k StreamKind) Valid() bool {
	switch k {
	case StreamKindAudio, StreamKindVideo, StreamKindPresentation:
		return true
	}
	return false
}

// MediaState tracks whether a remote kind is playing. Changed is a dirty bit
// cleared once the UI has rendered it.
type MediaState struct {
	Playing bool `json:"playing"`
	Changed bool `json:"changed"`
}

func (s *MediaState) Set(playing bool) {
	s.Playing = playing
	s.Changed = true
}

type JoinRequest struct {
	SocketID    SocketID  `json:"socket_id"`
	Identity    Identity  `json:"identity"`
	RequestedAt time.Time `json:"requested_at"`
}
