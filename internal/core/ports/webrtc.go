package ports

import (
	"context"

	"meshmeet/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PeerConnection is the capability object behind one mesh link. NAT
// traversal, codecs and congestion control stay inside the implementation.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error
	AddTrack(track domain.MediaTrack) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnNegotiationNeeded(fn func())
	OnTrack(fn func(domain.MediaTrack))

	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaDevices acquires local capture streams.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints MediaConstraints) (*domain.MediaStream, error)
	// GetDisplayMedia captures the screen together with its audio.
	GetDisplayMedia(ctx context.Context) (*domain.MediaStream, error)
}
