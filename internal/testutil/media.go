// Package testutil provides in-memory stand-ins for the WebRTC and signaling
// boundaries so the mesh services can be exercised without a network.
package testutil

import (
	"context"
	"errors"
	"sync"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"

	"github.com/google/uuid"
)

var ErrDenied = errors.New("permission denied")

// FakeTrack is a media track whose lifecycle is driven by the test.
type FakeTrack struct {
	id   string
	kind domain.TrackKind

	mu      sync.Mutex
	stopped bool
	onEnded []func()
}

func NewFakeTrack(kind domain.TrackKind) *FakeTrack {
	return NewFakeTrackWithID(string(kind)+"-"+uuid.NewString(), kind)
}

func NewFakeTrackWithID(id string, kind domain.TrackKind) *FakeTrack {
	return &FakeTrack{id: id, kind: kind}
}

func (t *FakeTrack) ID() string              { return t.id }
func (t *FakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *FakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *FakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *FakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// End simulates the source going away, e.g. the user clicking the
// browser's "stop sharing" button.
func (t *FakeTrack) End() {
	t.mu.Lock()
	t.stopped = true
	callbacks := append([]func(){}, t.onEnded...)
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// FakeDevices hands out fake capture streams and can be told to refuse.
type FakeDevices struct {
	mu          sync.Mutex
	DenyCamera  bool
	DenyMic     bool
	DenyDisplay bool

	userMediaCalls int
	displays       []*domain.MediaStream
}

var _ ports.MediaDevices = (*FakeDevices)(nil)

func (d *FakeDevices) GetUserMedia(ctx context.Context, c ports.MediaConstraints) (*domain.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if (c.Video && d.DenyCamera) || (c.Audio && d.DenyMic) {
		return nil, ErrDenied
	}
	d.userMediaCalls++

	stream := domain.NewMediaStream("user-" + uuid.NewString())
	if c.Video {
		stream.AddTrack(NewFakeTrack(domain.TrackKindVideo))
	}
	if c.Audio {
		stream.AddTrack(NewFakeTrack(domain.TrackKindAudio))
	}
	return stream, nil
}

func (d *FakeDevices) GetDisplayMedia(ctx context.Context) (*domain.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.DenyDisplay {
		return nil, ErrDenied
	}
	stream := domain.NewMediaStream("display-"+uuid.NewString(),
		NewFakeTrack(domain.TrackKindVideo),
		NewFakeTrack(domain.TrackKindAudio),
	)
	d.displays = append(d.displays, stream)
	return stream, nil
}

func (d *FakeDevices) UserMediaCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.userMediaCalls
}

// LastDisplay returns the most recent screen capture, or nil.
func (d *FakeDevices) LastDisplay() *domain.MediaStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.displays) == 0 {
		return nil
	}
	return d.displays[len(d.displays)-1]
}
