package domain

import "sync"

// MediaTrack is a local capture track or a track received from a peer.
type MediaTrack interface {
	ID() string
	Kind() TrackKind
	Stop()
	// OnEnded registers a callback run when the source ends the track on its
	// own, e.g. the OS stops a screen capture. Stop does not trigger it.
	OnEnded(fn func())
}

// MediaStream is an ordered, de-duplicated collection of tracks.
type MediaStream struct {
	id     string
	mu     sync.RWMutex
	tracks []MediaTrack
}

func NewMediaStream(id string, tracks ...MediaTrack) *MediaStream {
	s := &MediaStream{id: id}
	for _, t := range tracks {
		s.AddTrack(t)
	}
	return s
}

func (s *MediaStream) ID() string { return s.id }

// AddTrack appends the track unless one with the same id is present.
func (s *MediaStream) AddTrack(track MediaTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.ID() == track.ID() {
			return false
		}
	}
	s.tracks = append(s.tracks, track)
	return true
}

func (s *MediaStream) RemoveTrack(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.ID() == id {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return true
		}
	}
	return false
}

func (s *MediaStream) Tracks() []MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MediaTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *MediaStream) TracksOfKind(kind TrackKind) []MediaTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []MediaTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// RemoveKind stops and evicts every track of the given kind.
func (s *MediaStream) RemoveKind(kind TrackKind) []MediaTrack {
	s.mu.Lock()
	var removed []MediaTrack
	kept := s.tracks[:0]
	for _, t := range s.tracks {
		if t.Kind() == kind {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	s.tracks = kept
	s.mu.Unlock()

	for _, t := range removed {
		t.Stop()
	}
	return removed
}

func (s *MediaStream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

// Stop stops every track; the stream keeps its membership.
func (s *MediaStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
