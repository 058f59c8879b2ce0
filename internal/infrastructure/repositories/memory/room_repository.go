package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"
)

// MemoryRoomRepository keeps rooms in process. Rooms older than ttl are
// treated as gone; a zero ttl keeps them forever.
type MemoryRoomRepository struct {
	rooms map[domain.RoomID]*domain.Room
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
}

func NewMemoryRoomRepository(ttl time.Duration) ports.RoomRepository {
	return newMemoryRoomRepository(ttl, time.Now)
}

func newMemoryRoomRepository(ttl time.Duration, now func() time.Time) *MemoryRoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
		ttl:   ttl,
		now:   now,
	}
}

func (r *MemoryRoomRepository) expired(room *domain.Room) bool {
	return r.ttl > 0 && r.now().Sub(room.CreatedAt) >= r.ttl
}

func (r *MemoryRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.rooms[room.ID]; exists && !r.expired(existing) {
		return domain.ErrRoomExists
	}

	r.rooms[room.ID] = room
	return nil
}

func (r *MemoryRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists || r.expired(room) {
		return nil, domain.ErrRoomNotFound
	}

	return room, nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[id]; !exists {
		return domain.ErrRoomNotFound
	}

	delete(r.rooms, id)
	return nil
}

// ListActive returns live rooms, oldest first, and forgets expired ones.
func (r *MemoryRoomRepository) ListActive(ctx context.Context) ([]*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var active []*domain.Room
	for id, room := range r.rooms {
		if r.expired(room) {
			delete(r.rooms, id)
			continue
		}
		if room.Active {
			active = append(active, room)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	return active, nil
}
