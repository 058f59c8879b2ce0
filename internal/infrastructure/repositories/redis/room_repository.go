package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"meshmeet/internal/core/domain"
	"meshmeet/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "meshmeet:"

type RedisRoomRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRoomRepository stores each room under its own key with ttl as
// expiry. A zero ttl keeps rooms until deleted.
func NewRedisRoomRepository(client *redis.Client, ttl time.Duration) ports.RoomRepository {
	return &RedisRoomRepository{
		client: client,
		prefix: keyPrefix + "room:",
		ttl:    ttl,
	}
}

func (r *RedisRoomRepository) roomKey(id domain.RoomID) string {
	return r.prefix + string(id)
}

func (r *RedisRoomRepository) activeRoomsKey() string {
	return r.prefix + "active"
}

func (r *RedisRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.roomKey(room.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to set room in Redis: %w", err)
	}
	if !created {
		return domain.ErrRoomExists
	}

	if room.Active {
		if err := r.client.SAdd(ctx, r.activeRoomsKey(), string(room.ID)).Err(); err != nil {
			return fmt.Errorf("failed to add room to active set: %w", err)
		}
	}

	return nil
}

func (r *RedisRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, r.roomKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}

	return &room, nil
}

func (r *RedisRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.activeRoomsKey(), string(id))
	deleted := pipe.Del(ctx, r.roomKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	if deleted.Val() == 0 {
		return domain.ErrRoomNotFound
	}

	return nil
}

// ListActive resolves the active set and prunes ids whose key has expired.
func (r *RedisRoomRepository) ListActive(ctx context.Context) ([]*domain.Room, error) {
	ids, err := r.client.SMembers(ctx, r.activeRoomsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active rooms from Redis: %w", err)
	}

	var rooms []*domain.Room
	var stale []interface{}
	for _, id := range ids {
		room, err := r.GetByID(ctx, domain.RoomID(id))
		if err == domain.ErrRoomNotFound {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.activeRoomsKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune active rooms: %w", err)
		}
	}

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}
