package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	currentSchemaVersion = 2
)

// Migration moves the key layout from Version-1 to Version.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
	Down    func(ctx context.Context, client *redis.Client) error
}

// Migrate applies every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	version, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if version >= currentSchemaVersion {
		logger.Debugw("redis schema up to date", "version", version)
		return nil
	}

	for _, m := range getMigrations() {
		if m.Version <= version {
			continue
		}
		logger.Infow("running Redis migration", "from", version, "to", m.Version)
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := setSchemaVersion(ctx, client, m.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		version = m.Version
	}

	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// version 1 predates rooms; its keys are left to expire
			Version: 1,
			Up:      func(ctx context.Context, client *redis.Client) error { return nil },
			Down:    func(ctx context.Context, client *redis.Client) error { return nil },
		},
		{
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				// drop active-set members whose room key is gone
				activeKey := keyPrefix + "room:active"
				ids, err := client.SMembers(ctx, activeKey).Result()
				if err != nil {
					return err
				}
				for _, id := range ids {
					n, err := client.Exists(ctx, keyPrefix+"room:"+id).Result()
					if err != nil {
						return err
					}
					if n == 0 {
						if err := client.SRem(ctx, activeKey, id).Err(); err != nil {
							return err
						}
					}
				}
				return nil
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				return client.Del(ctx, keyPrefix+"room:active").Err()
			},
		},
	}
}
