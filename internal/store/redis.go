package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bottle-gateway/internal/config"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the session document under a single key, so SET replaces
// it atomically.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisClient builds a client from the redis section of the config.
func NewRedisClient(cfg *config.Config, password string) *redis.Client {
	addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       cfg.Redis.DB,
	})
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) RawKey(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

func (s *RedisStore) key() string { return s.RawKey("sessions") }

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) LoadAll(ctx context.Context) (Sessions, error) {
	val, err := s.rdb.Get(ctx, s.key()).Result()
	if errors.Is(err, redis.Nil) {
		return Sessions{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get: %v", ErrUnavailable, err)
	}

	var out Sessions
	if err := json.Unmarshal([]byte(val), &out); err != nil {
		moved := s.RawKey("sessions", "corrupt", fmt.Sprint(time.Now().UnixNano()))
		if rerr := s.rdb.Rename(ctx, s.key(), moved).Err(); rerr != nil {
			moved = ""
		}
		return Sessions{}, fmt.Errorf("%w: decode %s (moved to %s): %v", ErrCorrupt, s.key(), moved, err)
	}
	if out == nil {
		out = Sessions{}
	}
	return out, nil
}

func (s *RedisStore) SaveAll(ctx context.Context, sessions Sessions) error {
	if sessions == nil {
		sessions = Sessions{}
	}
	b, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(), b, 0).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", ErrUnavailable, err)
	}
	return nil
}
