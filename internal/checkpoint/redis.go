package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL is how long a session's checkpoints live in Redis.
const DefaultRedisTTL = 7 * 24 * time.Hour

// RedisStore keeps one hash per session, one field per checkpoint name.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps a client. Keys are "<prefix>:<session>".
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "conclave:checkpoint"
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStore(client, "", 0), nil
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

// Save sets the field and refreshes the session's expiry.
func (s *RedisStore) Save(ctx context.Context, sessionID, name string, payload []byte) (string, error) {
	if err := validate(sessionID, name); err != nil {
		return "", err
	}
	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, name, payload)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	return fmt.Sprintf("redis:%s#%s", key, name), nil
}

// Load reads the field.
func (s *RedisStore) Load(ctx context.Context, sessionID, name string) ([]byte, error) {
	if err := validate(sessionID, name); err != nil {
		return nil, err
	}
	data, err := s.client.HGet(ctx, s.key(sessionID), name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
