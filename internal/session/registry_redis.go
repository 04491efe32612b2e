package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Only the current holder may delete or extend a lock; a session whose lock
// expired and was taken over must not release the new holder.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// LockTTL bounds how long a crashed process can keep a document locked.
	LockTTL time.Duration
}

// RedisRegistry shares the one-active-session lock across service instances.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisRegistry(ctx context.Context, cfg RedisConfig) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisRegistry(client, cfg), nil
}

func newRedisRegistry(client *redis.Client, cfg RedisConfig) *RedisRegistry {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "studentaid:session-lock:"
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) key(documentID string) string {
	return r.prefix + strings.TrimSpace(documentID)
}

func (r *RedisRegistry) Acquire(ctx context.Context, documentID, sessionID string) error {
	ok, err := r.client.SetNX(ctx, r.key(documentID), sessionID, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

func (r *RedisRegistry) Release(ctx context.Context, documentID, sessionID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(documentID)}, sessionID).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Refresh(ctx context.Context, documentID, sessionID string) error {
	err := refreshScript.Run(ctx, r.client, []string{r.key(documentID)}, sessionID, r.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis refresh: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Holder(ctx context.Context, documentID string) (string, error) {
	holder, err := r.client.Get(ctx, r.key(documentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return holder, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
