package session

import (
	"context"
	"strings"
)

// NewStore returns a Postgres store when databaseURL is set and an in-process
// store otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// NewRegistry returns a Redis registry when redisCfg.Addr is set.
func NewRegistry(ctx context.Context, redisCfg RedisConfig) (Registry, error) {
	if strings.TrimSpace(redisCfg.Addr) == "" {
		return NewMemoryRegistry(), nil
	}
	return NewRedisRegistry(ctx, redisCfg)
}
