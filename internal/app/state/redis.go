package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hickar/mailpost/internal/app/config"

	"github.com/redis/go-redis/v9"
)

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

type RedisStore struct {
	client redisClient
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return newRedisStore(client, cfg.KeyPrefix, logger), nil
}

func newRedisStore(client redisClient, prefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *RedisStore) Get(ctx context.Context, login string) (ClientState, bool, error) {
	var st ClientState

	raw, err := s.client.Get(ctx, s.prefix+login).Bytes()
	if errors.Is(err, redis.Nil) {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("get client state: %w", err)
	}

	if err = json.Unmarshal(raw, &st); err != nil {
		return st, false, fmt.Errorf("decode client state: %w", err)
	}

	return st, true, nil
}

func (s *RedisStore) Set(ctx context.Context, login string, state ClientState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode client state: %w", err)
	}

	if err = s.client.Set(ctx, s.prefix+login, raw, 0).Err(); err != nil {
		return fmt.Errorf("set client state: %w", err)
	}

	s.logger.DebugContext(ctx, "stored client state",
		slog.Any("uid_next", state.LastUIDNext),
		slog.Any("uid_validity", state.LastUIDValidity),
	)
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
