package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

type redisStateStore struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisStateStore constructs a Redis backed StateStore so several API
// replicas can complete each other's OAuth flows.
func NewRedisStateStore(addr, password string, db int, logger *slog.Logger) (StateStore, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisStateStore{
		client:  client,
		logger:  logger,
		prefix:  "accounts:oauth:state:",
		timeout: 500 * time.Millisecond,
	}, nil
}

func (s *redisStateStore) Save(ctx context.Context, state string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	stored, err := s.client.SetNX(ctx, s.prefix+state, "1", ttl).Result()
	if err != nil {
		s.logRedisError("setnx", err)
		return fmt.Errorf("save oauth state: %w", err)
	}
	if !stored {
		return errors.New("oauth state collision")
	}
	return nil
}

func (s *redisStateStore) Consume(ctx context.Context, state string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.client.GetDel(ctx, s.prefix+state).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		s.logRedisError("getdel", err)
		return false, fmt.Errorf("consume oauth state: %w", err)
	}
	return true, nil
}

func (s *redisStateStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *redisStateStore) logRedisError(op string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Error("redis state store error", "op", op, "error", err)
}
