// Package redis stores event slots in Redis so several processes watching the
// same backend share one history.
//
// Writes are last-writer-wins: each process overwrites the whole slot with its
// own view and no merging takes place.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkkko/reviewfeed/internal/storage"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure Backend implements storage.Backend
var _ storage.Backend = (*Backend)(nil)

// KeyPrefix namespaces slot keys in the shared keyspace
const KeyPrefix = "reviewfeed:"

func init() {
	storage.Register(storage.TypeRedis, func(cfg storage.Config) (storage.Backend, error) {
		return New(cfg.RedisURL)
	})
}

// Backend is a storage.Backend on top of a Redis client
type Backend struct {
	client *goredis.Client
	logger zerolog.Logger
}

// New connects to the Redis server at redisURL and verifies it with a ping
func New(redisURL string) (*Backend, error) {
	opt, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := goredis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewFromClient(client), nil
}

// NewFromClient wraps an existing client. Close closes the client.
func NewFromClient(client *goredis.Client) *Backend {
	return &Backend{
		client: client,
		logger: log.With().Str("component", "storage-redis").Logger(),
	}
}

// Get returns the value of a slot or storage.ErrNotFound
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := b.client.Get(ctx, KeyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read slot %q: %w", key, err)
	}
	return value, nil
}

// Set overwrites the value of a slot. Slots never expire in Redis; stale
// events are filtered by TTL on load instead.
func (b *Backend) Set(ctx context.Context, key string, value []byte) error {
	if err := b.client.Set(ctx, KeyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write slot %q: %w", key, err)
	}
	return nil
}

// Close closes the client
func (b *Backend) Close() error {
	b.logger.Debug().Msg("Closing Redis storage")
	return b.client.Close()
}
