// Package storage persists the event sequence to one durable key-value slot.
//
// The slot is reached through a Backend. Backends live in subpackages
// (storage/badger, storage/redis) and register themselves with Register; the
// in-process MemoryBackend is always available.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Backend.Get when the key holds no value
var ErrNotFound = errors.New("storage: key not found")

// Backend is a minimal key-value store holding opaque byte values
type Backend interface {
	// Get returns the value stored under key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set overwrites the value stored under key
	Set(ctx context.Context, key string, value []byte) error

	// Close releases the backend's resources
	Close() error
}

// Type names a backend implementation
type Type string

const (
	// TypeBadger keeps the slot in a local Badger database (default)
	TypeBadger Type = "badger"

	// TypeRedis keeps the slot in Redis, shared by every process using the same key
	TypeRedis Type = "redis"

	// TypeMemory keeps the slot in process memory only
	TypeMemory Type = "memory"
)

// Config contains storage configuration
type Config struct {
	// Backend type
	Type Type

	// Base directory for badger data files
	DataDir string

	// Name of the durable slot
	Key string

	// Redis connection URL, e.g. redis://localhost:6379/0
	RedisURL string

	// Upper bound for a single load or save
	Timeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Type:     TypeBadger,
		DataDir:  "./data",
		Key:      "events",
		RedisURL: "redis://localhost:6379/0",
		Timeout:  2 * time.Second,
	}
}
