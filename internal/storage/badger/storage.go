// Package badger stores event slots in a local Badger database.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/reviewfeed/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure Backend implements storage.Backend
var _ storage.Backend = (*Backend)(nil)

// prefixSlot namespaces slot keys inside the database
const prefixSlot = "slot:"

func init() {
	storage.Register(storage.TypeBadger, func(cfg storage.Config) (storage.Backend, error) {
		return Open(cfg.DataDir)
	})
}

// Backend is a storage.Backend on top of Badger
type Backend struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens (or creates) the database under dataDir/badger
func Open(dataDir string) (*Backend, error) {
	logger := log.With().Str("component", "storage-badger").Logger()

	dbPath := filepath.Join(dataDir, "badger")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create badger directory: %w", err)
	}

	options := badger.DefaultOptions(dbPath).
		WithLoggingLevel(badger.WARNING). // Reduce logging noise
		WithSyncWrites(true)              // The slot is small and must survive a crash

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("Badger storage opened")
	return &Backend{db: db, logger: logger}, nil
}

// prefixKey adds the slot prefix to a key
func prefixKey(key string) []byte {
	prefixed := make([]byte, len(prefixSlot)+len(key))
	copy(prefixed, prefixSlot)
	copy(prefixed[len(prefixSlot):], key)
	return prefixed
}

// Get returns the value of a slot or storage.ErrNotFound
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(prefixKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read slot %q: %w", key, err)
	}
	return value, nil
}

// Set overwrites the value of a slot
func (b *Backend) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(prefixKey(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to write slot %q: %w", key, err)
	}
	return nil
}

// Close closes the database
func (b *Backend) Close() error {
	b.logger.Debug().Msg("Closing Badger storage")
	return b.db.Close()
}
