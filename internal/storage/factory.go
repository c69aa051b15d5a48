package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Opener creates a backend from configuration
type Opener func(cfg Config) (Backend, error)

var (
	openersMu sync.RWMutex
	openers   = map[Type]Opener{
		TypeMemory: func(Config) (Backend, error) { return NewMemoryBackend(), nil },
	}
)

// Register makes a backend type available to CreateBackend. Backend
// subpackages call it from init.
func Register(typ Type, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[typ] = open
}

// Registered returns the names of all registered backend types
func Registered() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()

	names := make([]string, 0, len(openers))
	for typ := range openers {
		names = append(names, string(typ))
	}
	sort.Strings(names)
	return names
}

// CreateBackend creates the backend selected by cfg.Type.
//
// An unknown type is an error. A known backend that fails to open degrades to
// a MemoryBackend with a warning: history is disposable and the feed must still
// come up. The returned Type is the backend actually in use.
func CreateBackend(cfg Config) (Backend, Type, error) {
	if cfg.Type == "" {
		cfg.Type = DefaultConfig().Type
	}

	openersMu.RLock()
	open, ok := openers[cfg.Type]
	openersMu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("unknown storage type %q (available: %v)", cfg.Type, Registered())
	}

	backend, err := open(cfg)
	if err != nil {
		log.Warn().
			Str("component", "storage").
			Err(err).
			Str("type", string(cfg.Type)).
			Msg("Failed to open storage backend, falling back to memory")
		return NewMemoryBackend(), TypeMemory, nil
	}
	return backend, cfg.Type, nil
}
