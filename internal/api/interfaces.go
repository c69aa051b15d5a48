package api

import (
	"github.com/nkkko/reviewfeed/internal/feed"
	"github.com/nkkko/reviewfeed/pkg/proto"
)

// Feed defines what the API needs from the live feed
type Feed interface {
	// Events returns the current snapshot, oldest first
	Events() []proto.Event

	// Status returns a point-in-time summary
	Status() feed.Status

	// Subscribe registers an observer of new snapshots
	Subscribe(buffer int) (string, <-chan []proto.Event)

	// Unsubscribe removes an observer
	Unsubscribe(id string)
}
