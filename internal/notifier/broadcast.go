// Package notifier fans feed snapshots out to in-process observers.
package notifier

import (
	"sync"

	"github.com/google/uuid"
	"github.com/nkkko/reviewfeed/internal/logging"
	"github.com/nkkko/reviewfeed/internal/metrics"
	"github.com/nkkko/reviewfeed/pkg/proto"
	"github.com/rs/zerolog"
)

// DefaultBuffer is the channel depth used when a subscriber asks for none
const DefaultBuffer = 16

// Broadcaster delivers every published snapshot to all subscribers.
//
// Sends never block: a subscriber whose channel is full misses that snapshot.
// Since each snapshot is the complete event list, the next delivered one
// supersedes anything dropped.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan []proto.Event
	closed      bool

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan []proto.Event),
		metrics:     metrics.GetMetrics(),
		logger:      logging.Component("notifier"),
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
// After Close the returned channel is already closed.
func (b *Broadcaster) Subscribe(buffer int) (string, <-chan []proto.Event) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	id := uuid.New().String()
	ch := make(chan []proto.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return id, ch
	}

	b.subscribers[id] = ch
	b.metrics.ObserversActive.Inc()
	b.logger.Debug().Str("subscriber_id", id).Int("buffer", buffer).Msg("Observer subscribed")

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		b.metrics.ObserversActive.Dec()
		b.logger.Debug().Str("subscriber_id", id).Msg("Observer unsubscribed")
	}
}

// Publish sends snapshot to every subscriber and reports how many received it
// and how many were skipped because their channel was full.
func (b *Broadcaster) Publish(snapshot []proto.Event) (delivered, dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- snapshot:
			delivered++
		default:
			dropped++
			b.logger.Debug().Str("subscriber_id", id).Msg("Observer channel full, dropping snapshot")
		}
	}

	if dropped > 0 {
		b.metrics.ObserverDroppedTotal.Add(float64(dropped))
	}
	return delivered, dropped
}

// Len returns the number of active subscribers
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels. Further subscriptions receive a
// closed channel and further publishes reach nobody.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
		b.metrics.ObserversActive.Dec()
	}
}
