// Package feed is the live activity feed consumed by views.
//
// A Feed hydrates the persisted history, keeps one push connection open, and
// turns every inbound message into at most one new event: decoded, checked
// against the TTL and the dedup key, persisted and broadcast. The exposed
// event list is an immutable snapshot replaced atomically on every change.
package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/reviewfeed/internal/decoder"
	"github.com/nkkko/reviewfeed/internal/eventstore"
	"github.com/nkkko/reviewfeed/internal/metrics"
	"github.com/nkkko/reviewfeed/internal/notifier"
	"github.com/nkkko/reviewfeed/internal/storage"
	"github.com/nkkko/reviewfeed/internal/telemetry"
	"github.com/nkkko/reviewfeed/internal/transport"
	"github.com/nkkko/reviewfeed/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrAlreadyOpen is returned by Open on a feed that was opened before
	ErrAlreadyOpen = errors.New("feed: already open")

	// ErrClosed is returned by Open on a closed feed
	ErrClosed = errors.New("feed: closed")
)

// Persister loads and saves the durable event history
type Persister interface {
	LoadSlot(ctx context.Context) ([]proto.Event, storage.SlotState)
	Save(ctx context.Context, events []proto.Event)
}

// Config contains feed configuration
type Config struct {
	// Maximum event age
	TTL time.Duration

	// How often expired events are swept while idle; 0 disables the sweep
	SweepInterval time.Duration

	// Capacity of the recently-seen dedup index
	IndexSize int

	// Delay between a connection failure and the next attempt
	Backoff time.Duration

	// Called on every connection state transition
	OnStateChange func(proto.ConnectionState)

	// Clock; defaults to time.Now
	Now func() time.Time
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		TTL:           eventstore.DefaultTTL,
		SweepInterval: time.Minute,
		IndexSize:     eventstore.DefaultIndexSize,
		Backoff:       transport.DefaultBackoff,
	}
}

// Status is a point-in-time summary of the feed
type Status struct {
	SessionID string                `json:"session_id"`
	State     proto.ConnectionState `json:"state"`
	Events    int                   `json:"events"`
	Observers int                   `json:"observers"`
	OpenedAt  time.Time             `json:"opened_at,omitempty"`
}

// Feed is the subscription facade over one push connection and one history slot
type Feed struct {
	config    Config
	store     Persister
	transport *transport.Transport
	index     *eventstore.Index
	observers *notifier.Broadcaster
	sessionID string

	// mu serializes every mutation of events
	mu     sync.Mutex
	events atomic.Pointer[[]proto.Event]

	stateMu sync.RWMutex
	state   proto.ConnectionState

	lifeMu   sync.Mutex
	opened   bool
	closed   bool
	openedAt time.Time
	handle   *transport.Handle

	ctx       context.Context
	cancel    context.CancelFunc
	sweepDone chan struct{}

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a feed persisting through store and connecting through dialer.
// Nothing happens until Open.
func New(config Config, store Persister, dialer transport.Dialer) (*Feed, error) {
	defaults := DefaultConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.IndexSize <= 0 {
		config.IndexSize = defaults.IndexSize
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	index, err := eventstore.NewIndex(config.IndexSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sessionID := uuid.New().String()

	f := &Feed{
		config:    config,
		store:     store,
		index:     index,
		observers: notifier.NewBroadcaster(),
		sessionID: sessionID,
		state:     proto.StateClosed,
		ctx:       ctx,
		cancel:    cancel,
		sweepDone: make(chan struct{}),
		metrics:   metrics.GetMetrics(),
		logger:    log.With().Str("component", "feed").Str("session_id", sessionID).Logger(),
	}
	empty := []proto.Event{}
	f.events.Store(&empty)

	f.transport = transport.New(dialer, transport.Config{
		Backoff:       config.Backoff,
		OnStateChange: f.setState,
	})
	return f, nil
}

// Open exposes the persisted, non-expired history, writes that filtered list
// back to storage, and starts connecting in the background. Storage problems
// never fail Open; they degrade to an empty history. A slot that could not be
// read is left alone so a transient failure does not erase it.
func (f *Feed) Open(ctx context.Context) error {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if f.opened {
		return ErrAlreadyOpen
	}
	f.opened = true
	f.openedAt = f.config.Now()

	ctx, span := telemetry.StartSpan(ctx, "feed.open")
	defer span.End()

	persisted, slot := f.store.LoadSlot(ctx)
	hydrated := eventstore.HydrateTTL(persisted, f.openedAt, f.config.TTL)
	f.index.RecordAll(hydrated)

	f.mu.Lock()
	f.events.Store(&hydrated)
	f.metrics.EventsStored.Set(float64(len(hydrated)))
	f.mu.Unlock()

	if slot == storage.SlotUnavailable {
		telemetry.AddSpanEvent(ctx, "slot.unavailable")
	} else {
		f.store.Save(ctx, hydrated)
	}

	expired := len(persisted) - len(hydrated)
	if expired > 0 {
		f.metrics.EventsEvictedTotal.Add(float64(expired))
	}
	telemetry.AddSpanAttributes(ctx, attribute.Int("events", len(hydrated)), attribute.Int("expired", expired))
	f.logger.Info().
		Int("events", len(hydrated)).
		Int("expired", expired).
		Str("slot", slot.String()).
		Msg("Feed hydrated")

	f.handle = f.transport.Connect(f.handleMessage)

	if f.config.SweepInterval > 0 {
		go f.sweepLoop()
	} else {
		close(f.sweepDone)
	}
	return nil
}

// Close disconnects and stops all background work. It is safe to call in any
// state, including while the first connection attempt is still pending, and
// more than once. Observer channels are closed.
func (f *Feed) Close() error {
	f.lifeMu.Lock()
	if f.closed {
		f.lifeMu.Unlock()
		return nil
	}
	f.closed = true
	opened := f.opened
	handle := f.handle
	f.lifeMu.Unlock()

	if handle != nil {
		handle.Close()
	}
	f.cancel()
	if opened {
		<-f.sweepDone
	}
	f.observers.Close()
	f.setState(proto.StateClosed)

	f.logger.Info().Int("events", len(f.Events())).Msg("Feed closed")
	return nil
}

// Events returns the current snapshot, oldest first. The slice is shared and
// must not be modified.
func (f *Feed) Events() []proto.Event {
	return *f.events.Load()
}

// State returns the connection state. A feed that is not open reports closed.
func (f *Feed) State() proto.ConnectionState {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.state
}

// Subscribe registers an observer that receives every new snapshot. Slow
// observers miss snapshots rather than block the feed.
func (f *Feed) Subscribe(buffer int) (string, <-chan []proto.Event) {
	return f.observers.Subscribe(buffer)
}

// Unsubscribe removes an observer and closes its channel
func (f *Feed) Unsubscribe(id string) {
	f.observers.Unsubscribe(id)
}

// Status returns a summary for health reporting
func (f *Feed) Status() Status {
	f.lifeMu.Lock()
	openedAt := f.openedAt
	f.lifeMu.Unlock()

	return Status{
		SessionID: f.sessionID,
		State:     f.State(),
		Events:    len(f.Events()),
		Observers: f.observers.Len(),
		OpenedAt:  openedAt,
	}
}

func (f *Feed) setState(state proto.ConnectionState) {
	f.stateMu.Lock()
	if f.state == state {
		f.stateMu.Unlock()
		return
	}
	f.state = state
	f.stateMu.Unlock()

	if f.config.OnStateChange != nil {
		f.config.OnStateChange(state)
	}
}

// handleMessage runs on the transport goroutine for every raw message
func (f *Feed) handleMessage(raw []byte) {
	event, err := decoder.Decode(raw)
	switch {
	case errors.Is(err, decoder.ErrControlFrame):
		f.metrics.DecodeFailuresTotal.WithLabelValues("control").Inc()
		return
	case err != nil:
		f.metrics.DecodeFailuresTotal.WithLabelValues("malformed").Inc()
		f.logger.Debug().Err(err).Int("bytes", len(raw)).Msg("Dropping malformed message")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.config.Now()
	current := f.Events()
	live := eventstore.EvictExpiredTTL(current, now, f.config.TTL)
	changed := len(live) != len(current)
	if changed {
		f.metrics.EventsEvictedTotal.Add(float64(len(current) - len(live)))
	}

	key := event.Key()
	switch {
	case event.Age(now) > f.config.TTL:
		f.metrics.ExpiredRejectedTotal.Inc()
		f.logger.Debug().Str("key", key.String()).Msg("Rejecting expired event")
	case f.index.Seen(key):
		f.metrics.DuplicatesTotal.WithLabelValues("index").Inc()
		f.logger.Debug().Str("key", key.String()).Msg("Skipping duplicate event")
	case f.index.Complete():
		live, changed = f.appended(eventstore.AppendNew(live, event), key, "index"), true
	default:
		next, added := eventstore.Append(live, event)
		if !added {
			f.metrics.DuplicatesTotal.WithLabelValues("scan").Inc()
			f.logger.Debug().Str("key", key.String()).Msg("Skipping duplicate event")
			break
		}
		live, changed = f.appended(next, key, "scan"), true
	}

	if changed {
		f.commit(live)
	}
}

// appended records key and returns next
func (f *Feed) appended(next []proto.Event, key proto.DedupKey, path string) []proto.Event {
	f.index.Record(key)
	f.metrics.EventsAppendedTotal.WithLabelValues(path).Inc()
	f.logger.Debug().Str("key", key.String()).Int("events", len(next)).Msg("Event appended")
	return next
}

// commit publishes next as the new state. Callers hold f.mu.
func (f *Feed) commit(next []proto.Event) {
	f.events.Store(&next)
	f.metrics.EventsStored.Set(float64(len(next)))
	f.store.Save(f.ctx, next)
	f.observers.Publish(next)
}

func (f *Feed) sweepLoop() {
	defer close(f.sweepDone)

	ticker := time.NewTicker(f.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.sweep()
		}
	}
}

// sweep evicts expired events without waiting for new traffic
func (f *Feed) sweep() {
	f.mu.Lock()
	defer f.mu.Unlock()

	current := f.Events()
	live := eventstore.EvictExpiredTTL(current, f.config.Now(), f.config.TTL)
	if len(live) == len(current) {
		return
	}

	evicted := len(current) - len(live)
	f.metrics.EventsEvictedTotal.Add(float64(evicted))
	f.logger.Debug().Int("evicted", evicted).Int("events", len(live)).Msg("Swept expired events")
	f.commit(live)
}
