package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nkkko/reviewfeed/internal/decoder"
	"github.com/nkkko/reviewfeed/internal/metrics"
	"github.com/nkkko/reviewfeed/internal/telemetry"
	"github.com/nkkko/reviewfeed/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Adapter reads and writes the event sequence in one durable slot.
//
// Neither Load nor Save ever fails from the caller's point of view: storage
// problems are logged and counted, reads degrade to an empty sequence and
// writes are dropped.
type Adapter struct {
	backend Backend
	key     string
	timeout time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewAdapter creates an adapter over backend using cfg.Key and cfg.Timeout
func NewAdapter(backend Backend, cfg Config) *Adapter {
	if cfg.Key == "" {
		cfg.Key = DefaultConfig().Key
	}
	return &Adapter{
		backend: backend,
		key:     cfg.Key,
		timeout: cfg.Timeout,
		metrics: metrics.GetMetrics(),
		logger:  log.With().Str("component", "storage").Str("key", cfg.Key).Logger(),
	}
}

// Key returns the slot name
func (a *Adapter) Key() string {
	return a.key
}

// SlotState describes what a load found in the slot
type SlotState int

const (
	// SlotAbsent means nothing was ever saved
	SlotAbsent SlotState = iota
	// SlotRead means the slot was read and decoded
	SlotRead
	// SlotCorrupt means the slot was read but could not be decoded
	SlotCorrupt
	// SlotUnavailable means the backend could not be read; the slot may still
	// hold data and must not be overwritten on the strength of this load
	SlotUnavailable
)

func (s SlotState) String() string {
	switch s {
	case SlotAbsent:
		return "absent"
	case SlotRead:
		return "read"
	case SlotCorrupt:
		return "corrupt"
	case SlotUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Load returns the persisted sequence. An absent, unreadable or unparsable
// slot yields an empty, non-nil slice. Entries that fail to decode are skipped.
func (a *Adapter) Load(ctx context.Context) []proto.Event {
	events, _ := a.LoadSlot(ctx)
	return events
}

// LoadSlot is Load that also reports what was found in the slot
func (a *Adapter) LoadSlot(ctx context.Context) ([]proto.Event, SlotState) {
	ctx, span := telemetry.StartSpan(ctx, "storage.load")
	defer span.End()
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	raw, err := a.backend.Get(ctx, a.key)
	a.metrics.StorageOperationDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrNotFound):
		a.metrics.StorageOperations.WithLabelValues("load", "true").Inc()
		a.logger.Debug().Msg("No persisted events")
		return []proto.Event{}, SlotAbsent
	case err != nil:
		a.metrics.StorageOperations.WithLabelValues("load", "false").Inc()
		telemetry.MarkSpanError(ctx, err)
		a.logger.Warn().Err(err).Msg("Failed to read persisted events, starting empty")
		return []proto.Event{}, SlotUnavailable
	}

	events, dropped, err := decoder.DecodeArray(raw)
	if err != nil {
		a.metrics.StorageOperations.WithLabelValues("load", "false").Inc()
		telemetry.MarkSpanError(ctx, err)
		a.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("Persisted events are corrupt, starting empty")
		return []proto.Event{}, SlotCorrupt
	}
	if dropped > 0 {
		a.logger.Warn().Int("dropped", dropped).Msg("Skipped unreadable persisted events")
	}

	a.metrics.StorageOperations.WithLabelValues("load", "true").Inc()
	telemetry.AddSpanAttributes(ctx, attribute.Int("events", len(events)), attribute.Int("dropped", dropped))
	a.logger.Debug().Int("events", len(events)).Msg("Loaded persisted events")
	return events, SlotRead
}

// Save overwrites the slot with the full sequence
func (a *Adapter) Save(ctx context.Context, events []proto.Event) {
	ctx, span := telemetry.StartSpan(ctx, "storage.save")
	defer span.End()
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if events == nil {
		events = []proto.Event{}
	}
	raw, err := json.Marshal(events)
	if err != nil {
		a.metrics.StorageOperations.WithLabelValues("save", "false").Inc()
		telemetry.MarkSpanError(ctx, err)
		a.logger.Error().Err(err).Int("events", len(events)).Msg("Failed to encode events")
		return
	}

	start := time.Now()
	err = a.backend.Set(ctx, a.key, raw)
	a.metrics.StorageOperationDuration.WithLabelValues("save").Observe(time.Since(start).Seconds())
	if err != nil {
		a.metrics.StorageOperations.WithLabelValues("save", "false").Inc()
		telemetry.MarkSpanError(ctx, err)
		a.logger.Warn().Err(err).Int("events", len(events)).Msg("Failed to persist events")
		return
	}

	a.metrics.StorageOperations.WithLabelValues("save", "true").Inc()
	a.metrics.StorageSlotBytes.Set(float64(len(raw)))
	telemetry.AddSpanAttributes(ctx, attribute.Int("events", len(events)), attribute.Int("bytes", len(raw)))
}

// Close closes the underlying backend
func (a *Adapter) Close() error {
	return a.backend.Close()
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}
