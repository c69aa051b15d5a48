// Package engine wires configuration into a running feed: backend client,
// storage slot, push dialer, subscription facade and the optional local API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkkko/reviewfeed/internal/api"
	"github.com/nkkko/reviewfeed/internal/config"
	"github.com/nkkko/reviewfeed/internal/eventstore"
	"github.com/nkkko/reviewfeed/internal/feed"
	"github.com/nkkko/reviewfeed/internal/logging"
	"github.com/nkkko/reviewfeed/internal/storage"
	_ "github.com/nkkko/reviewfeed/internal/storage/badger"
	_ "github.com/nkkko/reviewfeed/internal/storage/redis"
	"github.com/nkkko/reviewfeed/internal/telemetry"
	"github.com/nkkko/reviewfeed/internal/transport"
	"github.com/nkkko/reviewfeed/pkg/client"
	"github.com/nkkko/reviewfeed/pkg/proto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Option customizes engine construction
type Option func(*options)

type options struct {
	dialer        transport.Dialer
	backend       storage.Backend
	onStateChange func(proto.ConnectionState)
	now           func() time.Time
}

// WithDialer replaces the dialer selected by configuration
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithBackend replaces the storage backend selected by configuration
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithStateObserver is called on every connection state transition
func WithStateObserver(fn func(proto.ConnectionState)) Option {
	return func(o *options) { o.onStateChange = fn }
}

// WithClock replaces time.Now for TTL decisions
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Engine is the main coordinator of all reviewfeed components
type Engine struct {
	config      *config.Config
	client      *client.Client
	backend     storage.Backend
	backendType storage.Type
	adapter     *storage.Adapter
	dialer      transport.Dialer
	feed        *feed.Feed
	now         func() time.Time
	telemetryFn func(context.Context) error
	logger      zerolog.Logger
}

// New creates an engine from cfg. Nothing connects until Run.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.Component("engine")

	c, err := client.New(cfg.Backend.URL, client.WithToken(cfg.Backend.Token))
	if err != nil {
		return nil, err
	}

	backend, backendType := o.backend, storage.Type("custom")
	if backend == nil {
		backend, backendType, err = storage.CreateBackend(cfg.ToStorageConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create storage backend: %w", err)
		}
	}
	adapter := storage.NewAdapter(backend, cfg.ToStorageConfig())

	dialer := o.dialer
	if dialer == nil {
		dialer, err = NewDialer(cfg, c)
		if err != nil {
			adapter.Close()
			return nil, err
		}
	}

	feedConfig := cfg.ToFeedConfig()
	feedConfig.OnStateChange = o.onStateChange
	feedConfig.Now = o.now

	f, err := feed.New(feedConfig, adapter, dialer)
	if err != nil {
		adapter.Close()
		return nil, fmt.Errorf("failed to create feed: %w", err)
	}

	logger.Info().
		Str("backend", c.Origin()).
		Str("storage", string(backendType)).
		Str("transport", dialer.Name()).
		Msg("Engine created")

	return &Engine{
		config:      cfg,
		client:      c,
		backend:     backend,
		backendType: backendType,
		adapter:     adapter,
		dialer:      dialer,
		feed:        f,
		now:         o.now,
		logger:      logger,
	}, nil
}

// NewDialer selects the push dialer named by cfg.Stream.Transport
func NewDialer(cfg *config.Config, c *client.Client) (transport.Dialer, error) {
	switch cfg.Stream.Transport {
	case config.TransportSSE, "":
		d := transport.NewSSEDialer(c.StreamURL(cfg.Backend.StreamPath), cfg.Stream.Channel, c.Header)
		d.Client = c.HTTPClient()
		d.IdleTimeout = cfg.Stream.IdleTimeout
		return d, nil
	case config.TransportWebSocket:
		return transport.NewWebSocketDialer(c.WebSocketURL(cfg.Backend.StreamPath), c.Header), nil
	case config.TransportNATS:
		return transport.NewNATSDialer(cfg.Stream.NATSURL, cfg.Stream.NATSSubject, c.Token()), nil
	default:
		return nil, fmt.Errorf("unknown stream transport %q", cfg.Stream.Transport)
	}
}

// Feed returns the subscription facade
func (e *Engine) Feed() *feed.Feed {
	return e.feed
}

// StorageType returns the storage backend actually in use
func (e *Engine) StorageType() storage.Type {
	return e.backendType
}

// History returns the persisted, non-expired events without connecting
// and without writing anything back
func (e *Engine) History(ctx context.Context) []proto.Event {
	return eventstore.HydrateTTL(e.adapter.Load(ctx), e.now(), e.config.Feed.TTL)
}

// Run opens the feed and, when serve is set, the local API, then blocks
// until ctx is cancelled or the API fails. The feed is closed on return.
func (e *Engine) Run(ctx context.Context, serve bool) error {
	e.logger.Info().Bool("serve", serve).Msg("Starting reviewfeed engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	if err := e.feed.Open(ctx); err != nil {
		return fmt.Errorf("failed to open feed: %w", err)
	}
	defer e.feed.Close()

	g, ctx := errgroup.WithContext(ctx)

	if serve {
		a := api.New(api.Config{
			Addr:            e.config.Server.Addr,
			ReadTimeout:     e.config.Server.ReadTimeout,
			WriteTimeout:    e.config.Server.WriteTimeout,
			IdleTimeout:     e.config.Server.IdleTimeout,
			CORSOrigins:     e.config.Server.CORSOrigins,
			MetricsEndpoint: metricsEndpoint(e.config.Metrics),
			ServiceName:     e.config.Telemetry.ServiceName,
		}, e.feed)
		g.Go(func() error {
			return a.Start(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("reviewfeed engine shut down successfully")
	return nil
}

// Shutdown releases the feed, storage and telemetry
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down reviewfeed engine")

	if err := e.feed.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close feed")
	}

	var errs []error
	if err := e.adapter.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close storage")
		errs = append(errs, err)
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func metricsEndpoint(cfg config.MetricsConfig) string {
	if !cfg.Enabled {
		return ""
	}
	return cfg.Endpoint
}
