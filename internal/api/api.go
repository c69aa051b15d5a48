// Package api serves the live feed over a small local HTTP API.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	apierrors "github.com/nkkko/reviewfeed/internal/api/errors"
	"github.com/nkkko/reviewfeed/internal/api/response"
	"github.com/nkkko/reviewfeed/internal/logging"
	"github.com/nkkko/reviewfeed/internal/metrics"
	"github.com/nkkko/reviewfeed/internal/telemetry"
	"github.com/nkkko/reviewfeed/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Allowed CORS origins
	CORSOrigins []string

	// Path of the Prometheus endpoint; empty disables it
	MetricsEndpoint string

	// Interval between keepalive comments on event streams
	KeepAlive time.Duration

	// Service name reported in spans
	ServiceName string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		CORSOrigins:     []string{"*"},
		MetricsEndpoint: "/metrics",
		KeepAlive:       15 * time.Second,
		ServiceName:     "reviewfeed",
	}
}

// API handles HTTP endpoints using the Chi router
type API struct {
	config  Config
	feed    Feed
	router  *chi.Mux
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// EventsMeta accompanies the event list
type EventsMeta struct {
	Count int                   `json:"count"`
	State proto.ConnectionState `json:"state"`
}

// New creates a new API instance
func New(config Config, feed Feed) *API {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if len(config.CORSOrigins) == 0 {
		config.CORSOrigins = defaults.CORSOrigins
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaults.KeepAlive
	}
	if config.ServiceName == "" {
		config.ServiceName = defaults.ServiceName
	}

	a := &API{
		config:  config,
		feed:    feed,
		metrics: metrics.GetMetrics(),
		logger:  logging.Component("api"),
	}
	a.router = a.buildRouter()
	return a
}

// Handler returns the root HTTP handler
func (a *API) Handler() http.Handler {
	return a.router
}

// Start runs the API server until ctx is cancelled, then shuts it down gracefully
func (a *API) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:        a.config.Addr,
		Handler:     a.router,
		ReadTimeout: a.config.ReadTimeout,
		// WriteTimeout is applied per route so event streams stay open
		IdleTimeout: a.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.config.Addr).Msg("API server started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.logger.Info().Msg("Shutting down API server")
	return server.Shutdown(shutdownCtx)
}

func (a *API) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware(a.config.ServiceName, "/events/stream"))
	r.Use(logging.HTTPMiddleware())
	r.Use(a.metricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Last-Event-ID"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, r, apierrors.NotFoundError("route_not_found", "No such endpoint"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, r, apierrors.MethodNotAllowedError("method_not_allowed", "Method not allowed"))
	})

	a.registerRoutes(r)
	return r
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(r chi.Router) {
	// Streams must not be cut off by the request timeout
	r.Get("/events/stream", a.handleEventStream)

	r.Group(func(r chi.Router) {
		if a.config.WriteTimeout > 0 {
			r.Use(middleware.Timeout(a.config.WriteTimeout))
		}

		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		r.Get("/readyz", a.handleReady)
		r.Get("/status", a.handleStatus)
		r.Get("/events", a.handleEvents)

		if a.config.MetricsEndpoint != "" {
			r.Handle(a.config.MetricsEndpoint, promhttp.Handler())
		}
	})
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := a.feed.Events()
	response.WithMeta(w, r, http.StatusOK, events, EventsMeta{
		Count: len(events),
		State: a.feed.Status().State,
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, a.feed.Status())
}

// handleReady reports ready only while the push connection is open
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	status := a.feed.Status()
	if status.State != proto.StateOpen {
		response.Error(w, r, apierrors.UnavailableError("stream_not_open", "Push connection is not open").
			WithDetails(map[string]string{"state": string(status.State)}))
		return
	}
	response.JSON(w, r, http.StatusOK, status)
}

// handleEventStream relays every feed snapshot as a server-sent event,
// starting with the current one
func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := response.StartStream(w, r)
	if !ok {
		return
	}

	id, snapshots := a.feed.Subscribe(0)
	defer a.feed.Unsubscribe(id)

	logger := logging.FromContext(r.Context()).With().Str("subscriber_id", id).Logger()
	logger.Debug().Msg("Event stream opened")
	defer logger.Debug().Msg("Event stream closed")

	seq := 0
	send := func(events []proto.Event) bool {
		seq++
		if err := response.WriteEvent(w, "snapshot", strconv.Itoa(seq), events); err != nil {
			logger.Debug().Err(err).Msg("Failed to write event")
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(a.feed.Events()) {
		return
	}

	keepAlive := time.NewTicker(a.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case events, ok := <-snapshots:
			if !ok {
				return
			}
			if !send(events) {
				return
			}
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// metricsMiddleware records request counts and durations per route pattern
func (a *API) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		a.metrics.APIRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		a.metrics.APIRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		if status >= 400 {
			a.metrics.APIErrorsTotal.WithLabelValues(r.Method, path, http.StatusText(status)).Inc()
		}
	})
}
