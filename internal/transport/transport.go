// Package transport keeps one long-lived server-to-client push connection open.
//
// A Transport dials through a Dialer, delivers every inbound payload to a
// callback, and when the connection fails or drops waits a fixed backoff and
// dials again, forever, until the Handle is closed. The connection lifecycle
// is an explicit state machine:
//
//	connecting   -> open          connection established
//	open         -> open          message delivered
//	connecting   -> reconnecting  dial failed
//	open         -> reconnecting  connection dropped
//	reconnecting -> connecting    backoff elapsed
//	any          -> closed        Handle.Close (terminal)
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nkkko/reviewfeed/internal/metrics"
	"github.com/nkkko/reviewfeed/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultBackoff is the fixed delay between a failure and the next attempt
const DefaultBackoff = 5 * time.Second

// ErrStreamClosed is returned by Stream.Recv once the stream has ended
var ErrStreamClosed = errors.New("transport: stream closed")

// Stream is one established push connection
type Stream interface {
	// Recv blocks until the next message payload arrives. Any error means the
	// connection is gone.
	Recv() ([]byte, error)

	// Close tears the connection down and unblocks a pending Recv
	Close() error
}

// Dialer opens push connections
type Dialer interface {
	// Dial establishes a new connection. It must return promptly once ctx is done.
	Dial(ctx context.Context) (Stream, error)

	// Name identifies the dialer in logs and metrics
	Name() string
}

// Config contains transport configuration
type Config struct {
	// Delay between a failure and the next connection attempt
	Backoff time.Duration

	// Called on every state transition. Calls are never concurrent.
	OnStateChange func(proto.ConnectionState)
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{Backoff: DefaultBackoff}
}

// Transport creates connection handles for a dialer
type Transport struct {
	dialer  Dialer
	config  Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a transport over dialer
func New(dialer Dialer, config Config) *Transport {
	if config.Backoff <= 0 {
		config.Backoff = DefaultBackoff
	}
	return &Transport{
		dialer:  dialer,
		config:  config,
		metrics: metrics.GetMetrics(),
		logger:  log.With().Str("component", "transport").Str("dialer", dialer.Name()).Logger(),
	}
}

// Connect starts connecting in the background and returns immediately.
// onMessage is invoked from a single goroutine, one message at a time.
func (t *Transport) Connect(onMessage func([]byte)) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		transport: t,
		onMessage: onMessage,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     proto.StateConnecting,
	}
	t.publishState(proto.StateConnecting)

	go h.run()
	return h
}

func (t *Transport) publishState(state proto.ConnectionState) {
	for _, s := range []proto.ConnectionState{
		proto.StateConnecting, proto.StateOpen, proto.StateReconnecting, proto.StateClosed,
	} {
		v := 0.0
		if s == state {
			v = 1
		}
		t.metrics.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
	if t.config.OnStateChange != nil {
		t.config.OnStateChange(state)
	}
}

// Handle is one live connection lifecycle returned by Connect
type Handle struct {
	transport *Transport
	onMessage func([]byte)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// deliverMu serializes deliveries against Close
	deliverMu sync.Mutex
	closed    bool

	stateMu sync.Mutex
	state   proto.ConnectionState

	streamMu sync.Mutex
	stream   Stream
}

// State returns the current connection state
func (h *Handle) State() proto.ConnectionState {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.state
}

// Done is closed once the connection goroutine has exited after Close
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Close stops the connection for good: a pending backoff is cancelled, an
// open stream is torn down and no further attempts are made. It is safe to
// call in any state and more than once. Once Close returns, onMessage is never
// invoked again. Close must not be called from inside onMessage.
func (h *Handle) Close() {
	h.cancel()

	h.streamMu.Lock()
	if h.stream != nil {
		h.stream.Close()
	}
	h.streamMu.Unlock()

	// Waits for an in-flight delivery to finish
	h.deliverMu.Lock()
	h.closed = true
	h.deliverMu.Unlock()

	<-h.done
}

func (h *Handle) setState(state proto.ConnectionState) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if h.state == state || h.state.Terminal() {
		return
	}
	// Once cancelled, the only transition left is to closed
	if h.ctx.Err() != nil && state != proto.StateClosed {
		return
	}

	h.transport.logger.Debug().Str("from", string(h.state)).Str("to", string(state)).Msg("Connection state changed")
	h.state = state
	h.transport.publishState(state)
}

func (h *Handle) run() {
	defer close(h.done)
	defer h.setState(proto.StateClosed)

	t := h.transport
	for {
		if h.ctx.Err() != nil {
			return
		}
		h.setState(proto.StateConnecting)

		stream, err := t.dialer.Dial(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			t.metrics.ConnectAttemptsTotal.WithLabelValues(t.dialer.Name(), "failure").Inc()
			t.logger.Warn().Err(err).Dur("backoff", t.config.Backoff).Msg("Failed to connect, retrying")
		} else {
			t.metrics.ConnectAttemptsTotal.WithLabelValues(t.dialer.Name(), "success").Inc()
			if !h.attach(stream) {
				stream.Close()
				return
			}

			h.setState(proto.StateOpen)
			t.logger.Info().Msg("Connection open")

			err = h.pump(stream)
			h.detach()
			stream.Close()

			if h.ctx.Err() != nil {
				return
			}
			t.logger.Warn().Err(err).Dur("backoff", t.config.Backoff).Msg("Connection lost, reconnecting")
		}

		h.setState(proto.StateReconnecting)
		t.metrics.ReconnectsTotal.Inc()

		timer := time.NewTimer(t.config.Backoff)
		select {
		case <-h.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// attach records stream as current so Close can tear it down. It reports
// false when the handle was closed while dialing.
func (h *Handle) attach(stream Stream) bool {
	h.streamMu.Lock()
	defer h.streamMu.Unlock()

	if h.ctx.Err() != nil {
		return false
	}
	h.stream = stream
	return true
}

func (h *Handle) detach() {
	h.streamMu.Lock()
	h.stream = nil
	h.streamMu.Unlock()
}

func (h *Handle) pump(stream Stream) error {
	name := h.transport.dialer.Name()
	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}
		h.transport.metrics.MessagesReceivedTotal.WithLabelValues(name).Inc()
		h.deliver(msg)
	}
}

func (h *Handle) deliver(msg []byte) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	if h.closed {
		return
	}
	h.onMessage(msg)
}
