package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSDialer subscribes to one NATS subject. Every message on the subject is
// one payload.
//
// The client library's own reconnect logic is disabled: a lost connection ends
// the stream and the transport's state machine decides when to dial again.
type NATSDialer struct {
	// Server URL, e.g. nats://localhost:4222
	URL string

	// Subject carrying events
	Subject string

	// Optional bearer token
	Token string

	// Connect timeout
	Timeout time.Duration
}

// NewNATSDialer creates a NATS dialer for url and subject
func NewNATSDialer(url, subject, token string) *NATSDialer {
	return &NATSDialer{URL: url, Subject: subject, Token: token, Timeout: 5 * time.Second}
}

// Name implements Dialer
func (d *NATSDialer) Name() string { return "nats" }

// Dial implements Dialer
func (d *NATSDialer) Dial(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &natsStream{
		msgs:   make(chan *nats.Msg, 256),
		closed: make(chan struct{}),
	}

	dialer := &contextDialer{ctx: ctx}
	defer dialer.release()

	opts := []nats.Option{
		nats.Name("reviewfeed"),
		nats.NoReconnect(),
		nats.SetCustomDialer(dialer),
		nats.ClosedHandler(func(*nats.Conn) { s.markClosed() }),
	}
	if d.Timeout > 0 {
		opts = append(opts, nats.Timeout(d.Timeout))
	}
	if d.Token != "" {
		opts = append(opts, nats.Token(d.Token))
	}

	conn, err := nats.Connect(d.URL, opts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.conn = conn

	sub, err := conn.ChanSubscribe(d.Subject, s.msgs)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", d.Subject, err)
	}
	s.sub = sub

	// Make sure the subscription is registered before reporting open
	if err := conn.FlushTimeout(d.flushTimeout()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	return s, nil
}

// contextDialer opens the NATS socket under ctx and closes it if ctx ends
// before the handshake completes
type contextDialer struct {
	ctx    context.Context
	dialer net.Dialer

	mu    sync.Mutex
	stops []func() bool
}

func (c *contextDialer) Dial(network, address string) (net.Conn, error) {
	conn, err := c.dialer.DialContext(c.ctx, network, address)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(c.ctx, func() { conn.Close() })

	c.mu.Lock()
	c.stops = append(c.stops, stop)
	c.mu.Unlock()
	return conn, nil
}

// release hands the connection over to the stream once Dial returns
func (c *contextDialer) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, stop := range c.stops {
		stop()
	}
	c.stops = nil
}

func (d *NATSDialer) flushTimeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return 5 * time.Second
}

type natsStream struct {
	conn *nats.Conn
	sub  *nats.Subscription
	msgs chan *nats.Msg

	closed    chan struct{}
	closeOnce sync.Once
}

func (s *natsStream) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *natsStream) Recv() ([]byte, error) {
	select {
	case msg := <-s.msgs:
		return msg.Data, nil
	case <-s.closed:
		if err := s.conn.LastError(); err != nil {
			return nil, err
		}
		return nil, ErrStreamClosed
	}
}

func (s *natsStream) Close() error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.conn.Close()
	s.markClosed()
	return nil
}
