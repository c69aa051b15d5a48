package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nkkko/reviewfeed/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err, "starting embedded NATS")
	srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(5*time.Second), "embedded NATS not ready")
	return srv
}

func TestNATSTransport(t *testing.T) {
	srv := startTestNATS(t)

	rec := &recorder{}
	dialer := NewNATSDialer(srv.ClientURL(), "reviews.events", "")
	h := New(dialer, Config{Backoff: testBackoff}).Connect(rec.onMessage)
	defer h.Close()

	require.Eventually(t, stateIs(h, proto.StateOpen), waitFor, tick)

	pub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish("reviews.events", []byte(`{"event":"login"}`)))
	require.NoError(t, pub.Publish("reviews.other", []byte(`ignored`)))
	require.NoError(t, pub.Flush())

	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{`{"event":"login"}`}, rec.got())

	// Losing the server hands recovery to the transport
	srv.Shutdown()
	require.Eventually(t, func() bool {
		s := h.State()
		return s == proto.StateReconnecting || s == proto.StateConnecting
	}, waitFor, tick)
}

func TestNATSDialFailure(t *testing.T) {
	srv := startTestNATS(t)
	url := srv.ClientURL()
	srv.Shutdown()

	_, err := NewNATSDialer(url, "reviews.events", "").Dial(context.Background())
	assert.Error(t, err)
}

func TestNATSDialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewNATSDialer("nats://127.0.0.1:1", "reviews.events", "").Dial(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// silentListener accepts connections and never speaks
func silentListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln
}

func TestNATSDialStopsWithContext(t *testing.T) {
	ln := silentListener(t)

	dialer := NewNATSDialer("nats://"+ln.Addr().String(), "reviews.events", "")
	dialer.Timeout = 30 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := dialer.Dial(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCloseDuringNATSHandshake(t *testing.T) {
	ln := silentListener(t)

	dialer := NewNATSDialer("nats://"+ln.Addr().String(), "reviews.events", "")
	dialer.Timeout = 30 * time.Second
	h := New(dialer, Config{Backoff: testBackoff}).Connect(func([]byte) {})
	require.Eventually(t, stateIs(h, proto.StateConnecting), waitFor, tick)

	done := make(chan struct{})
	go func() {
		h.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on the NATS handshake")
	}
}
