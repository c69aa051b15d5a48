package transport

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/reviewfeed/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseServer serves one scripted body per connection and records request headers
type sseServer struct {
	mu       sync.Mutex
	bodies   []string
	requests []http.Header
	hold     chan struct{}
}

func (s *sseServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, r.Header.Clone())
	var body string
	if n < len(s.bodies) {
		body = s.bodies[n]
	}
	last := n >= len(s.bodies)-1
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, body)
	w.(http.Flusher).Flush()

	// Keep the final connection open until the test ends
	if last && s.hold != nil {
		select {
		case <-s.hold:
		case <-r.Context().Done():
		}
	}
}

func (s *sseServer) headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.requests...)
}

func TestSSEStreamParsesFrames(t *testing.T) {
	srv := &sseServer{bodies: []string{
		": keepalive\n\n" +
			"event: heartbeat\ndata: {\"type\":\"heartbeat\"}\n\n" +
			"data: first\n\n" +
			"data:second\r\n\r\n" +
			"event: message\ndata: line one\ndata: line two\nid: 7\nretry: 100\n\n" +
			"id: 8\n\n" +
			"data: trailing without blank line",
	}}
	server := httptest.NewServer(srv)
	defer server.Close()

	dialer := NewSSEDialer(server.URL, "", nil)
	stream, err := dialer.Dial(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	for _, want := range []string{"first", "second", "line one\nline two"} {
		msg, err := stream.Recv()
		require.NoError(t, err)
		assert.Equal(t, want, string(msg))
	}

	// The id-only frame updates the resume point but delivers nothing,
	// and an unterminated frame is discarded at end of stream
	_, err = stream.Recv()
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Equal(t, "8", dialer.LastEventID())

	req := srv.headers()[0]
	assert.Equal(t, "text/event-stream", req.Get("Accept"))
	assert.Empty(t, req.Get("Last-Event-ID"))
}

func TestSSEStreamFiltersChannel(t *testing.T) {
	srv := &sseServer{bodies: []string{
		"data: default channel\n\n" +
			"event: update\ndata: wanted\n\n",
	}}
	server := httptest.NewServer(srv)
	defer server.Close()

	stream, err := NewSSEDialer(server.URL, "update", nil).Dial(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "wanted", string(msg))
}

func TestSSEDialRejectsBadResponses(t *testing.T) {
	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()

	_, err := NewSSEDialer(notFound.URL, "", nil).Dial(context.Background())
	assert.ErrorContains(t, err, "404")

	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer plain.Close()

	_, err = NewSSEDialer(plain.URL, "", nil).Dial(context.Background())
	assert.ErrorContains(t, err, "content type")
}

func TestSSEDialSendsHeaders(t *testing.T) {
	srv := &sseServer{bodies: []string{""}}
	server := httptest.NewServer(srv)
	defer server.Close()

	header := func() http.Header {
		h := http.Header{}
		h.Set("Authorization", "Bearer secret")
		return h
	}
	stream, err := NewSSEDialer(server.URL, "", header).Dial(context.Background())
	require.NoError(t, err)
	stream.Close()

	assert.Equal(t, "Bearer secret", srv.headers()[0].Get("Authorization"))
}

func TestSSETransportReconnectsWithLastEventID(t *testing.T) {
	srv := &sseServer{
		bodies: []string{
			"id: 41\ndata: {\"n\":1}\n\n",
			"id: 42\ndata: {\"n\":2}\n\n",
		},
		hold: make(chan struct{}),
	}
	defer close(srv.hold)
	server := httptest.NewServer(srv)
	defer server.Close()

	rec := &recorder{}
	h := New(NewSSEDialer(server.URL, "", nil), Config{Backoff: testBackoff}).Connect(rec.onMessage)
	defer h.Close()

	require.Eventually(t, func() bool { return len(rec.got()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, rec.got())
	assert.Equal(t, proto.StateOpen, h.State())

	headers := srv.headers()
	require.Len(t, headers, 2)
	assert.Empty(t, headers[0].Get("Last-Event-ID"))
	assert.Equal(t, "41", headers[1].Get("Last-Event-ID"))
}

func TestSSECloseUnblocksRecv(t *testing.T) {
	srv := &sseServer{bodies: []string{""}, hold: make(chan struct{})}
	defer close(srv.hold)
	server := httptest.NewServer(srv)
	defer server.Close()

	h := New(NewSSEDialer(server.URL, "", nil), Config{Backoff: testBackoff}).Connect(func([]byte) {})
	require.Eventually(t, stateIs(h, proto.StateOpen), waitFor, tick)

	h.Close()
	assert.Equal(t, proto.StateClosed, h.State())
}

// tickingServer sends a keepalive comment every interval, then one frame
func tickingServer(interval time.Duration, ticks int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		for range ticks {
			select {
			case <-time.After(interval):
			case <-r.Context().Done():
				return
			}
			fmt.Fprint(w, ": keepalive\n")
			flusher.Flush()
		}
		fmt.Fprint(w, "data: after keepalives\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})
}

func TestSSEStreamIdleTimeout(t *testing.T) {
	srv := &sseServer{bodies: []string{"data: first\n\n"}, hold: make(chan struct{})}
	defer close(srv.hold)
	server := httptest.NewServer(srv)
	defer server.Close()

	dialer := NewSSEDialer(server.URL, "", nil)
	dialer.IdleTimeout = 100 * time.Millisecond
	stream, err := dialer.Dial(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "first", string(msg))

	start := time.Now()
	_, err = stream.Recv()
	assert.ErrorIs(t, err, ErrStreamIdle)
	assert.Less(t, time.Since(start), waitFor)
}

func TestSSEKeepaliveResetsIdleTimeout(t *testing.T) {
	server := httptest.NewServer(tickingServer(40*time.Millisecond, 8))
	defer server.Close()

	dialer := NewSSEDialer(server.URL, "", nil)
	dialer.IdleTimeout = 150 * time.Millisecond
	stream, err := dialer.Dial(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	// The frame arrives well after one idle timeout, but comments kept the stream alive
	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "after keepalives", string(msg))
}

func TestSSEStreamRejectsLongLines(t *testing.T) {
	srv := &sseServer{bodies: []string{
		"data: " + strings.Repeat("x", 256) + "\n\n",
	}}
	server := httptest.NewServer(srv)
	defer server.Close()

	dialer := NewSSEDialer(server.URL, "", nil)
	dialer.MaxLineSize = 64
	stream, err := dialer.Dial(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	assert.ErrorIs(t, err, bufio.ErrTooLong)
	assert.ErrorContains(t, err, "64 bytes")
}
