package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultChannel is the SSE event name carrying events when none is configured
	DefaultChannel = "message"

	// DefaultIdleTimeout bounds the silence between lines, keepalive comments included
	DefaultIdleTimeout = 60 * time.Second

	// DefaultMaxLineSize bounds a single SSE line
	DefaultMaxLineSize = 1 << 20
)

// ErrStreamIdle is returned by Recv when the server sent nothing within the idle timeout
var ErrStreamIdle = errors.New("transport: event stream idle")

// HeaderFunc returns extra request headers for each connection attempt
type HeaderFunc func() http.Header

// SSEDialer connects to a Server-Sent Events endpoint.
//
// Only frames whose event name equals Channel are delivered. When the server
// tags frames with ids, the last one seen is sent as Last-Event-ID on the next
// connection so the server may replay what was missed.
type SSEDialer struct {
	// URL of the event stream
	URL string

	// Event name to deliver (default "message")
	Channel string

	// HTTP client; it must not set an overall Timeout since the stream never ends
	Client *http.Client

	// Optional per-attempt headers, e.g. an Authorization credential
	Header HeaderFunc

	// Longest silence tolerated before the stream is dropped; zero disables
	IdleTimeout time.Duration

	// Longest line accepted (default DefaultMaxLineSize)
	MaxLineSize int

	mu          sync.Mutex
	lastEventID string
}

// NewSSEDialer creates an SSE dialer for url and channel
func NewSSEDialer(url, channel string, header HeaderFunc) *SSEDialer {
	return &SSEDialer{URL: url, Channel: channel, Header: header, IdleTimeout: DefaultIdleTimeout}
}

// Name implements Dialer
func (d *SSEDialer) Name() string { return "sse" }

// LastEventID returns the id of the last frame received, if any
func (d *SSEDialer) LastEventID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastEventID
}

func (d *SSEDialer) maxLineSize() int {
	if d.MaxLineSize <= 0 {
		return DefaultMaxLineSize
	}
	return d.MaxLineSize
}

func (d *SSEDialer) setLastEventID(id string) {
	d.mu.Lock()
	d.lastEventID = id
	d.mu.Unlock()
}

// Dial implements Dialer
func (d *SSEDialer) Dial(ctx context.Context) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	if d.Header != nil {
		for k, vs := range d.Header() {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := d.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream returned %s", resp.Status)
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream has content type %q", resp.Header.Get("Content-Type"))
	}

	channel := d.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, min(4096, d.maxLineSize())), d.maxLineSize())

	s := &sseStream{
		dialer:  d,
		channel: channel,
		body:    resp.Body,
		scanner: scanner,
		idle:    d.IdleTimeout,
	}
	if s.idle > 0 {
		// Closing the body is the only way to unblock a pending read
		s.timer = time.AfterFunc(s.idle, func() {
			s.idled.Store(true)
			s.body.Close()
		})
	}
	return s, nil
}

type sseStream struct {
	dialer  *SSEDialer
	channel string
	body    io.ReadCloser
	scanner *bufio.Scanner

	idle  time.Duration
	timer *time.Timer
	idled atomic.Bool

	closeOnce sync.Once
}

// readLine returns the next line without its terminator, resetting the idle timer
func (s *sseStream) readLine() (string, error) {
	if !s.scanner.Scan() {
		err := s.scanner.Err()
		switch {
		case s.idled.Load():
			return "", ErrStreamIdle
		case errors.Is(err, bufio.ErrTooLong):
			return "", fmt.Errorf("event stream line exceeds %d bytes: %w", s.dialer.maxLineSize(), err)
		case err == nil:
			return "", ErrStreamClosed
		}
		return "", err
	}
	if s.timer != nil {
		s.timer.Reset(s.idle)
	}
	return s.scanner.Text(), nil
}

// Recv reads frames until one for the configured channel is dispatched
func (s *sseStream) Recv() ([]byte, error) {
	var (
		event   string
		data    strings.Builder
		hasData bool
		id      string
		hasID   bool
	)

	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}

		if line == "" {
			// Blank line dispatches the frame
			if hasID {
				s.dialer.setLastEventID(id)
			}
			name := event
			if name == "" {
				name = DefaultChannel
			}
			if hasData && name == s.channel {
				return []byte(data.String()), nil
			}
			event, hasData, hasID = "", false, false
			data.Reset()
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue // comment, used as keepalive
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				id, hasID = value, true
			}
		}
		// "retry" and unknown fields are ignored; the backoff is fixed
	}
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		err = s.body.Close()
	})
	return err
}
