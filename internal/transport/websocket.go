package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketDialer connects to a WebSocket endpoint. Every text frame is one
// message; binary frames are ignored.
type WebSocketDialer struct {
	// URL of the endpoint (ws:// or wss://)
	URL string

	// Optional per-attempt headers
	Header HeaderFunc

	// Dialer to use; defaults to websocket.DefaultDialer
	Dialer *websocket.Dialer
}

// NewWebSocketDialer creates a WebSocket dialer for url
func NewWebSocketDialer(url string, header HeaderFunc) *WebSocketDialer {
	return &WebSocketDialer{URL: url, Header: header}
}

// Name implements Dialer
func (d *WebSocketDialer) Name() string { return "websocket" }

// Dial implements Dialer
func (d *WebSocketDialer) Dial(ctx context.Context) (Stream, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	var header http.Header
	if d.Header != nil {
		header = d.Header()
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (s *wsStream) Recv() ([]byte, error) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrStreamClosed
			}
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
