// Package client holds the connection details of the review platform backend:
// its origin and the optional bearer credential every request carries.
package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultHeaderTimeout bounds the wait for the backend to answer a request
const DefaultHeaderTimeout = 10 * time.Second

// Client describes how to reach the review platform backend
type Client struct {
	origin        *url.URL
	mu            sync.RWMutex
	token         string
	headers       http.Header
	httpClient    *http.Client
	headerTimeout time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithToken sets the bearer credential sent as the Authorization header
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithHTTPClient replaces the HTTP client used for requests and push streams.
// It must not set an overall Timeout, or streams are cut off. Nil keeps the
// default.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds how long the default HTTP client waits for response
// headers. It has no effect together with WithHTTPClient.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.headerTimeout = timeout
	}
}

// New creates a client for the backend at origin, e.g. http://localhost:3000
func New(origin string, options ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return nil, fmt.Errorf("invalid backend origin %q: %w", origin, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("invalid backend origin %q: scheme must be http or https", origin)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid backend origin %q: missing host", origin)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""

	client := &Client{
		origin:        u,
		headers:       http.Header{},
		headerTimeout: DefaultHeaderTimeout,
	}
	for _, option := range options {
		option(client)
	}
	if client.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = client.headerTimeout
		client.httpClient = &http.Client{Transport: transport}
	}
	return client, nil
}

// Origin returns the backend origin without a trailing slash
func (c *Client) Origin() string {
	return c.origin.String()
}

// URL resolves path against the origin
func (c *Client) URL(path string) string {
	u := *c.origin
	u.Path = c.origin.Path + "/" + strings.TrimLeft(path, "/")
	return u.String()
}

// StreamURL returns the server-sent events endpoint at path
func (c *Client) StreamURL(path string) string {
	return c.URL(path)
}

// WebSocketURL returns the WebSocket endpoint at path
func (c *Client) WebSocketURL(path string) string {
	u := *c.origin
	u.Path = c.origin.Path + "/" + strings.TrimLeft(path, "/")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// Token returns the bearer credential, if any
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Header returns a fresh copy of the headers every request carries. It is
// called on each connection attempt, so a rotated token is picked up on the
// next reconnect.
func (c *Client) Header() http.Header {
	h := c.headers.Clone()
	if token := c.Token(); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// SetToken replaces the bearer credential
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// HTTPClient returns the HTTP client for requests and push streams. It has no
// overall timeout.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}
