// ABOUTME: Go client for a running browser-gateway: health, readiness and session listing over HTTP.
// ABOUTME: Connect opens a client WebSocket session; see session.go.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/browser-gateway/internal/gateway"
)

// ErrCapacityExceeded indicates the gateway refused the connection because every slot is taken.
var ErrCapacityExceeded = errors.New("gateway at capacity")

// ErrRateLimited indicates the gateway refused the connection attempt by its admission limiter.
var ErrRateLimited = errors.New("gateway rate limited the connection")

// ErrNotReady indicates /health/ready reported no connected controller.
var ErrNotReady = errors.New("gateway not ready")

const defaultTimeout = 10 * time.Second

// Client talks to one gateway.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithDialer replaces the WebSocket dialer used by Connect.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// New creates a Client for addr, which is either host:port or an http(s) URL.
func New(addr string, opts ...Option) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway address: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported gateway scheme %q", base.Scheme)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")

	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: defaultTimeout},
		dialer: &websocket.Dialer{HandshakeTimeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	return resp, nil
}

// Health fetches /health.
func (c *Client) Health(ctx context.Context) (*gateway.HealthResponse, error) {
	resp, err := c.get(ctx, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var health gateway.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decoding health response: %w", err)
	}
	return &health, nil
}

// Ready checks /health/ready and returns its message. ErrNotReady is
// returned while no controller is connected.
func (c *Client) Ready(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, "/health/ready", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("reading readiness response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return string(body), nil
	case http.StatusServiceUnavailable:
		return string(body), fmt.Errorf("%w: %s", ErrNotReady, body)
	default:
		return string(body), fmt.Errorf("readiness check: unexpected status %d", resp.StatusCode)
	}
}

// Sessions lists live sessions and up to limit history records. A
// non-positive limit uses the gateway default.
func (c *Client) Sessions(ctx context.Context, limit int) (*gateway.SessionsResponse, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	resp, err := c.get(ctx, "/api/sessions", query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var out gateway.SessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding sessions response: %w", err)
	}
	return &out, nil
}

// statusError turns a non-2xx response into an error, mapping the
// gateway's admission refusals to sentinels.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	var sentinel error
	switch resp.StatusCode {
	case http.StatusServiceUnavailable:
		if body.Error == "capacity exceeded" {
			sentinel = ErrCapacityExceeded
		}
	case http.StatusTooManyRequests:
		sentinel = ErrRateLimited
	}

	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, msg)
	}
	return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, msg)
}
