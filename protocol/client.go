package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	defaultTimeout     = 5 * time.Second
	maxResponseBytes   = 1 << 20
	defaultMaxFailures = 5
)

// Client calls a remote verifier over HTTP. Every failure maps to
// ErrProtocolTimeout or ErrProtocolUnavailable so callers can fail closed.
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker
	headers  http.Header
	logger   *zap.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout bounds each call when the caller's context has no earlier deadline
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithHeader adds a header to every request, e.g. a site key
func WithHeader(key, value string) ClientOption {
	return func(cl *Client) { cl.headers.Set(key, value) }
}

// WithBreaker configures the circuit breaker: after maxFailures consecutive
// failures calls fail fast for cooldown.
func WithBreaker(maxFailures uint32, cooldown time.Duration) ClientOption {
	return func(cl *Client) { cl.breaker = newBreaker(cl.endpoint, maxFailures, cooldown) }
}

// WithClientLogger sets the logger
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// NewClient creates a client for the verifier at baseURL
func NewClient(baseURL string, opts ...ClientOption) *Client {
	endpoint := strings.TrimRight(baseURL, "/") + Path
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{},
		timeout:  defaultTimeout,
		breaker:  newBreaker(endpoint, defaultMaxFailures, 30*time.Second),
		headers:  make(http.Header),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newBreaker(name string, maxFailures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})
}

// Verify posts req and decodes the decision
func (c *Client) Verify(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, req)
	})
	if err != nil {
		err = classify(ctx, err)
		c.logger.Warn("verification call failed",
			zap.String("endpoint", c.endpoint),
			zap.String("session_id", req.Session.ID),
			zap.Error(err))
		return Response{}, err
	}
	return out.(Response), nil
}

func (c *Client) do(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Response{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if !out.Status.Valid() || out.Score < 0 || out.Score > 100 {
		return Response{}, fmt.Errorf("malformed decision: status=%q score=%d", out.Status, out.Score)
	}
	if err := CheckSession(req, out); err != nil {
		return Response{}, err
	}
	return out, nil
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrProtocolTimeout, err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: circuit open: %v", ErrProtocolUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrProtocolUnavailable, err)
	}
}
