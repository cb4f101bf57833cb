// Package httpclient issues outbound GET requests with retry classification,
// jittered exponential backoff, a shared rate limiter and a circuit breaker.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/country-content-importer/internal/metrics"
)

// Response is the raw result of one transport round trip.
type Response struct {
	Status int
	Body   []byte
}

// Transport performs a single GET without retries.
type Transport interface {
	Do(ctx context.Context, rawURL string, headers http.Header) (Response, error)
}

// Limiter spaces outbound calls.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Request describes one logical GET.
type Request struct {
	URL     string
	Params  url.Values
	Headers http.Header
}

// Config controls retry and breaker behavior.
type Config struct {
	UserAgent      string
	MaxAttempts    int
	BackoffBase    float64
	BackoffMax     time.Duration
	BreakerLimit   int
	BreakerTimeout time.Duration
}

// Client is safe for concurrent use. Its breaker counters are shared by all callers.
type Client struct {
	cfg       Config
	transport Transport
	limiter   Limiter
	policy    *ExponentialRetryPolicy
	breaker   *Breaker
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithSleep replaces the backoff sleeper, mainly for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// WithJitter replaces the backoff jitter source, mainly for tests.
func WithJitter(jitter func() float64) Option {
	return func(c *Client) {
		c.policy.jitter = jitter
	}
}

// New builds a Client. limiter may be nil.
func New(cfg Config, transport Transport, limiter Limiter, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:       cfg,
		transport: transport,
		limiter:   limiter,
		policy:    NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax),
		breaker:   NewBreaker(cfg.BreakerLimit, cfg.BreakerTimeout),
		logger:    logger,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker exposes the shared circuit breaker.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// Get issues the request. On success it returns the body and 200. Otherwise the
// body is nil and err is one of ErrCircuitOpen (status 0, no I/O), a *StatusError
// for terminal statuses, or ErrRetriesExhausted carrying the last status seen.
func (c *Client) Get(ctx context.Context, req Request) ([]byte, int, error) {
	target, err := buildURL(req)
	if err != nil {
		return nil, 0, err
	}
	headers := c.headers(req.Headers)

	// One breaker decision per call; a half-open trial keeps all of its retries.
	if !c.breaker.Allow() {
		return nil, 0, ErrCircuitOpen
	}

	var (
		lastStatus int
		lastErr    error
	)
	for attempt := 0; attempt < c.policy.MaxAttempts(); attempt++ {
		if attempt > 0 {
			delay := c.policy.Backoff(attempt)
			metrics.ObserveUpstreamRetry(target)
			c.logger.Debug("retrying request",
				zap.String("url", target),
				zap.Int("attempt", attempt+1),
				zap.Int("status", lastStatus),
				zap.Duration("delay", delay),
			)
			if err := c.sleep(ctx, delay); err != nil {
				c.breaker.Release()
				return nil, lastStatus, fmt.Errorf("backoff canceled: %w", err)
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, target); err != nil {
				c.breaker.Release()
				return nil, 0, err
			}
		}

		start := time.Now()
		resp, err := c.transport.Do(ctx, target, headers)
		metrics.ObserveUpstreamAttempt(target, resp.Status, time.Since(start))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				c.breaker.Release()
				return nil, 0, fmt.Errorf("request canceled: %w", ctxErr)
			}
			lastStatus, lastErr = 0, err
			continue
		}

		switch c.policy.Classify(resp.Status) {
		case ClassSuccess:
			c.breaker.Success()
			return resp.Body, resp.Status, nil
		case ClassTerminal:
			// A terminal status proves the upstream is reachable; it only means no data.
			c.breaker.Release()
			c.logger.Debug("terminal status", zap.String("url", target), zap.Int("status", resp.Status))
			return nil, resp.Status, &StatusError{Status: resp.Status, URL: target}
		default:
			lastStatus, lastErr = resp.Status, &StatusError{Status: resp.Status, URL: target}
		}
	}

	c.breaker.Failure()
	c.logger.Warn("request failed after retries",
		zap.String("url", target),
		zap.Int("status", lastStatus),
		zap.Int("consecutive_failures", c.breaker.Failures()),
		zap.Error(lastErr),
	)
	return nil, lastStatus, fmt.Errorf("%w: %s: %w", ErrRetriesExhausted, target, lastErr)
}

// GetJSON issues the request and decodes a 200 body into out.
func (c *Client) GetJSON(ctx context.Context, req Request, out any) (int, error) {
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	if req.Headers.Get("Accept") == "" {
		req.Headers.Set("Accept", "application/json")
	}
	body, status, err := c.Get(ctx, req)
	if err != nil {
		return status, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return status, fmt.Errorf("%w: decode %s: %w", ErrMalformed, req.URL, err)
	}
	return status, nil
}

func (c *Client) headers(extra http.Header) http.Header {
	h := http.Header{}
	if c.cfg.UserAgent != "" {
		h.Set("User-Agent", c.cfg.UserAgent)
	}
	for key, values := range extra {
		for _, v := range values {
			h.Add(key, v)
		}
	}
	return h
}

func buildURL(req Request) (string, error) {
	if req.URL == "" {
		return "", errors.New("request url is required")
	}
	if len(req.Params) == 0 {
		return req.URL, nil
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	q := u.Query()
	for key, values := range req.Params {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
