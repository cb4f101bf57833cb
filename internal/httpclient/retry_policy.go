package httpclient

import (
	"crypto/rand"
	"math"
	"math/big"
	"net/http"
	"time"
)

// StatusClass is the retry classification of a response status.
type StatusClass int

// Status classes.
const (
	ClassSuccess StatusClass = iota
	ClassRetryable
	ClassTerminal
)

// ExponentialRetryPolicy classifies statuses and computes jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	base        float64
	maxDelay    time.Duration
	jitter      func() float64
}

// NewExponentialRetryPolicy builds a policy. Non-positive values fall back to defaults.
func NewExponentialRetryPolicy(maxAttempts int, base float64, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base <= 0 {
		base = 2.0
	}
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		base:        base,
		maxDelay:    maxDelay,
		jitter:      randomJitter,
	}
}

// MaxAttempts returns the attempt ceiling per call.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Classify buckets a status code.
func (p *ExponentialRetryPolicy) Classify(status int) StatusClass {
	switch status {
	case http.StatusOK:
		return ClassSuccess
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return ClassRetryable
	default:
		return ClassTerminal
	}
}

// Backoff returns min(base^attempt * jitter, maxDelay) with jitter in [0.5, 1.5).
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	seconds := math.Pow(p.base, float64(attempt)) * p.jitter()
	delay := time.Duration(seconds * float64(time.Second))
	if delay > p.maxDelay || delay < 0 {
		return p.maxDelay
	}
	return delay
}

func randomJitter() float64 {
	const precision = 1 << 20
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 1
	}
	return 0.5 + float64(n.Int64())/precision
}
