package httpclient

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned without network I/O while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrRetriesExhausted is returned once every attempt hit a retryable failure.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrMalformed is returned when a successful response cannot be decoded.
	ErrMalformed = errors.New("malformed response")
)

// StatusError reports a terminal, non-retryable status.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Status, e.URL)
}

// IsTerminal reports whether err is a terminal status, which callers treat as no data.
func IsTerminal(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr)
}

// HasStatus reports whether err is a StatusError with the given code.
func HasStatus(err error, status int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == status
}

// IsAbsent reports whether err means the upstream has no usable data, as opposed
// to a transient failure that should be retried on a later run.
func IsAbsent(err error) bool {
	return IsTerminal(err) || errors.Is(err, ErrMalformed)
}
