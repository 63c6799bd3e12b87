package ganko

import (
	"errors"
	"fmt"
	"time"
)

type ErrorKind string

const (
	ErrKindNetwork   ErrorKind = "network"
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindCanceled  ErrorKind = "canceled"
	ErrKindBadStatus ErrorKind = "bad_status"
	ErrKindBodyRead  ErrorKind = "body_read"
	ErrKindInternal  ErrorKind = "internal"
)

// RequestError classifies a single failed attempt so the retry and circuit
// layers can decide what to do with it.
type RequestError struct {
	Kind       ErrorKind
	StatusCode int // Only for bad statuses.
	Err        error
}

func (e *RequestError) Error() string {
	if e.Kind == ErrKindBadStatus {
		return fmt.Sprintf("%s: status %d", e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	return string(e.Kind)
}

// Unwrap returns the original transport error.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// CircuitOpenError is returned without any network call being attempted. It is
// never retried.
type CircuitOpenError struct {
	Endpoint   EndpointKey
	Since      time.Time
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry after %s)", e.Endpoint, e.RetryAfter.Round(time.Millisecond))
}

// ExhaustedRetriesError wraps the last attempt error once the retry budget is
// spent. This is what callers observe on persistent failure.
type ExhaustedRetriesError struct {
	Endpoint EndpointKey
	Attempts int
	LastErr  error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Endpoint, e.Attempts, e.LastErr)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.LastErr
}

// errorKind extracts the attempt classification, if any.
func errorKind(err error) (ErrorKind, bool) {
	rerr, ok := asRequestError(err)
	if !ok {
		return "", false
	}

	return rerr.Kind, true
}

func asRequestError(err error) (*RequestError, bool) {
	var rerr *RequestError
	if errors.As(err, &rerr) {
		return rerr, true
	}

	return nil, false
}

func isCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}
