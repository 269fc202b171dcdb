package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned when a request exceeds its total wait budget.
	ErrTimeout = errors.New("rest: request timed out")
	// ErrClosed is returned for requests enqueued on, or still queued in, a closed dispatcher.
	ErrClosed = errors.New("rest: dispatcher closed")
	// ErrCanceled is returned when the caller cancels a request before dispatch.
	ErrCanceled = errors.New("rest: request canceled")
)

// RateLimitedError surfaces only when a request keeps hitting 429 beyond the
// dispatcher's loop guard.
type RateLimitedError struct {
	Route      string
	RetryAfter time.Duration
	Global     bool
	Hits       int
}

func (e *RateLimitedError) Error() string {
	scope := "route"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("rest: %s rate limited %d times (%s, retry after %s)", e.Route, e.Hits, scope, e.RetryAfter)
}

// ServerError is a 5xx response that exhausted the retry budget.
type ServerError struct {
	Route    string
	Status   int
	Body     []byte
	Attempts int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("rest: %s server error %d after %d attempts", e.Route, e.Status, e.Attempts)
}

// TransportError wraps a network failure that exhausted the retry budget.
type TransportError struct {
	Route    string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rest: %s transport error after %d attempts: %v", e.Route, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ClientError is any 4xx response other than 429. It is never retried.
type ClientError struct {
	Route   string
	Status  int
	Code    int
	Message string
	Body    []byte
}

func (e *ClientError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rest: %s %d: %s (code %d)", e.Route, e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("rest: %s %d", e.Route, e.Status)
}

// IsRetryable reports whether err came from a failure class the dispatcher
// would retry if budget remained.
func IsRetryable(err error) bool {
	var se *ServerError
	var te *TransportError
	var rl *RateLimitedError
	return errors.As(err, &se) || errors.As(err, &te) || errors.As(err, &rl)
}

type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newClientError(route string, resp *Response) *ClientError {
	e := &ClientError{Route: route, Status: resp.Status, Body: resp.Body}
	var body apiErrorBody
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &body) == nil {
		e.Code = body.Code
		e.Message = body.Message
	}
	return e
}
