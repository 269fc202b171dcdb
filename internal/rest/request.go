package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Request is one outbound call. Method, Path, Body and Header are set by the
// caller; everything else belongs to the dispatcher.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header

	id  string
	sig string
	seq uint64

	attempts      int
	rateLimitHits int
	notBefore     time.Time

	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
	resp *Response
	err  error
}

// NewRequest builds a request with a JSON-ready body.
func NewRequest(method, path string, body []byte) *Request {
	return &Request{Method: method, Path: path, Body: body}
}

// ID is the correlation id assigned at enqueue.
func (r *Request) ID() string { return r.id }

// Route is the normalized bucket signature.
func (r *Request) Route() string { return r.sig }

// Attempts counts 5xx and transport failures so far.
func (r *Request) Attempts() int { return r.attempts }

func (r *Request) finish(resp *Response, err error) {
	r.once.Do(func() {
		r.resp, r.err = resp, err
		if r.cancel != nil {
			r.cancel()
		}
		close(r.done)
	})
}

func (r *Request) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Response is the raw result of a successful HTTP exchange.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	RateLimit RateLimitHeaders
}

// Pending is the caller's handle on an enqueued request.
type Pending struct {
	req *Request
	d   *Dispatcher
}

// Done is closed once the request has a result.
func (p *Pending) Done() <-chan struct{} { return p.req.done }

// Request returns the underlying request.
func (p *Pending) Request() *Request { return p.req }

// Wait blocks until the request resolves or its context ends. A request still
// queued when the context ends is removed from its bucket; one already on the
// wire keeps running but its result is discarded.
func (p *Pending) Wait() (*Response, error) {
	select {
	case <-p.req.done:
	case <-p.req.ctx.Done():
		p.d.abort(p.req, contextError(p.req.ctx))
	}
	return p.req.resp, p.req.err
}

// Cancel withdraws the request if it has not been dispatched yet.
func (p *Pending) Cancel() {
	p.d.abort(p.req, ErrCanceled)
}

func contextError(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimeout):
		return ErrTimeout
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, cause)
	case errors.Is(cause, ErrClosed):
		return ErrClosed
	default:
		return fmt.Errorf("%w: %w", ErrCanceled, cause)
	}
}
