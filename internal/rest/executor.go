package rest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Executor performs exactly one HTTP exchange. It must not retry: the
// dispatcher owns retry and rate-limit policy.
type Executor interface {
	Execute(ctx context.Context, r *Request) (*Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, r *Request) (*Response, error)

func (f ExecutorFunc) Execute(ctx context.Context, r *Request) (*Response, error) { return f(ctx, r) }

// RestyOption configures a RestyExecutor.
type RestyOption func(*restyOptions)

type restyOptions struct {
	timeout   time.Duration
	userAgent string
	token     string
	headers   map[string]string
}

func WithToken(token string) RestyOption {
	return func(o *restyOptions) { o.token = strings.TrimSpace(token) }
}

func WithUserAgent(ua string) RestyOption {
	return func(o *restyOptions) {
		if ua != "" {
			o.userAgent = ua
		}
	}
}

func WithHTTPTimeout(d time.Duration) RestyOption {
	return func(o *restyOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithDefaultHeader adds a header sent on every request. Authorization and
// Content-Type are managed by the executor and ignored here.
func WithDefaultHeader(header, value string) RestyOption {
	return func(o *restyOptions) {
		header = strings.TrimSpace(header)
		if header == "" || strings.EqualFold(header, "Authorization") || strings.EqualFold(header, "Content-Type") {
			return
		}
		o.headers[header] = value
	}
}

// RestyExecutor sends requests through a resty client with retries disabled.
type RestyExecutor struct {
	client *resty.Client
}

func NewRestyExecutor(baseURL string, opts ...RestyOption) *RestyExecutor {
	o := &restyOptions{
		timeout:   15 * time.Second,
		userAgent: DefaultUserAgent,
		headers:   map[string]string{"Accept": "application/json"},
	}
	for _, opt := range opts {
		opt(o)
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(o.timeout).
		SetRetryCount(0).
		SetHeaders(o.headers).
		SetHeader("User-Agent", o.userAgent)
	if o.token != "" {
		c.SetAuthScheme("Bot").SetAuthToken(o.token)
	}
	return &RestyExecutor{client: c}
}

// Client exposes the underlying resty client.
func (e *RestyExecutor) Client() *resty.Client { return e.client }

func (e *RestyExecutor) Execute(ctx context.Context, r *Request) (*Response, error) {
	req := e.client.R().SetContext(ctx)
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.Body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(r.Body)
	}
	if r.id != "" {
		req.SetHeader("X-Request-Id", r.id)
	}

	resp, err := req.Execute(r.Method, r.Path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", r.Method, r.Path, err)
	}
	return &Response{
		Status: resp.StatusCode(),
		Header: resp.Header(),
		Body:   resp.Body(),
	}, nil
}
