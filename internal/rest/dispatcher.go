package rest

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cordkit/internal/eventbus"
	"cordkit/internal/runtime/supervisor"
	"cordkit/pkg/logx"
)

// Config tunes a Dispatcher. Zero values take the defaults below, except
// SweepSchedule (empty disables the idle-bucket sweeper) and MaxRetries
// (negative disables retries).
type Config struct {
	Concurrency      int
	MaxRetries       int
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration
	MaxRateLimitHits int
	MaxWait          time.Duration
	RequestTimeout   time.Duration
	BucketIdleTTL    time.Duration
	SweepSchedule    string
}

const (
	DefaultConcurrency      = 16
	DefaultMaxRetries       = 3
	DefaultRetryBase        = 500 * time.Millisecond
	DefaultRetryMaxDelay    = 15 * time.Second
	DefaultMaxRateLimitHits = 10
	DefaultMaxWait          = 60 * time.Second
	DefaultRequestTimeout   = 15 * time.Second
	DefaultBucketIdleTTL    = 10 * time.Minute
	DefaultSweepSchedule    = "@every 1m"
)

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.MaxRateLimitHits <= 0 {
		c.MaxRateLimitHits = DefaultMaxRateLimitHits
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.BucketIdleTTL <= 0 {
		c.BucketIdleTTL = DefaultBucketIdleTTL
	}
	return c
}

// RateLimitInfo is published on the bus whenever a 429 is absorbed.
type RateLimitInfo struct {
	RequestID  string
	Route      string
	RetryAfter time.Duration
	Global     bool
	Hits       int
}

// FailureInfo is published when a request resolves with a terminal error.
type FailureInfo struct {
	RequestID string
	Route     string
	Attempts  int
	Err       error
}

// Dispatcher queues requests per bucket and drains each bucket with at most
// one request in flight, honoring server-supplied limits.
type Dispatcher struct {
	cfg   Config
	exec  Executor
	table *BucketTable
	sup   *supervisor.Supervisor
	sem   chan struct{}
	sweep *Sweeper

	log logx.Logger
	bus eventbus.Bus

	seq atomic.Uint64

	// life orders Enqueue against Close: drains are started under the read
	// lock, so none begins once Close holds it.
	life   sync.RWMutex
	closed bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(d *Dispatcher) {
		if bus != nil {
			d.bus = bus
		}
	}
}

// WithTable lets the caller supply the bucket table, mostly for inspection.
func WithTable(t *BucketTable) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.table = t
		}
	}
}

func NewDispatcher(exec Executor, cfg Config, opts ...Option) (*Dispatcher, error) {
	if exec == nil {
		return nil, errors.New("rest: nil executor")
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:   cfg,
		exec:  exec,
		table: NewBucketTable(),
		sem:   make(chan struct{}, cfg.Concurrency),
		log:   logx.Nop(),
		bus:   eventbus.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(logx.String("comp", "rest"))
	d.sup = supervisor.New(context.Background(), supervisor.WithLogger(d.log))

	if strings.TrimSpace(cfg.SweepSchedule) != "" {
		sw, err := NewSweeper(cfg.SweepSchedule, d.table, cfg.BucketIdleTTL, d.log)
		if err != nil {
			return nil, err
		}
		sw.Start()
		d.sweep = sw
	}
	return d, nil
}

// Table exposes the bucket table.
func (d *Dispatcher) Table() *BucketTable { return d.table }

// Snapshot returns the state of all buckets.
func (d *Dispatcher) Snapshot() []BucketState { return d.table.Snapshot() }

// Enqueue registers r and returns immediately. The request's total wait is
// bounded by ctx and by Config.MaxWait.
func (d *Dispatcher) Enqueue(ctx context.Context, r *Request) *Pending {
	if ctx == nil {
		ctx = context.Background()
	}
	r.Method = strings.ToUpper(r.Method)
	r.id = uuid.NewString()
	r.sig = RouteSignature(r.Method, r.Path)
	r.seq = d.seq.Add(1)
	r.done = make(chan struct{})
	r.ctx, r.cancel = context.WithTimeoutCause(ctx, d.cfg.MaxWait, ErrTimeout)

	p := &Pending{req: r, d: d}
	d.life.RLock()
	defer d.life.RUnlock()
	if d.closed {
		r.finish(nil, ErrClosed)
		return p
	}
	d.schedule(r)
	return p
}

// Do enqueues r and waits for its result.
func (d *Dispatcher) Do(ctx context.Context, r *Request) (*Response, error) {
	return d.Enqueue(ctx, r).Wait()
}

// Close stops all drain loops. Queued requests resolve with ErrClosed;
// in-flight ones are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.life.Lock()
	if d.closed {
		d.life.Unlock()
		return nil
	}
	d.closed = true
	d.life.Unlock()
	if d.sweep != nil {
		d.sweep.Stop()
	}
	return d.sup.Stop(ctx)
}

func (d *Dispatcher) schedule(r *Request) {
	for {
		b := d.table.Acquire(r.sig)
		b.mu.Lock()
		if b.removed {
			// Swept between Acquire and Lock; a fresh bucket replaces it.
			b.mu.Unlock()
			continue
		}
		b.push(r)
		b.lastUsed = d.table.now()
		start := !b.draining
		b.draining = true
		b.mu.Unlock()

		if start {
			d.sup.Go0("rest.drain", func(ctx context.Context) { d.drain(ctx, b) })
		}
		return
	}
}

// abort resolves r with err if it is still queued or waiting on a result.
func (d *Dispatcher) abort(r *Request, err error) {
	if r.finished() {
		return
	}
	if b := d.lookup(r.sig); b != nil {
		b.mu.Lock()
		b.remove(r)
		b.mu.Unlock()
	}
	r.finish(nil, err)
}

func (d *Dispatcher) lookup(sig string) *Bucket {
	d.table.mu.Lock()
	defer d.table.mu.Unlock()
	return d.table.buckets[sig]
}

func (d *Dispatcher) drain(ctx context.Context, b *Bucket) {
	for {
		if ctx.Err() != nil {
			d.failQueued(b, ErrClosed)
			return
		}
		if wait := d.table.global.wait(d.table.now()); wait > 0 {
			sleepCtx(ctx, wait)
			continue
		}

		b.mu.Lock()
		r := b.head()
		if r == nil {
			b.draining = false
			b.lastUsed = d.table.now()
			b.mu.Unlock()
			return
		}
		if r.finished() || r.ctx.Err() != nil {
			b.pop()
			b.mu.Unlock()
			r.finish(nil, contextError(r.ctx))
			continue
		}
		now := d.table.now()
		if wait := r.notBefore.Sub(now); wait > 0 {
			b.mu.Unlock()
			sleepCtx(ctx, wait)
			continue
		}
		if wait, ok := b.reserve(now); !ok {
			b.mu.Unlock()
			sleepCtx(ctx, wait)
			continue
		}
		b.pop()
		b.inflight = true
		b.mu.Unlock()

		select {
		case d.sem <- struct{}{}:
		case <-r.ctx.Done():
			d.release(b, true)
			r.finish(nil, contextError(r.ctx))
			continue
		case <-ctx.Done():
			d.release(b, true)
			r.finish(nil, ErrClosed)
			continue
		}
		d.execute(ctx, b, r)
		<-d.sem
	}
}

func (d *Dispatcher) release(b *Bucket, refund bool) {
	b.mu.Lock()
	if refund {
		b.refund()
	}
	b.inflight = false
	b.mu.Unlock()
}

func (d *Dispatcher) execute(ctx context.Context, b *Bucket, r *Request) {
	log := d.log.With(logx.String("request_id", r.id), logx.String("route", r.sig))

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	resp, err := d.exec.Execute(callCtx, r)
	cancel()

	if err != nil {
		d.release(b, true)
		if ctx.Err() != nil {
			r.finish(nil, ErrClosed)
			return
		}
		log.Debug("transport error", logx.Err(err), logx.Int("attempt", r.attempts+1))
		d.retryOrFail(b, r, &TransportError{Route: r.sig, Attempts: r.attempts + 1, Err: err})
		return
	}

	resp.RateLimit = ParseRateLimitHeaders(resp.Status, resp.Header, resp.Body)
	switch {
	case resp.Status == http.StatusTooManyRequests:
		r.rateLimitHits++
		retry := d.table.RateLimited(b, resp.RateLimit)
		d.release(b, false)
		info := RateLimitInfo{RequestID: r.id, Route: r.sig, RetryAfter: retry, Global: resp.RateLimit.Global, Hits: r.rateLimitHits}
		kind := eventbus.RESTRateLimited
		if info.Global {
			kind = eventbus.RESTGlobalLimited
		}
		d.bus.Publish(eventbus.Event{Kind: kind, Data: info})
		log.Debug("rate limited", logx.Duration("retry_after", retry), logx.Bool("global", info.Global), logx.Int("hits", r.rateLimitHits))

		if r.rateLimitHits > d.cfg.MaxRateLimitHits {
			d.fail(r, &RateLimitedError{Route: r.sig, RetryAfter: retry, Global: info.Global, Hits: r.rateLimitHits})
			return
		}
		d.requeue(b, r)

	case resp.Status >= 500:
		d.table.Update(b, resp.RateLimit)
		d.release(b, false)
		log.Debug("server error", logx.Int("status", resp.Status), logx.Int("attempt", r.attempts+1))
		d.retryOrFail(b, r, &ServerError{Route: r.sig, Status: resp.Status, Body: resp.Body, Attempts: r.attempts + 1})

	case resp.Status >= 400:
		d.table.Update(b, resp.RateLimit)
		d.release(b, false)
		d.fail(r, newClientError(r.sig, resp))

	default:
		d.table.Update(b, resp.RateLimit)
		d.release(b, false)
		r.finish(resp, nil)
	}
}

func (d *Dispatcher) retryOrFail(b *Bucket, r *Request, err error) {
	r.attempts++
	if r.attempts > d.cfg.MaxRetries || r.ctx.Err() != nil {
		d.fail(r, err)
		return
	}
	r.notBefore = d.table.now().Add(backoffDelay(d.cfg.RetryBase, d.cfg.RetryMaxDelay, r.attempts))
	d.requeue(b, r)
}

func (d *Dispatcher) requeue(b *Bucket, r *Request) {
	if r.finished() {
		return
	}
	b.mu.Lock()
	b.push(r)
	b.mu.Unlock()
}

func (d *Dispatcher) fail(r *Request, err error) {
	d.bus.Publish(eventbus.Event{Kind: eventbus.RESTRequestFailed, Data: FailureInfo{RequestID: r.id, Route: r.sig, Attempts: r.attempts, Err: err}})
	d.log.Warn("request failed", logx.String("request_id", r.id), logx.String("route", r.sig), logx.Err(err))
	r.finish(nil, err)
}

func (d *Dispatcher) failQueued(b *Bucket, err error) {
	b.mu.Lock()
	q := b.queue
	b.queue = nil
	b.draining = false
	b.mu.Unlock()
	for _, r := range q {
		r.finish(nil, err)
	}
}

// backoffDelay returns base*2^attempt capped at maxDelay.
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
