package rest

import (
	"sort"
	"sync"
	"time"
)

// Bucket is the admission state for one route signature. Its fields are
// guarded by mu; callers outside the package only ever see BucketState.
type Bucket struct {
	sig string

	mu        sync.Mutex
	id        string
	limit     int
	remaining int
	resetAt   time.Time
	queue     []*Request
	draining  bool
	inflight  bool
	removed   bool
	lastUsed  time.Time
}

// BucketState is a read-only copy of a bucket.
type BucketState struct {
	Signature string    `json:"signature"`
	BucketID  string    `json:"bucket_id,omitempty"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
	Queued    int       `json:"queued"`
	InFlight  bool      `json:"in_flight"`
}

// Signature returns the normalized route the bucket is keyed by.
func (b *Bucket) Signature() string { return b.sig }

// State returns a consistent copy of the bucket's counters.
func (b *Bucket) State() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Bucket) stateLocked() BucketState {
	return BucketState{
		Signature: b.sig,
		BucketID:  b.id,
		Limit:     b.limit,
		Remaining: max(b.remaining, 0),
		ResetAt:   b.resetAt,
		Queued:    len(b.queue),
		InFlight:  b.inflight,
	}
}

// reserve takes one slot. When none is available it returns how long to wait.
func (b *Bucket) reserve(now time.Time) (time.Duration, bool) {
	if b.remaining <= 0 {
		switch {
		case b.resetAt.IsZero():
			b.remaining = max(b.limit, 1)
		case !now.Before(b.resetAt):
			b.remaining = max(b.limit, 1)
			b.resetAt = time.Time{}
		default:
			return b.resetAt.Sub(now), false
		}
	}
	b.remaining--
	return 0, true
}

func (b *Bucket) refund() {
	b.remaining = min(b.remaining+1, max(b.limit, 1))
}

// push inserts r keeping the queue ordered by enqueue sequence, so a request
// put back after a 429 lands ahead of everything enqueued after it.
func (b *Bucket) push(r *Request) {
	i := sort.Search(len(b.queue), func(i int) bool { return b.queue[i].seq > r.seq })
	b.queue = append(b.queue, nil)
	copy(b.queue[i+1:], b.queue[i:])
	b.queue[i] = r
}

func (b *Bucket) head() *Request {
	if len(b.queue) == 0 {
		return nil
	}
	return b.queue[0]
}

func (b *Bucket) pop() *Request {
	r := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return r
}

func (b *Bucket) remove(r *Request) bool {
	for i, q := range b.queue {
		if q == r {
			copy(b.queue[i:], b.queue[i+1:])
			b.queue[len(b.queue)-1] = nil
			b.queue = b.queue[:len(b.queue)-1]
			return true
		}
	}
	return false
}

// GlobalLimit pauses every bucket until a deadline.
type GlobalLimit struct {
	mu           sync.Mutex
	blockedUntil time.Time
}

// BlockedUntil returns the current deadline, zero when not blocked.
func (g *GlobalLimit) BlockedUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blockedUntil
}

// Block extends the barrier to until. An earlier deadline never shortens it.
func (g *GlobalLimit) Block(until time.Time) {
	g.mu.Lock()
	if until.After(g.blockedUntil) {
		g.blockedUntil = until
	}
	g.mu.Unlock()
}

func (g *GlobalLimit) wait(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blockedUntil.IsZero() {
		return 0
	}
	if !now.Before(g.blockedUntil) {
		g.blockedUntil = time.Time{}
		return 0
	}
	return g.blockedUntil.Sub(now)
}

// BucketTable owns all buckets and the global barrier for one dispatcher.
type BucketTable struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	global  GlobalLimit
	now     func() time.Time
}

func NewBucketTable() *BucketTable {
	return &BucketTable{buckets: map[string]*Bucket{}, now: time.Now}
}

// Acquire returns the bucket for sig, creating a provisional one with
// limit=1, remaining=1 until a real response supplies the server's values.
func (t *BucketTable) Acquire(sig string) *Bucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[sig]
	if !ok {
		b = &Bucket{sig: sig, limit: 1, remaining: 1, lastUsed: t.now()}
		t.buckets[sig] = b
	}
	return b
}

// Global returns the shared global-limit barrier.
func (t *BucketTable) Global() *GlobalLimit { return &t.global }

// Update applies response metadata. A global signal only moves the barrier.
// A response without limit headers refunds the slot taken at dispatch.
func (t *BucketTable) Update(b *Bucket, h RateLimitHeaders) {
	now := t.now()
	if h.Global {
		t.global.Block(now.Add(h.RetryAfter))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	if !h.Present {
		b.refund()
		return
	}
	if h.BucketID != "" {
		b.id = h.BucketID
	}
	b.limit = h.Limit
	b.remaining = h.Remaining
	if h.ResetAfter > 0 {
		b.resetAt = now.Add(h.ResetAfter)
	} else {
		b.resetAt = time.Time{}
	}
}

// RateLimited records a 429 and returns the delay before the bucket (or,
// for a global 429, every bucket) may dispatch again.
func (t *BucketTable) RateLimited(b *Bucket, h RateLimitHeaders) time.Duration {
	now := t.now()
	retry := h.RetryAfter
	if retry <= 0 {
		retry = h.ResetAfter
	}
	if retry <= 0 {
		retry = time.Second
	}
	if h.Global {
		t.global.Block(now.Add(retry))
		return retry
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	if h.BucketID != "" {
		b.id = h.BucketID
	}
	if h.Present && h.Limit > 0 {
		b.limit = h.Limit
	}
	b.remaining = 0
	if until := now.Add(retry); until.After(b.resetAt) {
		b.resetAt = until
	}
	return retry
}

// Snapshot returns the state of every bucket ordered by signature.
func (t *BucketTable) Snapshot() []BucketState {
	t.mu.Lock()
	list := make([]*Bucket, 0, len(t.buckets))
	for _, b := range t.buckets {
		list = append(list, b)
	}
	t.mu.Unlock()

	out := make([]BucketState, 0, len(list))
	for _, b := range list {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}

// Sweep drops buckets that are empty, idle for longer than ttl and not
// currently draining. It returns the number removed.
func (t *BucketTable) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for sig, b := range t.buckets {
		b.mu.Lock()
		idle := !b.draining && !b.inflight && len(b.queue) == 0 && now.Sub(b.lastUsed) > ttl
		if idle {
			b.removed = true
			delete(t.buckets, sig)
			n++
		}
		b.mu.Unlock()
	}
	return n
}

// Len returns the number of tracked buckets.
func (t *BucketTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}
