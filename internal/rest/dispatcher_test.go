package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cordkit/internal/eventbus"
)

type call struct {
	path string
	at   time.Time
}

// scripted is a fake executor: respond decides the result of each call.
type scripted struct {
	mu      sync.Mutex
	calls   []call
	respond func(n int, r *Request) (*Response, error)
}

func (s *scripted) Execute(ctx context.Context, r *Request) (*Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{path: r.Path, at: time.Now()})
	n := len(s.calls)
	s.mu.Unlock()
	return s.respond(n, r)
}

func (s *scripted) snapshot() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

func limited(limit, remaining int, resetAfter string) http.Header {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset-After", resetAfter)
	return h
}

func newTestDispatcher(t *testing.T, exec Executor, cfg Config, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(exec, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func TestSameBucketWaitsForReset(t *testing.T) {
	t.Parallel()
	exec := &scripted{respond: func(int, *Request) (*Response, error) {
		return &Response{Status: 200, Header: limited(1, 0, "0.3")}, nil
	}}
	d := newTestDispatcher(t, exec, Config{})

	ctx := context.Background()
	start := time.Now()
	var pending []*Pending
	for i := 0; i < 3; i++ {
		pending = append(pending, d.Enqueue(ctx, NewRequest("GET", "/channels/1/messages", nil)))
	}
	for _, p := range pending {
		_, err := p.Wait()
		require.NoError(t, err)
	}

	calls := exec.snapshot()
	require.Len(t, calls, 3)
	assert.Less(t, calls[0].at.Sub(start), 200*time.Millisecond, "first request should go out immediately")
	assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 250*time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].at.Sub(calls[1].at), 250*time.Millisecond)

	for _, st := range d.Snapshot() {
		assert.GreaterOrEqual(t, st.Remaining, 0)
	}
}

func TestRateLimitedRequestRedispatchedAtHead(t *testing.T) {
	t.Parallel()
	exec := &scripted{respond: func(n int, r *Request) (*Response, error) {
		if n == 1 {
			return &Response{Status: 429, Body: []byte(`{"message":"rate limited","retry_after":300,"global":false}`)}, nil
		}
		return &Response{Status: 200, Body: []byte(`{}`)}, nil
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	d := newTestDispatcher(t, exec, Config{}, WithBus(bus))

	ctx := context.Background()
	first := d.Enqueue(ctx, NewRequest("POST", "/channels/1/messages?n=1", nil))
	second := d.Enqueue(ctx, NewRequest("POST", "/channels/1/messages?n=2", nil))

	_, err := first.Wait()
	require.NoError(t, err)
	_, err = second.Wait()
	require.NoError(t, err)

	calls := exec.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, "/channels/1/messages?n=1", calls[0].path)
	assert.Equal(t, "/channels/1/messages?n=1", calls[1].path, "429'd request must go before later ones")
	assert.Equal(t, "/channels/1/messages?n=2", calls[2].path)
	assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 300*time.Millisecond)

	select {
	case e := <-events:
		assert.Equal(t, eventbus.RESTRateLimited, e.Kind)
		info := e.Data.(RateLimitInfo)
		assert.Equal(t, 300*time.Millisecond, info.RetryAfter)
		assert.Equal(t, 1, info.Hits)
	case <-time.After(time.Second):
		t.Fatal("no rate limit event published")
	}
}

func TestDistinctRoutesRunConcurrently(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	exec := &scripted{respond: func(_ int, r *Request) (*Response, error) {
		if r.Path == "/channels/1/messages" {
			<-release
		}
		return &Response{Status: 200}, nil
	}}
	d := newTestDispatcher(t, exec, Config{})
	defer close(release)

	ctx := context.Background()
	slow := d.Enqueue(ctx, NewRequest("GET", "/channels/1/messages", nil))
	fast := d.Enqueue(ctx, NewRequest("GET", "/channels/2/messages", nil))

	select {
	case <-fast.Done():
	case <-time.After(time.Second):
		t.Fatal("second route blocked behind the first")
	}
	select {
	case <-slow.Done():
		t.Fatal("slow request resolved early")
	default:
	}
}

func TestServerErrorRetriedThenSurfaced(t *testing.T) {
	t.Parallel()
	exec := &scripted{respond: func(int, *Request) (*Response, error) {
		return &Response{Status: 502}, nil
	}}
	d := newTestDispatcher(t, exec, Config{MaxRetries: 2, RetryBase: 5 * time.Millisecond, RetryMaxDelay: 50 * time.Millisecond})

	_, err := d.Do(context.Background(), NewRequest("GET", "/guilds/1", nil))
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 502, se.Status)
	assert.Equal(t, 3, se.Attempts)
	assert.Len(t, exec.snapshot(), 3)
	assert.True(t, IsRetryable(err))
}

func TestTransportErrorRecovers(t *testing.T) {
	t.Parallel()
	exec := &scripted{respond: func(n int, _ *Request) (*Response, error) {
		if n == 1 {
			return nil, errors.New("connection reset")
		}
		return &Response{Status: 200, Body: []byte(`{"ok":true}`)}, nil
	}}
	d := newTestDispatcher(t, exec, Config{RetryBase: 5 * time.Millisecond})

	resp, err := d.Do(context.Background(), NewRequest("GET", "/users/@me", nil))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Len(t, exec.snapshot(), 2)
}

func TestClientErrorNotRetried(t *testing.T) {
	t.Parallel()
	exec := &scripted{respond: func(int, *Request) (*Response, error) {
		return &Response{Status: 404, Body: []byte(`{"message":"Unknown Channel","code":10003}`)}, nil
	}}
	d := newTestDispatcher(t, exec, Config{})

	_, err := d.Do(context.Background(), NewRequest("GET", "/channels/9", nil))
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 404, ce.Status)
	assert.Equal(t, 10003, ce.Code)
	assert.Equal(t, "Unknown Channel", ce.Message)
	assert.Len(t, exec.snapshot(), 1)
	assert.False(t, IsRetryable(err))
}

func TestCancelWhileQueued(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	exec := &scripted{respond: func(n int, _ *Request) (*Response, error) {
		if n == 1 {
			<-release
		}
		return &Response{Status: 200}, nil
	}}
	d := newTestDispatcher(t, exec, Config{})

	ctx := context.Background()
	first := d.Enqueue(ctx, NewRequest("GET", "/channels/1", nil))
	require.Eventually(t, func() bool { return len(exec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	second := d.Enqueue(ctx, NewRequest("GET", "/channels/1", nil))
	second.Cancel()
	_, err := second.Wait()
	assert.ErrorIs(t, err, ErrCanceled)

	close(release)
	_, err = first.Wait()
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, exec.snapshot(), 1, "canceled request must never reach the network")
}

func TestCallerContextCancelsQueued(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	exec := &scripted{respond: func(n int, _ *Request) (*Response, error) {
		if n == 1 {
			<-release
		}
		return &Response{Status: 200}, nil
	}}
	d := newTestDispatcher(t, exec, Config{})
	defer close(release)

	d.Enqueue(context.Background(), NewRequest("GET", "/channels/1", nil))
	require.Eventually(t, func() bool { return len(exec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	p := d.Enqueue(ctx, NewRequest("GET", "/channels/1", nil))
	cancel()
	_, err := p.Wait()
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMaxWaitTimesOut(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	exec := &scripted{respond: func(int, *Request) (*Response, error) {
		<-release
		return &Response{Status: 200}, nil
	}}
	d := newTestDispatcher(t, exec, Config{MaxWait: 100 * time.Millisecond})
	defer close(release)

	start := time.Now()
	_, err := d.Do(context.Background(), NewRequest("GET", "/channels/1", nil))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRateLimitLoopGuard(t *testing.T) {
	t.Parallel()
	exec := &scripted{respond: func(int, *Request) (*Response, error) {
		return &Response{Status: 429, Body: []byte(`{"retry_after":1}`)}, nil
	}}
	d := newTestDispatcher(t, exec, Config{MaxRateLimitHits: 2})

	_, err := d.Do(context.Background(), NewRequest("GET", "/channels/1", nil))
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3, rl.Hits)
	assert.Len(t, exec.snapshot(), 3)
}

func TestGlobalLimitPausesOtherBuckets(t *testing.T) {
	t.Parallel()
	exec := &scripted{respond: func(n int, _ *Request) (*Response, error) {
		if n == 1 {
			return &Response{Status: 429, Body: []byte(`{"retry_after":300,"global":true}`)}, nil
		}
		return &Response{Status: 200}, nil
	}}
	d := newTestDispatcher(t, exec, Config{})

	ctx := context.Background()
	start := time.Now()
	_, err := d.Do(ctx, NewRequest("GET", "/channels/1", nil))
	require.NoError(t, err)
	_, err = d.Do(ctx, NewRequest("GET", "/channels/2", nil))
	require.NoError(t, err)

	calls := exec.snapshot()
	require.Len(t, calls, 3)
	assert.GreaterOrEqual(t, calls[1].at.Sub(start), 300*time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].at.Sub(start), 300*time.Millisecond)
}

func TestCloseFailsQueued(t *testing.T) {
	t.Parallel()
	exec := &scripted{respond: func(int, *Request) (*Response, error) {
		return &Response{Status: 200, Header: limited(1, 0, "30")}, nil
	}}
	d, err := NewDispatcher(exec, Config{})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = d.Do(ctx, NewRequest("GET", "/channels/1", nil))
	require.NoError(t, err)
	queued := d.Enqueue(ctx, NewRequest("GET", "/channels/1", nil))

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(closeCtx))

	_, err = queued.Wait()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.Do(ctx, NewRequest("GET", "/channels/1", nil))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEnqueueRacingClose(t *testing.T) {
	t.Parallel()
	exec := &scripted{respond: func(int, *Request) (*Response, error) {
		return &Response{Status: 200}, nil
	}}
	d, err := NewDispatcher(exec, Config{})
	require.NoError(t, err)

	ctx := context.Background()
	start := make(chan struct{})
	results := make(chan error, 64)
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			// Distinct channels give every request a fresh bucket and drain.
			_, err := d.Do(ctx, NewRequest("GET", "/channels/"+strconv.Itoa(i+1), nil))
			results <- err
		}()
	}

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	close(start)
	require.NoError(t, d.Close(closeCtx))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("requests left unresolved after close")
	}
	close(results)
	for err := range results {
		if err != nil {
			assert.ErrorIs(t, err, ErrClosed)
		}
	}
	_, err = d.Do(ctx, NewRequest("GET", "/channels/1", nil))
	assert.ErrorIs(t, err, ErrClosed)
}
