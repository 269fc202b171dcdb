package gateway

import (
	"context"
	"sync"
	"time"
)

// DefaultIdentifyWindow is the rolling window the server enforces on
// Identify: at most max_concurrency identifies per window.
const DefaultIdentifyWindow = 5 * time.Second

const maxGrantHistory = 1024

// IdentifyThrottle grants at most maxConcurrency identify permits per rolling
// window. Acquirers are served one at a time through a single gate.
type IdentifyThrottle struct {
	max    int
	window time.Duration
	gate   chan struct{}

	mu      sync.Mutex
	recent  []time.Time
	history []time.Time
	now     func() time.Time
}

func NewIdentifyThrottle(maxConcurrency int, window time.Duration) *IdentifyThrottle {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if window <= 0 {
		window = DefaultIdentifyWindow
	}
	return &IdentifyThrottle{
		max:    maxConcurrency,
		window: window,
		gate:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Acquire blocks until a permit is available or ctx ends. A permit is granted
// only when fewer than maxConcurrency grants exist, or the oldest of the last
// maxConcurrency grants is strictly older than the window.
func (t *IdentifyThrottle) Acquire(ctx context.Context) (time.Time, error) {
	select {
	case t.gate <- struct{}{}:
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
	defer func() { <-t.gate }()

	for {
		t.mu.Lock()
		now := t.now()
		var wait time.Duration
		if len(t.recent) >= t.max {
			if age := now.Sub(t.recent[0]); age <= t.window {
				// Timers fire at or after the deadline; the extra
				// millisecond makes the age strictly greater.
				wait = t.window - age + time.Millisecond
			}
		}
		if wait == 0 {
			t.grantLocked(now)
			t.mu.Unlock()
			return now, nil
		}
		t.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *IdentifyThrottle) grantLocked(now time.Time) {
	t.recent = append(t.recent, now)
	if len(t.recent) > t.max {
		t.recent = t.recent[len(t.recent)-t.max:]
	}
	t.history = append(t.history, now)
	if len(t.history) > maxGrantHistory {
		t.history = t.history[len(t.history)-maxGrantHistory:]
	}
}

// Grants returns the timestamps of past grants, oldest first.
func (t *IdentifyThrottle) Grants() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.history...)
}

// MaxConcurrency is the number of permits per window.
func (t *IdentifyThrottle) MaxConcurrency() int { return t.max }

// Window is the rolling window length.
func (t *IdentifyThrottle) Window() time.Duration { return t.window }
