package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

var errFakeClosed = errors.New("fake conn closed")

// fakeConn is the client side of a scripted gateway connection. The test
// plays the server through send, expect and closeWith.
type fakeConn struct {
	url string
	in  chan *Payload
	out chan *Payload

	mu        sync.Mutex
	closed    chan struct{}
	closeCode int
	serverErr error
	once      sync.Once
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{
		url:    url,
		in:     make(chan *Payload, 64),
		out:    make(chan *Payload, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadPayload() (*Payload, error) {
	select {
	case p := <-c.in:
		return p, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.serverErr != nil {
			return nil, c.serverErr
		}
		return nil, errFakeClosed
	}
}

func (c *fakeConn) WritePayload(p *Payload) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	c.out <- p
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// closeWith simulates the server closing the socket.
func (c *fakeConn) closeWith(code int, reason string) {
	c.mu.Lock()
	c.serverErr = &CloseError{Code: code, Reason: reason}
	c.mu.Unlock()
	c.once.Do(func() { close(c.closed) })
}

func (c *fakeConn) send(t *testing.T, op Opcode, seq int64, typ string, d any) {
	t.Helper()
	p, err := newPayload(op, d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if seq > 0 {
		s := seq
		p.S = &s
	}
	p.T = typ
	c.in <- p
}

func (c *fakeConn) hello(t *testing.T, interval time.Duration) {
	c.send(t, OpHello, 0, "", map[string]int64{"heartbeat_interval": interval.Milliseconds()})
}

func (c *fakeConn) ready(t *testing.T, seq int64, session string) {
	c.send(t, OpDispatch, seq, "READY", map[string]any{
		"session_id":         session,
		"resume_gateway_url": "wss://resume.test",
		"user":               map[string]string{"id": "1", "username": "bot"},
	})
}

// expect returns the next client payload with the given opcode, skipping
// heartbeats unless a heartbeat is what the test waits for.
func (c *fakeConn) expect(t *testing.T, op Opcode) *Payload {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-c.out:
			if p.Op == op {
				return p
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", op)
			return nil
		}
	}
}

func decode[T any](t *testing.T, p *Payload) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(p.D, &v); err != nil {
		t.Fatalf("decode %s: %v", p.Op, err)
	}
	return v
}

// fakeDialer hands every dialed connection to the test.
type fakeDialer struct {
	conns chan *fakeConn
	err   error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn(url)
	select {
	case d.conns <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}
