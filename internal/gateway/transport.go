package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
)

// APIVersion is the gateway protocol version requested on connect.
const APIVersion = 10

// DefaultURL is used when GET /gateway/bot is unavailable.
const DefaultURL = "wss://gateway.discord.gg"

// Conn is one gateway connection. ReadPayload is called from a single
// goroutine; WritePayload and Close may be called concurrently.
type Conn interface {
	ReadPayload() (*Payload, error)
	WritePayload(p *Payload) error
	Close(code int, reason string) error
}

// Dialer opens gateway connections.
type Dialer interface {
	Dial(ctx context.Context, gatewayURL string) (Conn, error)
}

// WebsocketDialer dials the gateway over websockets.
type WebsocketDialer struct {
	Compress         bool
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// GatewayURL appends the version, encoding and compression query.
func (d *WebsocketDialer) GatewayURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("gateway: parse url: %w", err)
	}
	q := u.Query()
	q.Set("v", fmt.Sprint(APIVersion))
	q.Set("encoding", "json")
	if d.Compress {
		q.Set("compress", "zstd-stream")
	} else {
		q.Del("compress")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *WebsocketDialer) Dial(ctx context.Context, gatewayURL string) (Conn, error) {
	target, err := d.GatewayURL(gatewayURL)
	if err != nil {
		return nil, err
	}
	wd := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if wd.HandshakeTimeout <= 0 {
		wd.HandshakeTimeout = 15 * time.Second
	}
	ws, resp, err := wd.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: dial: %w", err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}

	c := &wsConn{ws: ws}
	if d.Compress {
		z, err := newZstdStream()
		if err != nil {
			_ = ws.Close()
			return nil, err
		}
		c.zs = z
	}
	return c, nil
}

type wsConn struct {
	ws *websocket.Conn
	zs *zstdStream

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) ReadPayload() (*Payload, error) {
	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	if typ == websocket.BinaryMessage && c.zs != nil {
		return c.zs.Decode(data)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode payload: %w", err)
	}
	return &p, nil
}

func (c *wsConn) WritePayload(p *Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
		if c.zs != nil {
			c.zs.Close()
		}
	})
	return err
}

// zstdStream decodes a zstd-stream gateway connection: the frames of one
// connection are chunks of a single zstd stream, each ending on a flush
// boundary that completes exactly one JSON payload.
type zstdStream struct {
	frames chan []byte
	pr     *io.PipeReader
	pw     *io.PipeWriter
	zr     *zstd.Decoder
	dec    *json.Decoder

	mu     sync.RWMutex
	closed bool
}

func newZstdStream() (*zstdStream, error) {
	pr, pw := io.Pipe()
	zr, err := zstd.NewReader(pr, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("gateway: zstd reader: %w", err)
	}
	z := &zstdStream{
		frames: make(chan []byte, 16),
		pr:     pr,
		pw:     pw,
		zr:     zr,
		dec:    json.NewDecoder(zr),
	}
	go z.pump()
	return z, nil
}

// pump feeds frames into the pipe in arrival order.
func (z *zstdStream) pump() {
	for f := range z.frames {
		if _, err := z.pw.Write(f); err != nil {
			for range z.frames {
			}
			return
		}
	}
	_ = z.pw.Close()
}

// Decode pushes one binary frame and reads the payload it completes.
func (z *zstdStream) Decode(frame []byte) (*Payload, error) {
	z.mu.RLock()
	if z.closed {
		z.mu.RUnlock()
		return nil, io.ErrClosedPipe
	}
	z.frames <- frame
	z.mu.RUnlock()

	var p Payload
	if err := z.dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("gateway: decode zstd payload: %w", err)
	}
	return &p, nil
}

func (z *zstdStream) Close() {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return
	}
	z.closed = true
	close(z.frames)
	// The decoder is synchronous (concurrency 1) and owns no goroutines;
	// closing the pipe unblocks a reader parked inside it.
	_ = z.pr.CloseWithError(io.ErrClosedPipe)
}
