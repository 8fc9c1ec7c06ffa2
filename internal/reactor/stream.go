package reactor

import (
	"context"
	"math/rand"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Microsoft/go-winio"

	"github.com/lanthost/agent/internal/logging"
)

var log = logging.L("reactor")

// Backoff constants lifted verbatim from the teacher's websocket reconnect
// loop (internal/websocket/client.go).
const (
	initialBackoff = 1 * time.Second
	maxBackoff      = 60 * time.Second
	backoffFactor   = 2.0
	jitterFactor    = 0.3
)

// Stream is a byte-oriented connection driven by one reactor Loop: reads
// arrive on the loop goroutine via the OnRead callback; Write writes on the
// calling goroutine and posts only its onSent callback to the loop.
type Stream interface {
	Write(buf []byte, onSent func(error))
	SetOnRead(func([]byte) bool)
	SetOnConnected(func())
	SetOnDisconnected(func())
	Close() error
}

// StreamClient dials the target its constructor chose (NewTCPClient,
// NewPipeClient or NewCustomClient) and auto-reconnects with capped exponential backoff +
// jitter, matching websocket.Client's reconnectLoop.
type StreamClient struct {
	loop    *Loop
	dial    func(ctx context.Context) (net.Conn, error)
	readBuf int

	mu          sync.Mutex
	conn        net.Conn
	onRead      func([]byte) bool
	onConnected func()
	onDisc      func()
	stopped     atomic.Bool
}

// NewTCPClient returns a StreamClient that dials addr over TCP.
func NewTCPClient(loop *Loop, addr string) *StreamClient {
	return newClient(loop, func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	})
}

// NewPipeClient returns a StreamClient that dials a named pipe (Windows, via
// go-winio) or a Unix domain socket (everywhere else) at path.
func NewPipeClient(loop *Loop, path string) *StreamClient {
	return newClient(loop, func(ctx context.Context) (net.Conn, error) {
		if runtime.GOOS == "windows" {
			return winio.DialPipeContext(ctx, path)
		}
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	})
}

func newClient(loop *Loop, dial func(ctx context.Context) (net.Conn, error)) *StreamClient {
	return &StreamClient{loop: loop, dial: dial, readBuf: 64 * 1024}
}

// NewCustomClient returns a StreamClient driven by an arbitrary dial
// function, with the same reconnect/backoff behavior as NewTCPClient and
// NewPipeClient. Used for the rendezvous connection, which needs a TLS
// handshake (via internal/mtls) layered on top of the raw TCP dial.
func NewCustomClient(loop *Loop, dial func(ctx context.Context) (net.Conn, error)) *StreamClient {
	return newClient(loop, dial)
}

func (c *StreamClient) SetOnRead(f func([]byte) bool)   { c.mu.Lock(); c.onRead = f; c.mu.Unlock() }
func (c *StreamClient) SetOnConnected(f func())         { c.mu.Lock(); c.onConnected = f; c.mu.Unlock() }
func (c *StreamClient) SetOnDisconnected(f func())      { c.mu.Lock(); c.onDisc = f; c.mu.Unlock() }

// Run drives the connect/reconnect loop until ctx is done or Close is
// called. Call it from its own goroutine; all callbacks it invokes are
// posted onto the client's reactor Loop, never called directly.
func (c *StreamClient) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if c.stopped.Load() || ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			log.Warn("stream connect failed", "error", err)
			sleep := withJitter(backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		c.mu.Lock()
		c.conn = conn
		onConnected := c.onConnected
		c.mu.Unlock()
		if onConnected != nil {
			c.loop.Post(onConnected)
		}

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		onDisc := c.onDisc
		c.mu.Unlock()
		if onDisc != nil {
			c.loop.Post(onDisc)
		}

		if c.stopped.Load() || ctx.Err() != nil {
			return
		}
	}
}

func (c *StreamClient) readLoop(conn net.Conn) {
	buf := make([]byte, c.readBuf)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.mu.Lock()
			onRead := c.onRead
			c.mu.Unlock()
			if onRead != nil {
				done := make(chan struct{})
				c.loop.Post(func() {
					onRead(chunk)
					close(done)
				})
				<-done
			}
		}
		if err != nil {
			return
		}
	}
}

// Write sends buf on the underlying connection. onSent, if non-nil, is
// posted to the loop once the write completes (or fails).
func (c *StreamClient) Write(buf []byte, onSent func(error)) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		if onSent != nil {
			c.loop.Post(func() { onSent(net.ErrClosed) })
		}
		return
	}
	_, err := conn.Write(buf)
	if onSent != nil {
		c.loop.Post(func() { onSent(err) })
	}
}

// Close stops the reconnect loop and closes any live connection.
func (c *StreamClient) Close() error {
	c.stopped.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func withJitter(backoff time.Duration) time.Duration {
	jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
	sleep := backoff + jitter
	if sleep < 0 {
		sleep = backoff
	}
	return sleep
}

func nextBackoff(backoff time.Duration) time.Duration {
	next := time.Duration(float64(backoff) * backoffFactor)
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
