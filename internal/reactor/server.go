package reactor

import (
	"net"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/Microsoft/go-winio"
)

// Conn is one accepted StreamServer connection, identified by a monotonic
// fd assigned at accept time (mirrors sessionbroker.Broker's per-session
// bookkeeping: every accepted peer gets a stable numeric handle for the
// lifetime callbacks are keyed on).
type Conn struct {
	FD   uint64
	conn net.Conn
	loop *Loop

	mu     sync.Mutex
	onRead func([]byte) bool
}

func (c *Conn) SetOnRead(f func([]byte) bool) {
	c.mu.Lock()
	c.onRead = f
	c.mu.Unlock()
}

func (c *Conn) Write(buf []byte, onSent func(error)) {
	_, err := c.conn.Write(buf)
	if onSent != nil {
		c.loop.Post(func() { onSent(err) })
	}
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// NewConn wraps an already-established net.Conn as a reactor Conn, driven
// by loop. Used by StreamServer.Serve for accepted connections, and
// directly by tests and in-process transports (e.g. worker pipe sessions)
// that already hold a net.Conn.
func NewConn(loop *Loop, fd uint64, nc net.Conn) *Conn {
	c := &Conn{FD: fd, conn: nc, loop: loop}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
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

// StreamServer accepts local-pipe connections (named pipe on Windows, a
// Unix domain socket elsewhere) and hands each one an fd plus a Conn whose
// callbacks are all delivered on the server's reactor Loop.
type StreamServer struct {
	loop     *Loop
	listener net.Listener
	nextFD   atomic.Uint64

	onAccept func(*Conn)
}

// Listen opens a pipe/socket server at path.
func Listen(loop *Loop, path string) (*StreamServer, error) {
	var (
		ln  net.Listener
		err error
	)
	if runtime.GOOS == "windows" {
		ln, err = winio.ListenPipe(path, nil)
	} else {
		ln, err = net.Listen("unix", path)
	}
	if err != nil {
		return nil, err
	}
	return &StreamServer{loop: loop, listener: ln}, nil
}

// ListenTCP opens a TCP server bound to addr (e.g. ":0" to let the OS pick
// a free port). Used by the TCP Transport variant, which accepts the
// peer's direct connection rather than dialing out (§4.4).
func ListenTCP(loop *Loop, addr string) (*StreamServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &StreamServer{loop: loop, listener: ln}, nil
}

// Addr returns the server's bound local address.
func (s *StreamServer) Addr() net.Addr {
	return s.listener.Addr()
}

// SetOnAccept registers the callback invoked (on the server's Loop) for
// every newly accepted connection.
func (s *StreamServer) SetOnAccept(f func(*Conn)) { s.onAccept = f }

// Serve accepts connections until the listener is closed. Call from its own
// goroutine.
func (s *StreamServer) Serve() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		fd := s.nextFD.Add(1)
		c := NewConn(s.loop, fd, nc)
		if s.onAccept != nil {
			s.loop.Post(func() { s.onAccept(c) })
		}
	}
}

// Close stops accepting new connections.
func (s *StreamServer) Close() error {
	return s.listener.Close()
}
