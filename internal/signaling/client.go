// Package signaling implements the non-TLS WebSocket client used to join a
// session's signaling room and exchange Core/Rtc messages with the peer,
// adapted from internal/websocket/client.go's dial-and-reconnect shape.
package signaling

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanthost/agent/internal/logging"
	"github.com/lanthost/agent/internal/wire"
)

var log = logging.L("signaling")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// envelope is the wire shape used over the signaling socket: a msg_type tag
// plus a JSON payload, matching internal/wire's frame semantics without the
// binary length-prefix framing (WebSocket already delimits messages).
type envelope struct {
	MsgType uint32          `json:"msgType"`
	Payload json.RawMessage `json:"payload"`
}

// Handler receives decoded signaling messages. OnJoined fires once
// JoinRoomAck arrives; OnCore handles in-band control ("close"); OnRtc
// forwards opaque key/value pairs to/from the transport.
type Handler struct {
	OnJoined func(ack *wire.JoinRoomAck)
	OnCore   func(key, value string)
	OnRtc    func(key, value string)
	OnClosed func()
}

// joined is tri-state, not bool, matching §3's requirement that "not yet
// known" be distinguishable from both "joined" and "failed".
type joinState int

const (
	joinUnknown joinState = iota
	joinSucceeded
	joinFailed
)

// Client maintains a reconnecting WebSocket connection to a signaling
// server and joins roomID on every (re)connect.
type Client struct {
	addr    string // host:port
	roomID  string
	handler Handler

	mu        sync.Mutex
	conn      *websocket.Conn
	joinState joinState
	stopped   bool
	done      chan struct{}
	sendCh    chan []byte
	stopOnce  sync.Once
}

// New returns a signaling Client that will connect to addr (host:port,
// non-TLS per §4.3) and join roomID.
func New(addr, roomID string, handler Handler) *Client {
	return &Client{
		addr:    addr,
		roomID:  roomID,
		handler: handler,
		done:    make(chan struct{}),
		sendCh:  make(chan []byte, 64),
	}
}

// JoinSucceeded reports the tri-state join status: nil means "not yet
// known", true/false report the actual outcome.
func (c *Client) JoinSucceeded() *bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.joinState {
	case joinSucceeded:
		v := true
		return &v
	case joinFailed:
		v := false
		return &v
	default:
		return nil
	}
}

// Run drives connect/reconnect until Close is called. Call from its own
// goroutine.
func (c *Client) Run() {
	backoff := initialBackoff
	for {
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}

		conn, err := c.connect()
		if err != nil {
			log.Warn("signaling connect failed", "error", err)
			select {
			case <-c.done:
				return
			case <-time.After(withJitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		c.mu.Lock()
		c.conn = conn
		c.joinState = joinUnknown
		c.mu.Unlock()

		if err := c.sendJoinRoom(conn); err != nil {
			log.Warn("failed to send join room", "error", err)
			conn.Close()
			continue
		}

		writeDone := make(chan struct{})
		go c.writePump(conn, writeDone)
		c.readPump(conn)
		close(writeDone)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if c.handler.OnClosed != nil {
			c.handler.OnClosed()
		}

		c.mu.Lock()
		stopped = c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}
	}
}

func (c *Client) connect() (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: c.addr, Path: "/signaling"}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

func (c *Client) sendJoinRoom(conn *websocket.Conn) error {
	payload, err := wire.Marshal(&wire.JoinRoom{RoomID: c.roomID})
	if err != nil {
		return err
	}
	env := envelope{MsgType: wire.MsgJoinRoom, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("bad signaling envelope", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env envelope) {
	msg, err := wire.Decode(env.MsgType, env.Payload)
	if err != nil {
		log.Warn("failed to decode signaling message", "error", err)
		return
	}

	switch m := msg.(type) {
	case *wire.JoinRoomAck:
		c.mu.Lock()
		if m.ErrCode == 0 {
			c.joinState = joinSucceeded
		} else {
			c.joinState = joinFailed
		}
		c.mu.Unlock()
		if c.handler.OnJoined != nil {
			c.handler.OnJoined(m)
		}
	case *wire.SignalingMessage:
		switch m.Level {
		case wire.LevelCore:
			if c.handler.OnCore != nil {
				c.handler.OnCore(m.CoreKey, m.CoreValue)
			}
		case wire.LevelRtc:
			if c.handler.OnRtc != nil {
				c.handler.OnRtc(m.RtcKey, m.RtcValue)
			}
		}
	case wire.Unknown:
		log.Debug("unknown signaling message", "type", m.Type)
	}
}

// SendRtc forwards an opaque key/value pair to the peer via the signaling
// server.
func (c *Client) SendRtc(key, value string) error {
	return c.send(&wire.SignalingMessage{Level: wire.LevelRtc, RtcKey: key, RtcValue: value})
}

func (c *Client) send(msg wire.Message) error {
	payload, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	env := envelope{MsgType: msg.MsgType(), Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling: client is stopped")
	default:
		return fmt.Errorf("signaling: send channel full")
	}
}

func (c *Client) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.done:
			return
		case data := <-c.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close stops the reconnect loop and closes any live connection.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		conn := c.conn
		c.mu.Unlock()
		close(c.done)
		if conn != nil {
			conn.Close()
		}
	})
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
