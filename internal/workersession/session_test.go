package workersession

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lanthost/agent/internal/errcode"
	"github.com/lanthost/agent/internal/reactor"
	"github.com/lanthost/agent/internal/supervisor"
	"github.com/lanthost/agent/internal/transport"
	"github.com/lanthost/agent/internal/wire"
)

// fakeTransport is a minimal transport.Transport recording SendData calls,
// used to assert on control-channel traffic without a real pion/TCP peer.
// Close synchronously calls OnDisconnected on a registered observer,
// matching TCPTransport.Close's synchronous observer dispatch on session-
// initiated closes.
type fakeTransport struct {
	mu       sync.Mutex
	closed   bool
	sent     [][]byte
	observer transport.Observer
}

func (f *fakeTransport) SendVideo(transport.VideoFrame) error { return nil }
func (f *fakeTransport) SendAudio(transport.AudioPacket) error { return nil }
func (f *fakeTransport) SendData(b []byte, reliable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}
func (f *fakeTransport) SendSignalingMessage(key, value string) error { return nil }
func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	observer := f.observer
	f.mu.Unlock()
	if observer != nil {
		observer.OnDisconnected()
	}
	return nil
}

func (f *fakeTransport) framesSent(t *testing.T) []wire.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	p := wire.NewParser()
	var frames []wire.Frame
	for _, b := range f.sent {
		fr, err := p.Feed(b)
		if err != nil {
			t.Fatalf("parse sent frame: %v", err)
		}
		frames = append(frames, fr...)
	}
	return frames
}

func TestNewRejectsNoCodecs(t *testing.T) {
	loop := reactor.New(8)
	_, err := New(loop, Params{PeerParams: wire.StreamingParams{}}, Callbacks{})
	if err == nil {
		t.Fatal("expected error for empty video codec list")
	}
}

func TestNewGeneratesPipeName(t *testing.T) {
	loop := reactor.New(8)
	params := Params{PeerParams: wire.StreamingParams{
		VideoCodecs: []wire.VideoCodec{{Codec: "H264", Chroma: "4:2:0"}},
	}}
	s, err := New(loop, params, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.HasPrefix(s.Name(), "lanthost_worker_") {
		t.Fatalf("unexpected pipe name %q", s.Name())
	}
	if len(s.Name()) != len("lanthost_worker_")+4 {
		t.Fatalf("unexpected pipe name length %q", s.Name())
	}
}

func TestCloseReasonToWireReason(t *testing.T) {
	cases := []struct {
		reason CloseReason
		want   wire.CloseConnectionReason
	}{
		{ClientClose, wire.CloseClientClose},
		{HostClose, wire.CloseHostClose},
		{TimeoutClose, wire.CloseTimeoutClose},
		{UserKick, wire.CloseClientClose},
	}
	for _, c := range cases {
		if got := c.reason.ToWireReason(); got != c.want {
			t.Errorf("%s.ToWireReason() = %v, want %v", c.reason, got, c.want)
		}
	}
}

func TestCloseReasonString(t *testing.T) {
	if ClientClose.String() != "ClientClose" {
		t.Errorf("ClientClose.String() = %q", ClientClose.String())
	}
	if CloseReason(99).String() != "Unknown" {
		t.Errorf("unknown reason did not stringify to Unknown")
	}
}

func TestPipePathPlatformShape(t *testing.T) {
	p := pipePath("lanthost_worker_ABCD")
	if p == "" {
		t.Fatal("pipePath returned empty string")
	}
	if !strings.Contains(p, "lanthost_worker_ABCD") {
		t.Fatalf("pipePath %q does not contain session name", p)
	}
}

func TestSessionStartTransmissionTokenMismatchCloses(t *testing.T) {
	loop := reactor.New(8)
	params := Params{
		AuthToken: "correct-token",
		PeerParams: wire.StreamingParams{
			VideoCodecs: []wire.VideoCodec{{Codec: "H264", Chroma: "4:2:0"}},
		},
	}
	s, err := New(loop, params, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr := &fakeTransport{}
	s.tr = tr

	payload, err := wire.Marshal(&wire.StartTransmission{Token: "wrong-token"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s.dispatchPeerFrame(wire.Frame{MsgType: wire.MsgStartTransmission, Payload: payload}, true)

	if !s.closed {
		t.Fatal("expected session to begin closing on token mismatch")
	}
	if s.closeReason != ClientClose {
		t.Fatalf("closeReason = %v, want ClientClose", s.closeReason)
	}

	frames := tr.framesSent(t)
	var gotAck bool
	for _, f := range frames {
		if f.MsgType != wire.MsgStartTransmissionAck {
			continue
		}
		msg, err := wire.Decode(f.MsgType, f.Payload)
		if err != nil {
			t.Fatalf("decode ack: %v", err)
		}
		ack, ok := msg.(*wire.StartTransmissionAck)
		if !ok {
			t.Fatalf("decoded message is %T, want *wire.StartTransmissionAck", msg)
		}
		if ack.ErrCode != errcode.AuthFailed {
			t.Fatalf("ack.ErrCode = %v, want AuthFailed", ack.ErrCode)
		}
		gotAck = true
	}
	if !gotAck {
		t.Fatal("expected a StartTransmissionAck{ErrCode: AuthFailed} to be sent to the peer")
	}
}

func TestSessionPeerKeepAliveUpdatesLastRecv(t *testing.T) {
	loop := reactor.New(8)
	params := Params{
		PeerParams: wire.StreamingParams{
			VideoCodecs: []wire.VideoCodec{{Codec: "H264", Chroma: "4:2:0"}},
		},
	}
	s, err := New(loop, params, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := s.lastRecvTimeUs
	s.lastRecvTimeUs = 0

	payload, err := wire.Marshal(&wire.PeerKeepAlive{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s.dispatchPeerFrame(wire.Frame{MsgType: wire.MsgPeerKeepAlive, Payload: payload}, true)

	if s.lastRecvTimeUs == 0 {
		t.Fatal("expected lastRecvTimeUs to be updated")
	}
	_ = before
}

func TestSessionCreateCompletedFiresExactlyOnce(t *testing.T) {
	loop := reactor.New(8)
	var calls int
	var lastSuccess bool
	params := Params{
		PeerParams: wire.StreamingParams{
			VideoCodecs: []wire.VideoCodec{{Codec: "H264", Chroma: "4:2:0"}},
		},
	}
	s, err := New(loop, params, Callbacks{
		OnCreateCompleted: func(success bool, name string, p *wire.StreamingParams) {
			calls++
			lastSuccess = success
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.finishCreation()
	s.finishCreation()
	s.failCreation()

	if calls != 1 {
		t.Fatalf("OnCreateCompleted fired %d times, want exactly 1", calls)
	}
	if !lastSuccess {
		t.Fatal("expected the single OnCreateCompleted call to report success")
	}
	if !s.createCompleted {
		t.Fatal("createCompleted flag not set")
	}
}

func TestSessionCreateCompletedFiresExactlyOnceOnFailure(t *testing.T) {
	loop := reactor.New(8)
	var calls int
	params := Params{
		PeerParams: wire.StreamingParams{
			VideoCodecs: []wire.VideoCodec{{Codec: "H264", Chroma: "4:2:0"}},
		},
	}
	s, err := New(loop, params, Callbacks{
		OnCreateCompleted: func(success bool, name string, p *wire.StreamingParams) {
			calls++
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.failCreation()
	s.finishCreation()

	if calls != 1 {
		t.Fatalf("OnCreateCompleted fired %d times, want exactly 1", calls)
	}
	if !s.closed {
		t.Fatal("failCreation must begin teardown as ClientClose")
	}
	if s.closeReason != ClientClose {
		t.Fatalf("closeReason = %v, want ClientClose", s.closeReason)
	}
}

func TestSessionPeerWatchdogClosesAfterTimeout(t *testing.T) {
	loop := reactor.New(8)
	params := Params{
		PeerParams: wire.StreamingParams{
			VideoCodecs: []wire.VideoCodec{{Codec: "H264", Chroma: "4:2:0"}},
		},
	}
	closed := make(chan CloseReason, 1)
	s, err := New(loop, params, Callbacks{
		OnClosed: func(reason CloseReason, name, roomID string) {
			closed <- reason
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Shrink the watchdog timers so the test doesn't wait the real 3s/500ms.
	s.peerTimeout = 20 * time.Millisecond
	s.watchdogTick = 5 * time.Millisecond
	s.tr = &fakeTransport{observer: s}
	s.workerProcessStopped = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	if err := loop.Post(func() { s.schedulePeerWatchdog() }); err != nil {
		t.Fatalf("post schedulePeerWatchdog: %v", err)
	}

	select {
	case reason := <-closed:
		if reason != TimeoutClose {
			t.Fatalf("closeReason = %v, want TimeoutClose", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer watchdog to close the session")
	}
}

func TestSessionWorkerKeepaliveSentWithinWindow(t *testing.T) {
	loop := reactor.New(8)
	params := Params{
		PeerParams: wire.StreamingParams{
			VideoCodecs: []wire.VideoCodec{{Codec: "H264", Chroma: "4:2:0"}},
		},
	}
	s, err := New(loop, params, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.keepaliveInterval = 5 * time.Millisecond

	serverSide, testSide := net.Pipe()
	defer testSide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	if err := loop.Post(func() {
		s.pipeConn = reactor.NewConn(loop, 1, serverSide)
		s.scheduleWorkerKeepalive()
	}); err != nil {
		t.Fatalf("post setup: %v", err)
	}

	testSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	parser := wire.NewParser()
	buf := make([]byte, 256)
	for {
		n, err := testSide.Read(buf)
		if err != nil {
			t.Fatalf("read from worker pipe: %v", err)
		}
		frames, err := parser.Feed(buf[:n])
		if err != nil {
			t.Fatalf("parse worker pipe frame: %v", err)
		}
		found := false
		for _, f := range frames {
			if f.MsgType == wire.MsgWorkerKeepAlive {
				found = true
			}
		}
		if found {
			break
		}
	}
}

func TestSessionWorkerExitWithoutRestartClosesAsHostClose(t *testing.T) {
	loop := reactor.New(8)
	params := Params{
		PeerParams: wire.StreamingParams{
			VideoCodecs: []wire.VideoCodec{{Codec: "H264", Chroma: "4:2:0"}},
		},
	}
	closed := make(chan CloseReason, 1)
	s, err := New(loop, params, Callbacks{
		OnClosed: func(reason CloseReason, name, roomID string) {
			closed <- reason
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.tr = &fakeTransport{}
	s.rtcClosed = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	s.onWorkerExit(supervisor.ExitEvent{Code: errcode.ControlledInitFailed, Restart: false})

	select {
	case reason := <-closed:
		if reason != HostClose {
			t.Fatalf("closeReason = %v, want HostClose", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker-exit-without-restart to close the session")
	}
}

func TestSessionWorkerExitWithRestartDoesNotClose(t *testing.T) {
	loop := reactor.New(8)
	params := Params{
		PeerParams: wire.StreamingParams{
			VideoCodecs: []wire.VideoCodec{{Codec: "H264", Chroma: "4:2:0"}},
		},
	}
	closed := make(chan CloseReason, 1)
	s, err := New(loop, params, Callbacks{
		OnClosed: func(reason CloseReason, name, roomID string) {
			closed <- reason
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	s.onWorkerExit(supervisor.ExitEvent{Code: errcode.Unknown, Restart: true})

	select {
	case reason := <-closed:
		t.Fatalf("session closed unexpectedly as %v; a restart-bound exit must not tear down the session", reason)
	case <-time.After(100 * time.Millisecond):
	}
	if s.closed {
		t.Fatal("session marked closed on a restart-bound worker exit")
	}
}
