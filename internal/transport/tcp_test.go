package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lanthost/agent/internal/reactor"
	"github.com/lanthost/agent/internal/wire"
)

type recordingObserver struct {
	NopObserver
	accepted   chan struct{}
	keyframes  chan struct{}
	dataEvents chan []byte
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		accepted:   make(chan struct{}, 1),
		keyframes:  make(chan struct{}, 1),
		dataEvents: make(chan []byte, 4),
	}
}

func (o *recordingObserver) OnAccepted()         { o.accepted <- struct{}{} }
func (o *recordingObserver) OnKeyframeRequest()  { o.keyframes <- struct{}{} }
func (o *recordingObserver) OnData(b []byte, reliable bool) {
	cp := append([]byte(nil), b...)
	o.dataEvents <- cp
}

func TestTCPTransportDispatchesRequestKeyframe(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	loop := reactor.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	conn := reactor.NewConn(loop, 1, serverConn)
	obs := newRecordingObserver()
	NewTCPTransport(conn, obs)

	select {
	case <-obs.accepted:
	case <-time.After(time.Second):
		t.Fatal("expected OnAccepted to fire")
	}

	payload, _ := wire.Marshal(&wire.RequestKeyframe{})
	frame := wire.Encode(wire.MsgRequestKeyframe, 0, payload)
	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-obs.keyframes:
	case <-time.After(time.Second):
		t.Fatal("expected OnKeyframeRequest to fire")
	}
}

func TestTCPTransportSendVideoWritesFramedMessage(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	loop := reactor.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	conn := reactor.NewConn(loop, 1, serverConn)
	obs := newRecordingObserver()
	tr := NewTCPTransport(conn, obs)

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, err := clientConn.Read(buf)
		if err != nil {
			return
		}
		readDone <- buf[:n]
	}()

	if err := tr.SendVideo(VideoFrame{FrameBytes: []byte("frame-data"), Width: 1920, Height: 1080}); err != nil {
		t.Fatalf("SendVideo: %v", err)
	}

	select {
	case data := <-readDone:
		if len(data) < wire.HeaderSize {
			t.Fatalf("got %d bytes, too short for a frame header", len(data))
		}
	case <-time.After(time.Second):
		t.Fatal("expected video frame bytes on the wire")
	}
}
