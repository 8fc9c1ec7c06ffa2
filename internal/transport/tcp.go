package transport

import (
	"sync"

	"github.com/lanthost/agent/internal/logging"
	"github.com/lanthost/agent/internal/reactor"
	"github.com/lanthost/agent/internal/wire"
)

var log = logging.L("transport")

// TCPTransport funnels video, audio, and control data over a single
// reliable framed stream accepted by a reactor.StreamServer — "all sends
// are effectively reliable" per §4.4. There is no bitrate-estimation
// feedback path on this variant: OnVideoBitrateUpdate is simply never
// invoked, reflecting the variant's lack of a setter rather than standing
// in a no-op method.
type TCPTransport struct {
	conn     *reactor.Conn
	observer Observer
	parser   *wire.Parser

	closeOnce sync.Once
}

// NewTCPTransport wraps an already-accepted reactor.Conn. It wires the
// conn's read callback to parse frames and dispatch them to observer.
func NewTCPTransport(conn *reactor.Conn, observer Observer) *TCPTransport {
	t := &TCPTransport{conn: conn, observer: observer, parser: wire.NewParser()}
	conn.SetOnRead(t.onRead)
	observer.OnAccepted()
	return t
}

func (t *TCPTransport) onRead(chunk []byte) bool {
	frames, err := t.parser.Feed(chunk)
	if err != nil {
		log.Warn("tcp transport framing error, closing", "error", err)
		t.Close()
		return false
	}
	for _, f := range frames {
		t.dispatch(f)
	}
	return true
}

func (t *TCPTransport) dispatch(f wire.Frame) {
	msg, err := wire.Decode(f.MsgType, f.Payload)
	if err != nil {
		log.Warn("tcp transport decode error", "error", err)
		return
	}
	switch m := msg.(type) {
	case *wire.RequestKeyframe:
		t.observer.OnKeyframeRequest()
	case *wire.SignalingMessage:
		t.observer.OnSignalingMessage(m.RtcKey, m.RtcValue)
	case *wire.ControlData:
		t.observer.OnData(m.Bytes, true)
	case wire.Unknown:
		// Any other framed payload is handed to OnData for the session
		// to interpret; a TCP transport has no dedicated channel split.
		t.observer.OnData(m.Payload, true)
	default:
		payload, _ := wire.Marshal(msg)
		t.observer.OnData(payload, true)
	}
}

func (t *TCPTransport) SendVideo(frame VideoFrame) error {
	payload, err := wire.Marshal(&wire.VideoFrame{
		FrameBytes:      frame.FrameBytes,
		CaptureTsUs:     frame.CaptureTsUs,
		StartEncodeTsUs: frame.StartEncodeTsUs,
		EndEncodeTsUs:   frame.EndEncodeTsUs,
		Width:           frame.Width,
		Height:          frame.Height,
		IsKeyframe:      frame.IsKeyframe,
		PictureID:       frame.PictureID,
	})
	if err != nil {
		return err
	}
	t.conn.Write(wire.Encode(wire.MsgVideoFrame, 0, payload), nil)
	return nil
}

func (t *TCPTransport) SendAudio(packet AudioPacket) error {
	payload, err := wire.Marshal(&wire.AudioData{Bytes: packet.Bytes})
	if err != nil {
		return err
	}
	t.conn.Write(wire.Encode(wire.MsgAudioData, 0, payload), nil)
	return nil
}

// SendData always sends reliably: the TCP transport has exactly one
// ordered stream, so the reliable flag is accepted but has no effect
// (spec §4.4 "all sends are effectively reliable").
func (t *TCPTransport) SendData(b []byte, reliable bool) error {
	payload, err := wire.Marshal(&wire.ControlData{Bytes: b})
	if err != nil {
		return err
	}
	t.conn.Write(wire.Encode(wire.MsgControlData, 0, payload), nil)
	return nil
}

func (t *TCPTransport) SendSignalingMessage(key, value string) error {
	payload, err := wire.Marshal(&wire.SignalingMessage{Level: wire.LevelRtc, RtcKey: key, RtcValue: value})
	if err != nil {
		return err
	}
	t.conn.Write(wire.Encode(wire.MsgSignalingMessage, 0, payload), nil)
	return nil
}

func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
		t.observer.OnDisconnected()
	})
	return err
}
