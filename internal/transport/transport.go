// Package transport implements the two concrete Transport variants a
// worker session can use to move video/audio/control data to the peer: a
// TCP/reactor-backed variant and a WebRTC variant built on pion/webrtc.
package transport

// VideoFrame carries one encoded frame plus its picture-timing metadata,
// all seven fields preserved through the pipeline per §4.5.
type VideoFrame struct {
	FrameBytes      []byte
	CaptureTsUs     int64
	StartEncodeTsUs int64
	EndEncodeTsUs   int64
	Width           uint32
	Height          uint32
	IsKeyframe      bool
	PictureID       uint64
}

// AudioPacket carries one encoded audio packet.
type AudioPacket struct {
	Bytes []byte
}

// Transport is implemented by exactly two concrete types (TCPTransport,
// RTCTransport) — modeled as a Go interface rather than an inheritance
// hierarchy, per the sum-type convention used throughout this module.
type Transport interface {
	SendVideo(frame VideoFrame) error
	SendAudio(packet AudioPacket) error
	SendData(b []byte, reliable bool) error
	SendSignalingMessage(key, value string) error
	Close() error
}

// Observer receives transport lifecycle and data events. All callbacks are
// delivered on the owning session's reactor loop; none fire after
// OnDisconnected.
type Observer interface {
	OnAccepted()
	OnConnected()
	OnDisconnected()
	OnFailed()
	OnSignalingMessage(key, value string)
	OnData(b []byte, reliable bool)
	OnKeyframeRequest()
	OnVideoBitrateUpdate(bps uint32)
	OnLossRateUpdate(frac float32)
}

// NopObserver is an Observer whose methods all do nothing; embed it to
// implement only the callbacks a caller cares about.
type NopObserver struct{}

func (NopObserver) OnAccepted()                        {}
func (NopObserver) OnConnected()                        {}
func (NopObserver) OnDisconnected()                     {}
func (NopObserver) OnFailed()                            {}
func (NopObserver) OnSignalingMessage(key, value string) {}
func (NopObserver) OnData(b []byte, reliable bool)       {}
func (NopObserver) OnKeyframeRequest()                   {}
func (NopObserver) OnVideoBitrateUpdate(bps uint32)      {}
func (NopObserver) OnLossRateUpdate(frac float32)        {}
