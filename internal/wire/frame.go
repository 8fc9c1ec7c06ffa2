// Package wire implements the length-delimited frame codec and the typed
// message registry shared by the rendezvous, signaling, peer-to-peer, and
// worker-IPC protocols (spec §4.2, §6).
package wire

import (
	"encoding/binary"
	"fmt"
)

// Magic identifies the start of a frame header. A header with any other
// magic is a framing error; the caller must close the connection.
const Magic uint32 = 0x6c616e74 // "lant"

// HeaderSize is the fixed size, in bytes, of a frame header:
// magic(4) + payload_size(4) + flags(4) + msg_type(4).
const HeaderSize = 16

// FlagEncrypted marks a frame's payload as encrypted. The core only
// threads this bit through; it does not itself perform encryption.
const FlagEncrypted uint32 = 1 << 0

// MaxPayloadSize bounds a single frame's payload to guard against a
// corrupt or hostile length field forcing an unbounded allocation.
const MaxPayloadSize = 32 * 1024 * 1024

// Frame is one parsed, complete message off the wire.
type Frame struct {
	Flags   uint32
	MsgType uint32
	Payload []byte
}

// Encode serializes a frame to its wire representation.
func Encode(msgType uint32, flags uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[8:12], flags)
	binary.BigEndian.PutUint32(buf[12:16], msgType)
	copy(buf[HeaderSize:], payload)
	return buf
}

// Parser is a push-based frame decoder. Bytes arrive via Feed in whatever
// chunks the transport happens to deliver them in; Parser buffers a
// partial frame verbatim across calls and only yields frames once they are
// fully present (spec §3 FramedMessage invariant, §8 property 1).
//
// Parser is not safe for concurrent use; callers drive it from a single
// reader goroutine/callback, matching the I/O reactor's read contract.
type Parser struct {
	buf []byte
}

// NewParser returns an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Reset discards any buffered partial frame. Called whenever the
// underlying stream reconnects (spec §5: "parser is reset" on reconnect).
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
}

// Feed appends newly-read bytes and returns every whole frame that is now
// available. It returns an error only when the header magic is wrong or the
// declared payload size exceeds MaxPayloadSize; the caller must close the
// connection in that case. Unknown message types are
// not a parse error — the registry's Decode distinguishes "can't frame
// this" from "don't recognize this payload".
func (p *Parser) Feed(chunk []byte) ([]Frame, error) {
	p.buf = append(p.buf, chunk...)

	var frames []Frame
	for {
		if len(p.buf) < HeaderSize {
			break
		}
		magic := binary.BigEndian.Uint32(p.buf[0:4])
		if magic != Magic {
			return frames, fmt.Errorf("wire: bad frame magic %#x", magic)
		}
		payloadSize := binary.BigEndian.Uint32(p.buf[4:8])
		if payloadSize > MaxPayloadSize {
			return frames, fmt.Errorf("wire: payload size %d exceeds max %d", payloadSize, MaxPayloadSize)
		}
		total := HeaderSize + int(payloadSize)
		if len(p.buf) < total {
			// Partial frame; wait for more bytes.
			break
		}

		flags := binary.BigEndian.Uint32(p.buf[8:12])
		msgType := binary.BigEndian.Uint32(p.buf[12:16])
		payload := make([]byte, payloadSize)
		copy(payload, p.buf[HeaderSize:total])

		frames = append(frames, Frame{Flags: flags, MsgType: msgType, Payload: payload})

		// Slide the remainder to the front. A partial frame at the tail is
		// retained verbatim for the next Feed call.
		remaining := len(p.buf) - total
		copy(p.buf, p.buf[total:])
		p.buf = p.buf[:remaining]
	}
	return frames, nil
}

// Buffered returns the number of bytes currently held for an incomplete
// frame. Exposed for tests and diagnostics only.
func (p *Parser) Buffered() int {
	return len(p.buf)
}
