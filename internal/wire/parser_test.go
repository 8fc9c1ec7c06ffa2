package wire

import (
	"bytes"
	"testing"
)

func TestParserFeedWholeFrame(t *testing.T) {
	p := NewParser()
	raw := Encode(MsgKeepAlive, 0, nil)

	frames, err := p.Feed(raw)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].MsgType != MsgKeepAlive {
		t.Errorf("MsgType = %d, want %d", frames[0].MsgType, MsgKeepAlive)
	}
	if p.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", p.Buffered())
	}
}

func TestParserFeedSplitAcrossCalls(t *testing.T) {
	p := NewParser()
	payload := []byte(`{"bitrateBps":4000000}`)
	raw := Encode(MsgReconfigureVideoEncoder, 0, payload)

	// Feed in two chunks, split 3 bytes past the header into the payload.
	split := HeaderSize + 3
	frames, err := p.Feed(raw[:split])
	if err != nil {
		t.Fatalf("Feed first half: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("got %d frames before full payload arrived, want 0", len(frames))
	}
	if p.Buffered() != split {
		t.Errorf("Buffered() = %d, want %d", p.Buffered(), split)
	}

	frames, err = p.Feed(raw[split:])
	if err != nil {
		t.Fatalf("Feed remainder: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if !bytes.Equal(frames[0].Payload, payload) {
		t.Errorf("Payload = %q, want %q", frames[0].Payload, payload)
	}
}

func TestParserFeedMultipleFramesInOneChunk(t *testing.T) {
	p := NewParser()
	var buf []byte
	buf = append(buf, Encode(MsgKeepAlive, 0, nil)...)
	buf = append(buf, Encode(MsgKeepAliveAck, 0, nil)...)
	buf = append(buf, Encode(MsgRequestKeyframe, 0, nil)...)

	frames, err := p.Feed(buf)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	want := []uint32{MsgKeepAlive, MsgKeepAliveAck, MsgRequestKeyframe}
	for i, f := range frames {
		if f.MsgType != want[i] {
			t.Errorf("frame[%d].MsgType = %d, want %d", i, f.MsgType, want[i])
		}
	}
}

func TestParserRejectsBadMagic(t *testing.T) {
	p := NewParser()
	raw := Encode(MsgKeepAlive, 0, nil)
	raw[0] ^= 0xff

	_, err := p.Feed(raw)
	if err == nil {
		t.Fatal("expected error for corrupted magic")
	}
}

func TestParserResetDiscardsPartialFrame(t *testing.T) {
	p := NewParser()
	raw := Encode(MsgKeepAlive, 0, []byte("x"))
	if _, err := p.Feed(raw[:HeaderSize]); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if p.Buffered() == 0 {
		t.Fatal("expected buffered partial header")
	}
	p.Reset()
	if p.Buffered() != 0 {
		t.Errorf("Buffered() after Reset = %d, want 0", p.Buffered())
	}
}

func TestDecodeUnknownMsgTypeYieldsUnknown(t *testing.T) {
	msg, err := Decode(0xffffffff, []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	unk, ok := msg.(Unknown)
	if !ok {
		t.Fatalf("got %T, want Unknown", msg)
	}
	if unk.Type != 0xffffffff {
		t.Errorf("Type = %#x, want 0xffffffff", unk.Type)
	}
}

func TestDecodeRegisteredRoundTrip(t *testing.T) {
	orig := &OpenConnection{
		ClientDeviceID: 42,
		AccessToken:    "tok",
		TransportType:  TransportRTC,
	}
	payload, err := Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	msg, err := Decode(MsgOpenConnection, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := msg.(*OpenConnection)
	if !ok {
		t.Fatalf("got %T, want *OpenConnection", msg)
	}
	if got.ClientDeviceID != 42 || got.AccessToken != "tok" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}
