package signaling

import (
	"encoding/json"
	"testing"

	"github.com/lanthost/agent/internal/wire"
)

func TestJoinSucceededStartsUnknown(t *testing.T) {
	c := New("localhost:9", "room-1", Handler{})
	if got := c.JoinSucceeded(); got != nil {
		t.Fatalf("JoinSucceeded() before any attempt = %v, want nil (unknown)", got)
	}
}

func TestDispatchJoinRoomAckSuccessSetsTriState(t *testing.T) {
	var gotAck *wire.JoinRoomAck
	c := New("localhost:9", "room-1", Handler{
		OnJoined: func(ack *wire.JoinRoomAck) { gotAck = ack },
	})

	payload, _ := wire.Marshal(&wire.JoinRoomAck{ErrCode: 0})
	c.dispatch(envelope{MsgType: wire.MsgJoinRoomAck, Payload: payload})

	got := c.JoinSucceeded()
	if got == nil || !*got {
		t.Fatalf("JoinSucceeded() = %v, want true", got)
	}
	if gotAck == nil {
		t.Fatal("expected OnJoined to be called")
	}
}

func TestDispatchJoinRoomAckFailureSetsTriState(t *testing.T) {
	c := New("localhost:9", "room-1", Handler{})
	payload, _ := wire.Marshal(&wire.JoinRoomAck{ErrCode: 3})
	c.dispatch(envelope{MsgType: wire.MsgJoinRoomAck, Payload: payload})

	got := c.JoinSucceeded()
	if got == nil || *got {
		t.Fatalf("JoinSucceeded() = %v, want false", got)
	}
}

func TestDispatchCoreCloseInvokesHandler(t *testing.T) {
	var gotKey, gotVal string
	c := New("localhost:9", "room-1", Handler{
		OnCore: func(key, value string) { gotKey = key; gotVal = value },
	})
	payload, _ := wire.Marshal(&wire.SignalingMessage{Level: wire.LevelCore, CoreKey: "close", CoreValue: "peer_left"})
	c.dispatch(envelope{MsgType: wire.MsgSignalingMessage, Payload: payload})

	if gotKey != "close" || gotVal != "peer_left" {
		t.Fatalf("OnCore got (%q, %q), want (close, peer_left)", gotKey, gotVal)
	}
}

func TestDispatchRtcForwardsOpaquePair(t *testing.T) {
	var gotKey, gotVal string
	c := New("localhost:9", "room-1", Handler{
		OnRtc: func(key, value string) { gotKey = key; gotVal = value },
	})
	payload, _ := wire.Marshal(&wire.SignalingMessage{Level: wire.LevelRtc, RtcKey: "sdp", RtcValue: "v=0..."})
	c.dispatch(envelope{MsgType: wire.MsgSignalingMessage, Payload: payload})

	if gotKey != "sdp" || gotVal != "v=0..." {
		t.Fatalf("OnRtc got (%q, %q)", gotKey, gotVal)
	}
}

func TestDispatchUnknownMsgTypeDoesNotPanic(t *testing.T) {
	c := New("localhost:9", "room-1", Handler{})
	c.dispatch(envelope{MsgType: 0xdead, Payload: json.RawMessage(`{}`)})
}
