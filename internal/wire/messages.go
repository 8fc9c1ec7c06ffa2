package wire

import "encoding/json"

// Message ids. The registry equates one uint32 id with one Go type,
// generalizing the teacher's string-id IPC registry (internal/ipc/message.go)
// to the three wire surfaces this spec describes: server<->service,
// signaling, and peer<->peer / worker<->session (which share the same
// frame format, per spec §4.2).
const (
	MsgAllocateDeviceID uint32 = iota + 1
	MsgAllocateDeviceIDAck
	MsgLoginDevice
	MsgLoginDeviceAck
	MsgOpenConnection
	MsgOpenConnectionAck
	MsgCloseConnection
	MsgKeepAlive
	MsgKeepAliveAck

	MsgJoinRoom
	MsgJoinRoomAck
	MsgSignalingMessage
	MsgSignalingMessageAck

	MsgStartTransmission
	MsgStartTransmissionAck
	MsgPeerKeepAlive
	MsgTimeSync
	MsgVideoFrame
	MsgAudioData
	MsgRequestKeyframe
	MsgReconfigureVideoEncoder
	MsgSendSideStat

	MsgStartWorking
	MsgStartWorkingAck
	MsgStopWorking
	MsgWorkerKeepAlive
	MsgStreamingParamsNegotiated

	MsgControlData
)

// Message is implemented by every registered wire payload type.
type Message interface {
	MsgType() uint32
}

// Unknown wraps a frame whose msg_type has no registered Go type. Per
// spec §4.2 / §8 property 2, an unknown type is logged and skipped, never
// treated as a framing error.
type Unknown struct {
	Type    uint32
	Payload []byte
}

func (Unknown) MsgType() uint32 { return 0 }

type constructor func() Message

var registry = map[uint32]constructor{
	MsgAllocateDeviceID:          func() Message { return &AllocateDeviceID{} },
	MsgAllocateDeviceIDAck:       func() Message { return &AllocateDeviceIDAck{} },
	MsgLoginDevice:               func() Message { return &LoginDevice{} },
	MsgLoginDeviceAck:            func() Message { return &LoginDeviceAck{} },
	MsgOpenConnection:            func() Message { return &OpenConnection{} },
	MsgOpenConnectionAck:         func() Message { return &OpenConnectionAck{} },
	MsgCloseConnection:           func() Message { return &CloseConnection{} },
	MsgKeepAlive:                 func() Message { return &KeepAlive{} },
	MsgKeepAliveAck:              func() Message { return &KeepAliveAck{} },

	MsgJoinRoom:                  func() Message { return &JoinRoom{} },
	MsgJoinRoomAck:               func() Message { return &JoinRoomAck{} },
	MsgSignalingMessage:          func() Message { return &SignalingMessage{} },
	MsgSignalingMessageAck:       func() Message { return &SignalingMessageAck{} },

	MsgStartTransmission:         func() Message { return &StartTransmission{} },
	MsgStartTransmissionAck:      func() Message { return &StartTransmissionAck{} },
	MsgPeerKeepAlive:             func() Message { return &PeerKeepAlive{} },
	MsgTimeSync:                  func() Message { return &TimeSync{} },
	MsgVideoFrame:                func() Message { return &VideoFrame{} },
	MsgAudioData:                 func() Message { return &AudioData{} },
	MsgRequestKeyframe:           func() Message { return &RequestKeyframe{} },
	MsgReconfigureVideoEncoder:   func() Message { return &ReconfigureVideoEncoder{} },
	MsgSendSideStat:              func() Message { return &SendSideStat{} },

	MsgStartWorking:              func() Message { return &StartWorking{} },
	MsgStartWorkingAck:           func() Message { return &StartWorkingAck{} },
	MsgStopWorking:               func() Message { return &StopWorking{} },
	MsgWorkerKeepAlive:           func() Message { return &WorkerKeepAlive{} },
	MsgStreamingParamsNegotiated: func() Message { return &StreamingParamsNegotiated{} },

	MsgControlData: func() Message { return &ControlData{} },
}

// Decode looks up msgType in the registry and unmarshals payload into the
// matching Go type. An unregistered id yields Unknown, not an error — the
// caller logs and continues (spec §4.2).
func Decode(msgType uint32, payload []byte) (Message, error) {
	ctor, ok := registry[msgType]
	if !ok {
		return Unknown{Type: msgType, Payload: payload}, nil
	}
	msg := ctor()
	if len(payload) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Marshal serializes a registered Message's payload for framing.
func Marshal(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
