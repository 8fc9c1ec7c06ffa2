package wire

import "github.com/lanthost/agent/internal/errcode"

// VideoCodec enumerates the codec/chroma pairs a side can offer (spec §3
// StreamingParams.video_codecs).
type VideoCodec struct {
	Codec  string `json:"codec"`  // "H264" | "H265"
	Chroma string `json:"chroma"` // "4:2:0" | "4:4:4"
}

// StreamingParams is negotiated between the host's worker process and the
// client and is immutable once negotiation completes (spec §3).
type StreamingParams struct {
	VideoCodecs        []VideoCodec `json:"videoCodecs"`
	VideoWidth         uint32       `json:"videoWidth"`
	VideoHeight        uint32       `json:"videoHeight"`
	ScreenRefreshRate  uint32       `json:"screenRefreshRate"`
	AudioChannels      uint32       `json:"audioChannels"`
	AudioSampleRate    uint32       `json:"audioSampleRate"`
}

// TransportType selects which Transport variant a session should use
// (spec §6 OpenConnection.transport_type).
type TransportType int

const (
	TransportRTC TransportType = iota
	TransportTCP
	TransportForceRTC
)

// CloseConnectionReason is the coarse, three-valued reason reported to the
// rendezvous server (spec §6, §9(c) — several finer-grained local reasons
// collapse into these three).
type CloseConnectionReason int

const (
	CloseClientClose CloseConnectionReason = iota
	CloseHostClose
	CloseTimeoutClose
)

// ---- Server <-> Service ----

type AllocateDeviceID struct{}

func (*AllocateDeviceID) MsgType() uint32 { return MsgAllocateDeviceID }

type AllocateDeviceIDAck struct {
	DeviceID uint64 `json:"deviceId"`
}

func (*AllocateDeviceIDAck) MsgType() uint32 { return MsgAllocateDeviceIDAck }

type LoginDevice struct {
	DeviceID      uint64 `json:"deviceId"`
	VersionMajor  uint32 `json:"versionMajor"`
	VersionMinor  uint32 `json:"versionMinor"`
	VersionPatch  uint32 `json:"versionPatch"`
	AllowControl  bool   `json:"allowControl"`
	Cookie        string `json:"cookie"`
	OSType        string `json:"osType"`
}

func (*LoginDevice) MsgType() uint32 { return MsgLoginDevice }

type LoginDeviceAck struct {
	ErrCode errcode.Code `json:"errCode"`
}

func (*LoginDeviceAck) MsgType() uint32 { return MsgLoginDeviceAck }

type OpenConnection struct {
	ClientDeviceID  uint64          `json:"clientDeviceId"`
	ClientVersion   uint32          `json:"clientVersion"`
	RequiredVersion uint32          `json:"requiredVersion"`
	AccessToken     string          `json:"accessToken"`
	Cookie          string          `json:"cookie"`
	TransportType   TransportType   `json:"transportType"`
	StreamingParams StreamingParams `json:"streamingParams"`
	SignalingAddr   string          `json:"signalingAddr"`
	SignalingPort   uint16          `json:"signalingPort"`
	AuthToken       string          `json:"authToken"`
	RoomID          string          `json:"roomId"`
	P2PUsername     string          `json:"p2pUsername"`
	P2PPassword     string          `json:"p2pPassword"`
	ReflexServers   []string        `json:"reflexServers"`
	RelayServers    []string        `json:"relayServers"`
	ServiceID       string          `json:"serviceId"`
}

func (*OpenConnection) MsgType() uint32 { return MsgOpenConnection }

type OpenConnectionAck struct {
	ErrCode         errcode.Code     `json:"errCode"`
	TransportType   TransportType    `json:"transportType"`
	StreamingParams *StreamingParams `json:"streamingParams,omitempty"`
}

func (*OpenConnectionAck) MsgType() uint32 { return MsgOpenConnectionAck }

type CloseConnection struct {
	Reason CloseConnectionReason `json:"reason"`
	RoomID string                `json:"roomId"`
}

func (*CloseConnection) MsgType() uint32 { return MsgCloseConnection }

type KeepAlive struct{}

func (*KeepAlive) MsgType() uint32 { return MsgKeepAlive }

type KeepAliveAck struct{}

func (*KeepAliveAck) MsgType() uint32 { return MsgKeepAliveAck }

// ---- Signaling ----

type JoinRoom struct {
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId"`
}

func (*JoinRoom) MsgType() uint32 { return MsgJoinRoom }

type JoinRoomAck struct {
	ErrCode errcode.Code `json:"errCode"`
}

func (*JoinRoomAck) MsgType() uint32 { return MsgJoinRoomAck }

// SignalingLevel distinguishes in-band core control messages (spec §4.3)
// from opaque relayed key/value pairs.
type SignalingLevel int

const (
	LevelCore SignalingLevel = iota
	LevelRtc
)

type SignalingMessage struct {
	Level       SignalingLevel `json:"level"`
	CoreKey     string         `json:"coreKey,omitempty"`
	CoreValue   string         `json:"coreValue,omitempty"`
	RtcKey      string         `json:"rtcKey,omitempty"`
	RtcValue    string         `json:"rtcValue,omitempty"`
}

func (*SignalingMessage) MsgType() uint32 { return MsgSignalingMessage }

type SignalingMessageAck struct {
	ErrCode errcode.Code `json:"errCode"`
}

func (*SignalingMessageAck) MsgType() uint32 { return MsgSignalingMessageAck }

// ---- Peer <-> Peer ----

type StartTransmission struct {
	Token string `json:"token"`
}

func (*StartTransmission) MsgType() uint32 { return MsgStartTransmission }

type StartTransmissionAck struct {
	ErrCode errcode.Code `json:"errCode"`
}

func (*StartTransmissionAck) MsgType() uint32 { return MsgStartTransmissionAck }

// PeerKeepAlive is the peer-to-peer keepalive (distinct MsgType from the
// server<->service KeepAlive even though the payload shape is identical).
type PeerKeepAlive struct{}

func (*PeerKeepAlive) MsgType() uint32 { return MsgPeerKeepAlive }

type TimeSync struct {
	T0 int64 `json:"t0"`
	T1 int64 `json:"t1"`
	T2 int64 `json:"t2"`
}

func (*TimeSync) MsgType() uint32 { return MsgTimeSync }

type VideoFrame struct {
	FrameBytes     []byte `json:"frameBytes"`
	CaptureTsUs    int64  `json:"captureTsUs"`
	StartEncodeTsUs int64 `json:"startEncodeTsUs"`
	EndEncodeTsUs   int64 `json:"endEncodeTsUs"`
	Width          uint32 `json:"width"`
	Height         uint32 `json:"height"`
	IsKeyframe     bool   `json:"isKeyframe"`
	PictureID      uint64 `json:"pictureId"`
}

func (*VideoFrame) MsgType() uint32 { return MsgVideoFrame }

type AudioData struct {
	Bytes []byte `json:"bytes"`
}

func (*AudioData) MsgType() uint32 { return MsgAudioData }

type RequestKeyframe struct{}

func (*RequestKeyframe) MsgType() uint32 { return MsgRequestKeyframe }

type ReconfigureVideoEncoder struct {
	BitrateBps uint32 `json:"bitrateBps"`
}

func (*ReconfigureVideoEncoder) MsgType() uint32 { return MsgReconfigureVideoEncoder }

type SendSideStat struct {
	Bwe      uint32  `json:"bwe"`
	Nack     uint32  `json:"nack"`
	LossRate float32 `json:"lossRate"`
}

func (*SendSideStat) MsgType() uint32 { return MsgSendSideStat }

// ---- Worker <-> Session (local pipe) ----

type StartWorking struct{}

func (*StartWorking) MsgType() uint32 { return MsgStartWorking }

type StartWorkingAck struct {
	ErrCode  errcode.Code `json:"errCode"`
	MsgTypes []uint32     `json:"msgTypes"`
}

func (*StartWorkingAck) MsgType() uint32 { return MsgStartWorkingAck }

type StopWorking struct{}

func (*StopWorking) MsgType() uint32 { return MsgStopWorking }

type WorkerKeepAlive struct{}

func (*WorkerKeepAlive) MsgType() uint32 { return MsgWorkerKeepAlive }

// StreamingParamsNegotiated is sent by the worker once it has negotiated
// final codec/resolution/audio parameters with itself (spec §4.5).
type StreamingParamsNegotiated struct {
	Params StreamingParams `json:"params"`
}

func (*StreamingParamsNegotiated) MsgType() uint32 { return MsgStreamingParamsNegotiated }

// ControlData carries an opaque reliable control-channel payload over the
// TCP transport variant, which has only one stream to multiplex everything
// else onto (spec §4.4).
type ControlData struct {
	Bytes []byte `json:"bytes"`
}

func (*ControlData) MsgType() uint32 { return MsgControlData }
