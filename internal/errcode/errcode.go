// Package errcode defines the closed error vocabulary shared across the
// app-facing IPC, the wire protocol acks, and worker process exit codes.
package errcode

import "fmt"

// Code is the shared error enum. It is carried verbatim in OpenConnectionAck,
// LoginDeviceAck, JoinRoomAck, StartTransmissionAck and the app-IPC
// ServiceStatus notification.
type Code uint32

const (
	Success Code = iota
	Unknown
	InvalidParameter
	AccessCodeInvalid
	ServingAnotherClient
	ClientVersionTooLow
	HostVersionTooLow
	AppNotOnline
	ControlledInitFailed
	WorkerKeepAliveTimeout
	WorkerInitVideoFailed
	WorkerInitAudioFailed
	WorkerInitInputFailed
	InitDecodeRenderPipelineFailed
	UserReject
	ServiceStatusDisconnectedFromServer
	AuthFailed
)

var names = map[Code]string{
	Success:                              "Success",
	Unknown:                              "Unknown",
	InvalidParameter:                     "InvalidParameter",
	AccessCodeInvalid:                    "AccessCodeInvalid",
	ServingAnotherClient:                 "ServingAnotherClient",
	ClientVersionTooLow:                  "ClientVersionTooLow",
	HostVersionTooLow:                    "HostVersionTooLow",
	AppNotOnline:                         "AppNotOnline",
	ControlledInitFailed:                 "ControlledInitFailed",
	WorkerKeepAliveTimeout:               "WorkerKeepAliveTimeout",
	WorkerInitVideoFailed:                "WorkerInitVideoFailed",
	WorkerInitAudioFailed:                "WorkerInitAudioFailed",
	WorkerInitInputFailed:                "WorkerInitInputFailed",
	InitDecodeRenderPipelineFailed:       "InitDecodeRenderPipelineFailed",
	UserReject:                           "UserReject",
	ServiceStatusDisconnectedFromServer:  "ServiceStatusDisconnectedFromServer",
	AuthFailed:                           "AuthFailed",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// ExitCode is the worker child process exit-code vocabulary (§6). Values
// above 255 are not representable as a process exit status on any
// supported platform, so this type has no member for a restart request;
// the supervisor treats OS exit codes above its RestartThreshold (255) —
// i.e. any code it cannot tell apart from "crashed" — as "please restart"
// (§4.6).
type ExitCode int

const (
	ExitOK                               ExitCode = 0
	ExitTimeout                          ExitCode = 1
	ExitInitWorkerFailed                 ExitCode = 2
	ExitInitVideoFailed                  ExitCode = 3
	ExitInitAudioFailed                  ExitCode = 4
	ExitInitInputFailed                  ExitCode = 5
	ExitClientChangeStreamingParamsFailed ExitCode = 6
)

// RestartThreshold: any OS exit code greater than this is treated as a
// crash or an intentional "please restart" signal (§4.6).
const RestartThreshold = 255

// FromExitCode maps a worker child's OS process exit code to the shared
// error vocabulary, and reports whether the supervisor should relaunch.
//
//   - 0                    -> Success, no restart.
//   - 1..=RestartThreshold -> a specific Code, no restart (init/runtime error).
//   - > RestartThreshold   -> Unknown, restart=true (crash / restart request).
func FromExitCode(exit int) (code Code, restart bool) {
	switch {
	case exit == int(ExitOK):
		return Success, false
	case exit > RestartThreshold:
		return Unknown, true
	}
	switch ExitCode(exit) {
	case ExitTimeout:
		return WorkerKeepAliveTimeout, false
	case ExitInitWorkerFailed:
		return ControlledInitFailed, false
	case ExitInitVideoFailed:
		return WorkerInitVideoFailed, false
	case ExitInitAudioFailed:
		return WorkerInitAudioFailed, false
	case ExitInitInputFailed:
		return WorkerInitInputFailed, false
	case ExitClientChangeStreamingParamsFailed:
		return InvalidParameter, false
	default:
		return Unknown, false
	}
}
