package workersession

import "github.com/lanthost/agent/internal/wire"

// CloseReason is the session's own four-valued teardown vocabulary
// (spec §4.5). It is always more specific than the three-valued reason the
// service ultimately reports to the rendezvous server.
type CloseReason int

const (
	ClientClose CloseReason = iota
	HostClose
	TimeoutClose
	UserKick
)

func (r CloseReason) String() string {
	switch r {
	case ClientClose:
		return "ClientClose"
	case HostClose:
		return "HostClose"
	case TimeoutClose:
		return "TimeoutClose"
	case UserKick:
		return "UserKick"
	default:
		return "Unknown"
	}
}

// ToWireReason maps the four local reasons onto the three-valued
// CloseConnectionReason carried in the server-facing CloseConnection
// message. UserKick has no dedicated server-side reason in the source
// protocol, so it collapses to ClientClose — the same lossy mapping
// spec.md §9(c) flags and keeps visible here rather than folding it
// silently into the caller.
func (r CloseReason) ToWireReason() wire.CloseConnectionReason {
	switch r {
	case HostClose:
		return wire.CloseHostClose
	case TimeoutClose:
		return wire.CloseTimeoutClose
	case ClientClose, UserKick:
		return wire.CloseClientClose
	default:
		return wire.CloseClientClose
	}
}
