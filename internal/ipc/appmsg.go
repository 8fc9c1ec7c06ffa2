package ipc

// Message type constants for the service<->app IPC surface (§4.7). The app
// here is the GUI the logged-in user runs, generalized from the "user
// helper" role TypeAuthRequest/TypeCapabilities (message.go) were built for —
// same Conn/Envelope framing, new message vocabulary.
const (
	TypeConfirmConnection       = "confirm_connection"
	TypeConfirmConnectionResult = "confirm_connection_result"
	TypeServiceStatus           = "service_status"
	TypeAcceptedClient          = "accepted_client"
	TypeClientStatus            = "client_status"
	TypeOperateConnection       = "operate_connection"
	TypeClipboardForward        = "clipboard_forward"
)

// ConfirmDecision is the app's answer to a ConfirmConnectionRequest.
type ConfirmDecision int

const (
	DecisionReject ConfirmDecision = iota
	DecisionAgree
	DecisionAgreeNextTime
)

// ConfirmConnectionRequest asks the app to prompt the user for permission
// before a new worker session is created for an OpenConnection that did
// not match a persisted cookie (§4.7 step 4).
type ConfirmConnectionRequest struct {
	PeerDeviceID uint64 `json:"peerDeviceId"`
	ClientOS     string `json:"clientOs"`
}

// ConfirmConnectionResult is the app's reply. AgreeNextTime tells the
// service to persist a cookie for this peer before creating the session,
// so future connections from the same peer auto-approve (§4.7 step 4).
type ConfirmConnectionResult struct {
	PeerDeviceID uint64          `json:"peerDeviceId"`
	Decision     ConfirmDecision `json:"decision"`
}

// ServiceStatus announces the service's rendezvous-connection state to the
// app: logged in, disconnected, or a login failure with its error code
// (§4.7 "announces service-ready" / "DisconnectedFromServer").
type ServiceStatus struct {
	Online   bool   `json:"online"`
	DeviceID uint64 `json:"deviceId,omitempty"`
	ErrCode  uint32 `json:"errCode,omitempty"`
}

// AcceptedClient tells the app a worker session was created and is now
// serving a peer.
type AcceptedClient struct {
	Name         string `json:"name"`
	PeerDeviceID uint64 `json:"peerDeviceId"`
	RoomID       string `json:"roomId"`
}

// ClientStatus reports a worker session's terminal outcome to the app
// after the session has fully torn down.
type ClientStatus struct {
	Name   string `json:"name"`
	Closed bool   `json:"closed"`
	Reason string `json:"reason"`
}

// OperateConnectionRequest lets the app adjust or terminate the active
// session: enable/disable input devices, change the captured resolution, or
// kick the connected peer (§4.7 "operate-connection (enable/disable
// devices, kick)"; §4.6 resolution change).
type OperateConnectionRequest struct {
	Name           string            `json:"name"`
	Kick           bool              `json:"kick"`
	EnableMouse    *bool             `json:"enableMouse,omitempty"`
	EnableKeyboard *bool             `json:"enableKeyboard,omitempty"`
	EnableGamepad  *bool             `json:"enableGamepad,omitempty"`
	Resolution     *ResolutionChange `json:"resolution,omitempty"`
}

// ResolutionChange carries a new capture resolution/monitor for an
// already-running session (§4.6 "Changing resolution ... terminating the
// running worker; the next scheduled launch picks up the new arguments").
type ResolutionChange struct {
	Width        uint32 `json:"width"`
	Height       uint32 `json:"height"`
	RefreshRate  uint32 `json:"refreshRate"`
	MonitorIndex uint32 `json:"monitorIndex"`
}

// ClipboardForward carries a clipboard update between the app and the
// active worker session's peer, piggybacking on the existing clipboard
// message shapes (ClipboardGet/ClipboardData/ClipboardSet) already used on
// the user-helper IPC surface.
type ClipboardForward struct {
	Name string `json:"name"`
	Data ClipboardData `json:"data"`
}

// ClipboardData carries one clipboard payload (text only, matching the
// worker pipe's current clipboard scope).
type ClipboardData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}
