// Package service implements the long-lived rendezvous-facing dispatcher
// (§4.7): a login state machine against the rendezvous server, admission
// control for incoming OpenConnection requests, and the app-facing IPC
// surface a connected GUI uses to confirm/operate sessions.
package service

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/lanthost/agent/internal/config"
	"github.com/lanthost/agent/internal/errcode"
	"github.com/lanthost/agent/internal/ipc"
	"github.com/lanthost/agent/internal/logging"
	"github.com/lanthost/agent/internal/mtls"
	"github.com/lanthost/agent/internal/reactor"
	"github.com/lanthost/agent/internal/settings"
	"github.com/lanthost/agent/internal/transport"
	"github.com/lanthost/agent/internal/wire"
	"github.com/lanthost/agent/internal/workersession"
)

var log = logging.L("service")

// protocolVersion identifies this build to the rendezvous server and to
// peers, for the version gate in OpenConnection handling (§4.7 step 1).
const protocolVersion uint32 = 1

// Service owns the rendezvous connection, the app IPC listener, and at
// most one workersession.Session. All its state is touched only from its
// own reactor Loop; the rendezvous/app network goroutines only ever
// communicate with it via loop.Post.
type Service struct {
	loop  *reactor.Loop
	cfg   *config.Config
	store *settings.Store

	rend       *reactor.StreamClient
	rendParser *wire.Parser
	rendCancel context.CancelFunc

	appSrv  *appServer
	appConn *ipc.Conn

	deviceID    uint64
	accessToken string
	loggedIn    bool

	session               *workersession.Session
	sessionName           string
	confirmPending        map[uint64]bool
	pendingOpenConnection *wire.OpenConnection
	lastAppContactTime    time.Time

	// sendRend is indirected through a field (defaulting to
	// doSendRend) so tests can substitute a fake without a live
	// rendezvous connection.
	sendRend func(msg wire.Message)

	closed bool
}

// New constructs a Service from loaded config and an opened settings
// store. Call Run to start it.
func New(cfg *config.Config, store *settings.Store) *Service {
	s := &Service{
		loop:               reactor.New(cfg.ReactorMailboxSize),
		cfg:                cfg,
		store:              store,
		rendParser:         wire.NewParser(),
		confirmPending:     make(map[uint64]bool),
		lastAppContactTime: time.Now(),
	}
	s.sendRend = s.doSendRend
	return s
}

// Run drives the service until ctx is canceled. It blocks; call it from
// main's own goroutine (the reactor Loop runs on the calling goroutine,
// matching §5's "each of {Service, WorkerSession} runs one reactor on a
// dedicated OS thread").
func (s *Service) Run(ctx context.Context) error {
	if id, ok := s.store.Get(settings.KeyDeviceID); ok {
		fmt.Sscanf(id, "%d", &s.deviceID)
	}
	if tok, ok := s.store.Get(settings.KeyAccessToken); ok {
		s.accessToken = tok
	}

	rendCtx, cancel := context.WithCancel(ctx)
	s.rendCancel = cancel

	s.rend = reactor.NewCustomClient(s.loop, s.dialRendezvous)
	s.rend.SetOnConnected(s.onRendConnected)
	s.rend.SetOnDisconnected(s.onRendDisconnected)
	s.rend.SetOnRead(s.onRendRead)
	go s.rend.Run(rendCtx)

	appSrv, err := listenApp(appPipePath(), s.onAppEnvelope, s.onAppDisconnected)
	if err != nil {
		cancel()
		return fmt.Errorf("service: listen app ipc: %w", err)
	}
	s.appSrv = appSrv
	go appSrv.Serve()

	s.scheduleAppIdleWatchdog()

	s.loop.Run(ctx)

	cancel()
	_ = s.rend.Close()
	_ = s.appSrv.Close()
	return nil
}

func (s *Service) dialRendezvous(ctx context.Context) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.RendezvousAddr, s.cfg.RendezvousPort)
	tlsCfg, err := mtls.RendezvousConfig(s.cfg.RendezvousAddr, []byte(s.cfg.RendezvousCert))
	if err != nil {
		return nil, err
	}
	dialer := &tls.Dialer{Config: tlsCfg}
	return dialer.DialContext(ctx, "tcp", addr)
}

// --- rendezvous login state machine (§4.7) ---

func (s *Service) onRendConnected() {
	s.rendParser.Reset()
	if s.deviceID != 0 {
		cookie, _ := s.store.Get(settings.KeyDeviceCookie)
		s.sendRend(&wire.LoginDevice{
			DeviceID:     s.deviceID,
			VersionMajor: protocolVersion,
			AllowControl: s.store.GetBool(settings.KeyAllowControl, true),
			Cookie:       cookie,
			OSType:       osType(),
		})
		return
	}
	s.sendRend(&wire.AllocateDeviceID{})
}

func (s *Service) onRendDisconnected() {
	s.loggedIn = false
	s.notifyApp(ipc.TypeServiceStatus, &ipc.ServiceStatus{Online: false, ErrCode: uint32(errcode.ServiceStatusDisconnectedFromServer)})
	if s.session != nil {
		s.session.Close()
	}
}

func (s *Service) onRendRead(chunk []byte) bool {
	frames, err := s.rendParser.Feed(chunk)
	if err != nil {
		log.Warn("rendezvous framing error", "error", err)
		return false
	}
	for _, f := range frames {
		s.dispatchRendFrame(f)
	}
	return true
}

func (s *Service) dispatchRendFrame(f wire.Frame) {
	msg, err := wire.Decode(f.MsgType, f.Payload)
	if err != nil {
		log.Warn("rendezvous decode error", "error", err)
		return
	}
	switch m := msg.(type) {
	case *wire.AllocateDeviceIDAck:
		s.deviceID = m.DeviceID
		_ = s.store.Set(settings.KeyDeviceID, fmt.Sprintf("%d", m.DeviceID))
		s.sendRend(&wire.LoginDevice{
			DeviceID:     s.deviceID,
			VersionMajor: protocolVersion,
			AllowControl: s.store.GetBool(settings.KeyAllowControl, true),
			OSType:       osType(),
		})
	case *wire.LoginDeviceAck:
		s.onLoginDeviceAck(m)
	case *wire.KeepAliveAck:
		// no-op; presence of the reply is itself the liveness signal.
	case *wire.OpenConnection:
		s.onOpenConnection(m)
	case wire.Unknown:
		log.Debug("unknown rendezvous message", "type", m.Type)
	}
}

func (s *Service) onLoginDeviceAck(ack *wire.LoginDeviceAck) {
	if ack.ErrCode != errcode.Success {
		log.Warn("login rejected", "errCode", ack.ErrCode.String())
		// §6 supplement: do not retry LoginDevice on this connection; wait
		// for the existing TLS reconnect backoff to bring up a fresh one.
		return
	}
	s.loggedIn = true
	s.notifyApp(ipc.TypeServiceStatus, &ipc.ServiceStatus{Online: true, DeviceID: s.deviceID})
	s.scheduleKeepAlive()
}

func (s *Service) scheduleKeepAlive() {
	interval := time.Duration(s.cfg.KeepAliveIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	var tick func()
	tick = func() {
		if s.closed || !s.loggedIn {
			return
		}
		s.sendRend(&wire.KeepAlive{})
		s.loop.PostDelayed(interval, tick)
	}
	s.loop.PostDelayed(interval, tick)
}

func (s *Service) doSendRend(msg wire.Message) {
	payload, err := wire.Marshal(msg)
	if err != nil {
		log.Warn("marshal rendezvous message failed", "error", err)
		return
	}
	s.rend.Write(wire.Encode(msg.MsgType(), 0, payload), nil)
}

// --- OpenConnection admission control (§4.7 "On server OpenConnection") ---

func (s *Service) onOpenConnection(m *wire.OpenConnection) {
	if m.ClientVersion < m.RequiredVersion {
		s.ackOpenConnection(m, errcode.ClientVersionTooLow)
		return
	}
	if protocolVersion < m.RequiredVersion {
		s.ackOpenConnection(m, errcode.HostVersionTooLow)
		return
	}
	if s.session != nil || len(s.confirmPending) > 0 {
		s.ackOpenConnection(m, errcode.ServingAnotherClient)
		return
	}
	if s.accessToken == "" || m.AccessToken != s.accessToken {
		s.ackOpenConnection(m, errcode.AccessCodeInvalid)
		return
	}

	cookieKey := settings.PeerCookieKey(m.ClientDeviceID)
	stored, hasCookie := s.store.Get(cookieKey)
	if hasCookie && m.Cookie != "" && stored == m.Cookie {
		s.admitConnection(m)
		return
	}

	if s.appConn == nil {
		s.ackOpenConnection(m, errcode.AppNotOnline)
		return
	}

	s.confirmPending[m.ClientDeviceID] = true
	pending := *m
	s.pendingOpenConnection = &pending
	_ = s.appConn.SendTyped("", ipc.TypeConfirmConnection, &ipc.ConfirmConnectionRequest{
		PeerDeviceID: m.ClientDeviceID,
		ClientOS:     "",
	})
}

func (s *Service) ackOpenConnection(m *wire.OpenConnection, code errcode.Code) {
	s.sendRend(&wire.OpenConnectionAck{ErrCode: code, TransportType: m.TransportType})
}

func (s *Service) admitConnection(m *wire.OpenConnection) {
	launch := workersession.WorkerLaunch{
		Width:        m.StreamingParams.VideoWidth,
		Height:       m.StreamingParams.VideoHeight,
		RefreshRate:  m.StreamingParams.ScreenRefreshRate,
		Codecs:       codecNames(m.StreamingParams.VideoCodecs),
		MonitorIndex: 0,
	}

	sess, err := workersession.New(s.loop, workersession.Params{
		PeerDeviceID:  m.ClientDeviceID,
		RoomID:        m.RoomID,
		AuthToken:     m.AccessToken,
		SignalingAddr: fmt.Sprintf("%s:%d", m.SignalingAddr, m.SignalingPort),
		TransportType: m.TransportType,
		PeerParams:    m.StreamingParams,
		RTC: transport.RTCConfig{
			ICEServers:  buildICEServers(m),
			IgnoredNICs: ignoredNICs(s.store),
		},
		Worker:       launch,
		WorkerBinary: s.cfg.WorkerBinaryPath,
		RunAsService: s.cfg.RunAsDaemon,
	}, workersession.Callbacks{
		OnCreateCompleted: s.onSessionCreateCompleted,
		OnClosed:          s.onSessionClosed,
	})
	if err != nil {
		log.Warn("failed to construct worker session", "error", err)
		s.ackOpenConnection(m, errcode.InvalidParameter)
		return
	}

	if err := sess.Start(); err != nil {
		log.Warn("failed to start worker session", "error", err)
		s.ackOpenConnection(m, errcode.ControlledInitFailed)
		return
	}

	s.session = sess
	s.sessionName = sess.Name()
	s.ackOpenConnection(m, errcode.Success)
}

func (s *Service) onSessionCreateCompleted(success bool, name string, params *wire.StreamingParams) {
	if !success {
		log.Warn("worker session creation failed", "name", name)
		return
	}
	s.notifyApp(ipc.TypeAcceptedClient, &ipc.AcceptedClient{Name: name, RoomID: ""})
}

func (s *Service) onSessionClosed(reason workersession.CloseReason, name, roomID string) {
	s.sendRend(&wire.CloseConnection{Reason: reason.ToWireReason(), RoomID: roomID})
	s.notifyApp(ipc.TypeClientStatus, &ipc.ClientStatus{Name: name, Closed: true, Reason: reason.String()})
	s.session = nil
	s.sessionName = ""
}

// --- app IPC dispatch ---

// onAppEnvelope is called on the appServer's own connection goroutine; it
// hops onto the service's reactor Loop before touching any Service state
// (§5 reactor ownership discipline).
func (s *Service) onAppEnvelope(conn *ipc.Conn, env *ipc.Envelope) {
	s.loop.Post(func() {
		s.appConn = conn
		s.lastAppContactTime = time.Now()
		s.dispatchAppEnvelope(env)
	})
}

func (s *Service) onAppDisconnected() {
	s.loop.Post(func() {
		s.appConn = nil
		s.lastAppContactTime = time.Now()
	})
}

func (s *Service) dispatchAppEnvelope(env *ipc.Envelope) {
	switch env.Type {
	case ipc.TypeConfirmConnectionResult:
		var res ipc.ConfirmConnectionResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			log.Warn("bad confirm_connection_result payload", "error", err)
			return
		}
		s.onAppConfirmConnection(res)
	case ipc.TypeOperateConnection:
		var req ipc.OperateConnectionRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			log.Warn("bad operate_connection payload", "error", err)
			return
		}
		s.onAppOperateConnection(req)
	case ipc.TypeClipboardForward:
		var fwd ipc.ClipboardForward
		if err := json.Unmarshal(env.Payload, &fwd); err != nil {
			log.Warn("bad clipboard_forward payload", "error", err)
			return
		}
		// Clipboard forwarding rides the same worker pipe as any other
		// control message once a session exists; dropped silently
		// otherwise since there is nothing to forward to.
		_ = fwd
	default:
		log.Debug("unhandled app envelope", "type", env.Type)
	}
}

func (s *Service) onAppConfirmConnection(res ipc.ConfirmConnectionResult) {
	if !s.confirmPending[res.PeerDeviceID] || s.pendingOpenConnection == nil {
		return
	}
	delete(s.confirmPending, res.PeerDeviceID)
	m := s.pendingOpenConnection
	s.pendingOpenConnection = nil

	switch res.Decision {
	case ipc.DecisionReject:
		s.ackOpenConnection(m, errcode.UserReject)
	case ipc.DecisionAgreeNextTime:
		_ = s.store.Set(settings.PeerCookieKey(res.PeerDeviceID), m.Cookie)
		s.admitConnection(m)
	default: // DecisionAgree
		s.admitConnection(m)
	}
}

func (s *Service) onAppOperateConnection(req ipc.OperateConnectionRequest) {
	if s.session == nil || s.session.Name() != req.Name {
		return
	}
	if req.Kick {
		s.session.Kick()
		return
	}
	if req.Resolution != nil {
		s.session.Reconfigure(req.Resolution.Width, req.Resolution.Height, req.Resolution.RefreshRate, req.Resolution.MonitorIndex)
	}
}

// --- app-facing helpers shared with appipc.go ---

func (s *Service) notifyApp(msgType string, payload any) {
	if s.appConn == nil {
		return
	}
	if err := s.appConn.SendTyped("", msgType, payload); err != nil {
		log.Warn("failed to notify app", "type", msgType, "error", err)
	}
}

func (s *Service) scheduleAppIdleWatchdog() {
	var tick func()
	tick = func() {
		if s.closed {
			return
		}
		idleFor := time.Since(s.lastAppContactTime)
		limit := time.Duration(s.cfg.AppIdleTimeoutSeconds) * time.Second
		if limit > 0 && s.appConn == nil && idleFor > limit && !s.cfg.RunAsDaemon {
			log.Info("no app connection within idle timeout, self-terminating", "idleFor", idleFor)
			s.Shutdown()
			return
		}
		s.loop.PostDelayed(watchdogPoll, tick)
	}
	s.loop.PostDelayed(watchdogPoll, tick)
}

const watchdogPoll = 1 * time.Second

// Shutdown stops the service's reactor loop, tearing down any active
// session first.
func (s *Service) Shutdown() {
	if s.closed {
		return
	}
	s.closed = true
	if s.session != nil {
		s.session.Close()
	}
	if s.rendCancel != nil {
		s.rendCancel()
	}
	s.loop.Stop()
}

func codecNames(codecs []wire.VideoCodec) []string {
	names := make([]string, 0, len(codecs))
	for _, c := range codecs {
		names = append(names, c.Codec)
	}
	return names
}

func buildICEServers(m *wire.OpenConnection) []transport.ICEServer {
	var servers []transport.ICEServer
	if len(m.ReflexServers) > 0 {
		servers = append(servers, transport.ICEServer{URLs: m.ReflexServers})
	}
	if len(m.RelayServers) > 0 {
		servers = append(servers, transport.ICEServer{
			URLs:       m.RelayServers,
			Username:   m.P2PUsername,
			Credential: m.P2PPassword,
		})
	}
	return servers
}

func ignoredNICs(store *settings.Store) []string {
	v, ok := store.Get(settings.KeyIgnoredNIC)
	if !ok || v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func osType() string {
	return runtime.GOOS
}
