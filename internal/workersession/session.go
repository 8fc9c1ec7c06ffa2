// Package workersession implements the per-connection state machine (§4.5)
// that stitches together signaling, the transport, and the per-connection
// worker process. Exactly one Session exists per Service at a time.
package workersession

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lanthost/agent/internal/errcode"
	"github.com/lanthost/agent/internal/logging"
	"github.com/lanthost/agent/internal/reactor"
	"github.com/lanthost/agent/internal/signaling"
	"github.com/lanthost/agent/internal/supervisor"
	"github.com/lanthost/agent/internal/timesync"
	"github.com/lanthost/agent/internal/transport"
	"github.com/lanthost/agent/internal/wire"
)

var log = logging.L("workersession")

const (
	workerKeepaliveInterval = 500 * time.Millisecond
	timeSyncInterval        = 500 * time.Millisecond
	statsReportInterval     = 1 * time.Second
	peerTimeout             = 3 * time.Second
	watchdogTick            = 500 * time.Millisecond
)

// WorkerLaunch carries the parts of the supervisor's launch arguments the
// session does not own: client resolution, refresh rate, codec preference
// and the monitor to capture, all already resolved by the service from the
// incoming OpenConnection plus persisted preferences (§4.7 step 5).
type WorkerLaunch struct {
	Width        uint32
	Height       uint32
	RefreshRate  uint32
	Codecs       []string
	MonitorIndex uint32
}

// Params bundles everything a Session needs from a validated OpenConnection
// to begin creation (§4.5 "Creation").
type Params struct {
	PeerDeviceID  uint64
	RoomID        string
	AuthToken     string
	SignalingAddr string
	TransportType wire.TransportType
	PeerParams    wire.StreamingParams
	RTC           transport.RTCConfig
	Worker        WorkerLaunch
	WorkerBinary  string
	RunAsService  bool
}

// Callbacks are delivered on the Session's reactor Loop.
type Callbacks struct {
	// OnCreateCompleted fires exactly once, win or lose (§9 open question
	// (a): this implements the newer 3-arg shape only).
	OnCreateCompleted func(success bool, name string, params *wire.StreamingParams)
	// OnClosed fires exactly once, after both the transport has confirmed
	// disconnection and the worker process has exited.
	OnClosed func(reason CloseReason, name string, roomID string)
}

// Session is not safe for concurrent use: every method, Start, Kick and
// Close included, reads and writes its state without locking and must be
// called on the reactor Loop passed to New.
type Session struct {
	loop   *reactor.Loop
	name   string // "lanthost_worker_XXXX", also the local pipe endpoint name
	params Params
	cb     Callbacks

	supervisor *supervisor.Supervisor
	pipeServer *reactor.StreamServer
	pipeConn   *reactor.Conn
	pipeParser *wire.Parser

	sigClient *signaling.Client

	tcpServer *reactor.StreamServer

	tr        transport.Transport
	estimator *timesync.Estimator

	joinSignalingSuccess *bool
	negotiatedParams     *wire.StreamingParams
	createCompleted      bool

	workerRegisteredMsgTypes map[uint32]bool
	workerStarted            bool

	lastRecvTimeUs int64
	lossRate       float32

	rtcClosed            bool
	workerProcessStopped bool
	closed               bool
	closeReason          CloseReason
	closeOnce            sync.Once

	// Overridable periodic-task intervals; tests shrink these to keep the
	// watchdog/keepalive/stats loops deterministic and fast. Production
	// callers leave them at the New-assigned defaults below.
	keepaliveInterval time.Duration
	timeSyncInterval  time.Duration
	statsInterval     time.Duration
	peerTimeout       time.Duration
	watchdogTick      time.Duration
}

// New constructs a Session. It performs no I/O; call Start to begin
// creation.
func New(loop *reactor.Loop, params Params, cb Callbacks) (*Session, error) {
	if len(params.PeerParams.VideoCodecs) == 0 {
		return nil, fmt.Errorf("workersession: peer offered no supported video codec")
	}
	name, err := randomPipeName()
	if err != nil {
		return nil, fmt.Errorf("workersession: generate pipe name: %w", err)
	}
	return &Session{
		loop:                     loop,
		name:                     name,
		params:                   params,
		cb:                       cb,
		pipeParser:               wire.NewParser(),
		estimator:                timesync.New(),
		workerRegisteredMsgTypes: make(map[uint32]bool),
		lastRecvTimeUs:           nowMicros(),
		keepaliveInterval:        workerKeepaliveInterval,
		timeSyncInterval:         timeSyncInterval,
		statsInterval:            statsReportInterval,
		peerTimeout:              peerTimeout,
		watchdogTick:             watchdogTick,
	}, nil
}

// Name returns the session's pipe endpoint name, also used as its log
// identity and the name reported in on_create_completed/on_closed.
func (s *Session) Name() string { return s.name }

// Start opens the worker pipe, launches the worker process, and connects
// the signaling client. The transport is constructed once both async
// preconditions (signaling join, worker negotiation) are satisfied
// (§4.5 "Creation"); for the TCP variant construction additionally waits
// for the peer's incoming connection, since a TCPTransport wraps an
// already-accepted stream rather than a dial target.
func (s *Session) Start() error {
	srv, err := reactor.Listen(s.loop, pipePath(s.name))
	if err != nil {
		return fmt.Errorf("workersession: listen pipe: %w", err)
	}
	s.pipeServer = srv
	srv.SetOnAccept(s.onPipeAccept)
	go srv.Serve()

	if s.params.TransportType == wire.TransportTCP {
		tcpSrv, err := reactor.ListenTCP(s.loop, ":0")
		if err != nil {
			return fmt.Errorf("workersession: listen tcp: %w", err)
		}
		s.tcpServer = tcpSrv
		tcpSrv.SetOnAccept(s.onTCPAccept)
		go tcpSrv.Serve()
	}

	s.supervisor = supervisor.New(s.params.WorkerBinary, s.params.RunAsService, s.onWorkerExit)
	if err := s.supervisor.Launch(supervisor.LaunchParams{
		PipeName:     s.name,
		Width:        s.params.Worker.Width,
		Height:       s.params.Worker.Height,
		RefreshRate:  s.params.Worker.RefreshRate,
		Codecs:       s.params.Worker.Codecs,
		MonitorIndex: s.params.Worker.MonitorIndex,
		Negotiate:    true,
	}); err != nil {
		return fmt.Errorf("workersession: launch worker: %w", err)
	}

	s.sigClient = signaling.New(s.params.SignalingAddr, s.params.RoomID, signaling.Handler{
		OnJoined: func(ack *wire.JoinRoomAck) {
			s.loop.Post(func() { s.onSignalingJoined(ack) })
		},
		OnCore: func(key, value string) {
			s.loop.Post(func() { s.onSignalingCore(key, value) })
		},
		OnRtc: func(key, value string) {
			s.loop.Post(func() { s.onSignalingRtc(key, value) })
		},
		OnClosed: func() {
			s.loop.Post(func() { s.onSignalingClosed() })
		},
	})
	go s.sigClient.Run()

	s.schedulePeerWatchdog()
	return nil
}

// TCPAddr returns the locally bound TCP transport address for the peer to
// dial, or nil if this session did not negotiate the TCP variant. No code
// in this module sends it to the peer.
func (s *Session) TCPAddr() net.Addr {
	if s.tcpServer == nil {
		return nil
	}
	return s.tcpServer.Addr()
}

func (s *Session) onPipeAccept(c *reactor.Conn) {
	s.pipeConn = c
	c.SetOnRead(s.onPipeRead)
}

func (s *Session) onTCPAccept(c *reactor.Conn) {
	if s.tr != nil {
		_ = c.Close()
		return
	}
	s.tr = transport.NewTCPTransport(c, s)
	s.onTransportReady()
}

func (s *Session) onPipeRead(chunk []byte) bool {
	frames, err := s.pipeParser.Feed(chunk)
	if err != nil {
		log.Warn("worker pipe framing error", "session", s.name, "error", err)
		s.beginClose(HostClose)
		return false
	}
	for _, f := range frames {
		s.dispatchPipeFrame(f)
	}
	return true
}

func (s *Session) dispatchPipeFrame(f wire.Frame) {
	msg, err := wire.Decode(f.MsgType, f.Payload)
	if err != nil {
		log.Warn("worker pipe decode error", "session", s.name, "error", err)
		return
	}
	switch m := msg.(type) {
	case *wire.StreamingParamsNegotiated:
		s.negotiatedParams = &m.Params
		s.maybeCompleteCreation()
	case *wire.StartWorkingAck:
		s.workerStarted = m.ErrCode == errcode.Success
		for _, t := range m.MsgTypes {
			s.workerRegisteredMsgTypes[t] = true
		}
		if m.ErrCode == errcode.Success {
			s.sendStartTransmissionAck(errcode.Success)
		} else {
			log.Warn("worker failed to start working", "session", s.name, "errCode", m.ErrCode)
			s.sendStartTransmissionAck(errcode.ControlledInitFailed)
			s.beginClose(HostClose)
		}
	case *wire.VideoFrame:
		if s.tr != nil {
			_ = s.tr.SendVideo(transport.VideoFrame{
				FrameBytes:      m.FrameBytes,
				CaptureTsUs:     m.CaptureTsUs,
				StartEncodeTsUs: m.StartEncodeTsUs,
				EndEncodeTsUs:   m.EndEncodeTsUs,
				Width:           m.Width,
				Height:          m.Height,
				IsKeyframe:      m.IsKeyframe,
				PictureID:       m.PictureID,
			})
		}
	case *wire.AudioData:
		if s.tr != nil {
			_ = s.tr.SendAudio(transport.AudioPacket{Bytes: m.Bytes})
		}
	case wire.Unknown:
		log.Debug("unknown worker pipe message", "session", s.name, "type", m.Type)
	}
}

func (s *Session) sendStartTransmissionAck(code errcode.Code) {
	if s.tr == nil {
		return
	}
	payload, err := wire.Marshal(&wire.StartTransmissionAck{ErrCode: code})
	if err != nil {
		return
	}
	_ = s.tr.SendData(wire.Encode(wire.MsgStartTransmissionAck, 0, payload), true)
}

func (s *Session) onWorkerExit(ev supervisor.ExitEvent) {
	s.loop.Post(func() {
		if ev.Restart && !s.closed {
			return
		}
		s.workerProcessStopped = true
		if s.closed {
			// Teardown already began; this exit completes its worker half.
			s.finishCloseIfReady()
			return
		}
		log.Info("worker exited without restart", "session", s.name, "code", ev.Code.String())
		s.beginClose(HostClose)
	})
}

func (s *Session) onSignalingJoined(ack *wire.JoinRoomAck) {
	ok := ack.ErrCode == errcode.Success
	s.joinSignalingSuccess = &ok
	if !ok {
		s.failCreation()
		return
	}
	s.maybeCompleteCreation()
}

func (s *Session) onSignalingCore(key, value string) {
	if key == "close" {
		s.beginClose(ClientClose)
	}
}

func (s *Session) onSignalingRtc(key, value string) {
	if s.tr != nil {
		_ = s.tr.SendSignalingMessage(key, value)
	}
}

func (s *Session) onSignalingClosed() {
	if s.joinSignalingSuccess == nil {
		s.failCreation()
	}
}

// maybeCompleteCreation checks both async preconditions and, for the RTC
// variant, constructs the transport immediately since NewRTCTransport does
// not require a peer to already be connected. The TCP variant instead
// waits for onTCPAccept to supply a conn; onTransportReady finishes
// creation once both sides of that join are available.
func (s *Session) maybeCompleteCreation() {
	if s.createCompleted {
		return
	}
	if s.joinSignalingSuccess == nil || !*s.joinSignalingSuccess {
		return
	}
	if s.negotiatedParams == nil {
		return
	}

	if s.params.TransportType == wire.TransportTCP {
		if s.tr == nil {
			return // wait for onTCPAccept
		}
		s.finishCreation()
		return
	}

	tr, err := transport.NewRTCTransport(s.loop, s.params.RTC, s)
	if err != nil {
		log.Warn("failed to build rtc transport", "session", s.name, "error", err)
		s.failCreation()
		return
	}
	s.tr = tr
	s.finishCreation()
}

// onTransportReady is the TCP-variant counterpart of the RTC branch in
// maybeCompleteCreation: called once the peer's connection has been
// accepted, it re-checks whether the other precondition already landed.
func (s *Session) onTransportReady() {
	s.maybeCompleteCreation()
}

func (s *Session) finishCreation() {
	if s.createCompleted {
		return
	}
	s.createCompleted = true

	s.scheduleWorkerKeepalive()
	s.scheduleTimeSync()
	s.scheduleStatsReport()

	if s.cb.OnCreateCompleted != nil {
		s.cb.OnCreateCompleted(true, s.name, s.negotiatedParams)
	}
}

func (s *Session) failCreation() {
	if s.createCompleted {
		return
	}
	s.createCompleted = true
	if s.cb.OnCreateCompleted != nil {
		s.cb.OnCreateCompleted(false, s.name, nil)
	}
	s.beginClose(ClientClose)
}

// --- transport.Observer ---

func (s *Session) OnAccepted() {}

func (s *Session) OnConnected() {}

func (s *Session) OnDisconnected() {
	s.rtcClosed = true
	if s.closed {
		s.finishCloseIfReady()
		return
	}
	// Peer-initiated transport close (no local close already in progress):
	// tear down as ClientClose rather than waiting for the peer watchdog.
	s.beginClose(ClientClose)
}

func (s *Session) OnFailed() {
	s.beginClose(TimeoutClose)
}

func (s *Session) OnSignalingMessage(key, value string) {
	if s.sigClient != nil {
		_ = s.sigClient.SendRtc(key, value)
	}
}

func (s *Session) OnData(b []byte, reliable bool) {
	p := wire.NewParser()
	frames, err := p.Feed(b)
	if err != nil || len(frames) == 0 {
		log.Warn("malformed peer control payload", "session", s.name)
		return
	}
	for _, f := range frames {
		s.dispatchPeerFrame(f, reliable)
	}
}

func (s *Session) dispatchPeerFrame(f wire.Frame, reliable bool) {
	msg, err := wire.Decode(f.MsgType, f.Payload)
	if err != nil {
		log.Warn("peer control decode error", "session", s.name, "error", err)
		return
	}
	s.lastRecvTimeUs = nowMicros()

	switch m := msg.(type) {
	case *wire.StartTransmission:
		if m.Token != s.params.AuthToken {
			log.Warn("start transmission token mismatch", "session", s.name)
			s.sendStartTransmissionAck(errcode.AuthFailed)
			s.beginClose(ClientClose)
			return
		}
		s.sendToWorker(&wire.StartWorking{})
	case *wire.PeerKeepAlive:
		// last_recv_time_us already updated above; no reply required.
	case *wire.TimeSync:
		s.estimator.Update(timesync.Sample{T0: m.T0, T1: m.T1, T2: m.T2, T3: nowMicros()})
	case *wire.RequestKeyframe:
		s.sendToWorker(&wire.RequestKeyframe{})
	default:
		if s.workerRegisteredMsgTypes[f.MsgType] {
			s.forwardRawToWorker(f)
		} else {
			log.Debug("unhandled peer message", "session", s.name, "type", f.MsgType)
		}
	}
}

func (s *Session) OnKeyframeRequest() {
	s.sendToWorker(&wire.RequestKeyframe{})
}

func (s *Session) OnVideoBitrateUpdate(bps uint32) {
	s.sendToWorker(&wire.ReconfigureVideoEncoder{BitrateBps: bps})
}

func (s *Session) OnLossRateUpdate(frac float32) {
	s.lossRate = frac
}

// --- worker pipe helpers ---

func (s *Session) sendToWorker(msg wire.Message) {
	if s.pipeConn == nil {
		return
	}
	payload, err := wire.Marshal(msg)
	if err != nil {
		log.Warn("marshal worker message failed", "session", s.name, "error", err)
		return
	}
	s.pipeConn.Write(wire.Encode(msg.MsgType(), 0, payload), nil)
}

func (s *Session) forwardRawToWorker(f wire.Frame) {
	if s.pipeConn == nil {
		return
	}
	s.pipeConn.Write(wire.Encode(f.MsgType, f.Flags, f.Payload), nil)
}

// --- periodic tasks ---

func (s *Session) scheduleWorkerKeepalive() {
	var tick func()
	tick = func() {
		if s.closed {
			return
		}
		s.sendToWorker(&wire.WorkerKeepAlive{})
		s.loop.PostDelayed(s.keepaliveInterval, tick)
	}
	tick()
}

func (s *Session) scheduleTimeSync() {
	var tick func()
	tick = func() {
		if s.closed {
			return
		}
		if s.tr != nil {
			s.sendTimeSyncRequest()
		}
		s.loop.PostDelayed(s.timeSyncInterval, tick)
	}
	tick()
}

func (s *Session) sendTimeSyncRequest() {
	payload, err := wire.Marshal(&wire.TimeSync{T0: nowMicros()})
	if err != nil {
		return
	}
	_ = s.tr.SendData(wire.Encode(wire.MsgTimeSync, 0, payload), true)
}

func (s *Session) scheduleStatsReport() {
	var tick func()
	tick = func() {
		if s.closed {
			return
		}
		stat := &wire.SendSideStat{LossRate: s.lossRate}
		payload, err := wire.Marshal(stat)
		if err == nil && s.tr != nil {
			_ = s.tr.SendData(wire.Encode(wire.MsgSendSideStat, 0, payload), true)
		}
		s.loop.PostDelayed(s.statsInterval, tick)
	}
	tick()
}

func (s *Session) schedulePeerWatchdog() {
	var tick func()
	tick = func() {
		if s.closed {
			return
		}
		if s.tr != nil && nowMicros()-s.lastRecvTimeUs > s.peerTimeout.Microseconds() {
			s.beginClose(TimeoutClose)
			return
		}
		s.loop.PostDelayed(s.watchdogTick, tick)
	}
	tick()
}

// --- teardown ---

// Kick begins teardown with reason UserKick, per a service-level
// Operate{Kick} request (§4.7).
func (s *Session) Kick() {
	s.beginClose(UserKick)
}

// Close is Kick's unconditional counterpart, used when the service itself
// is shutting down rather than acting on an explicit kick request.
func (s *Session) Close() {
	s.beginClose(HostClose)
}

// Reconfigure changes the worker's capture parameters (resolution, refresh
// rate, monitor) on an already-running session (§4.6 "Changing resolution
// ... terminating the running worker; the next scheduled launch picks up
// the new arguments"). Before the worker has been launched it only records
// the new values, which Start then launches with.
func (s *Session) Reconfigure(width, height, refreshRate, monitorIndex uint32) {
	s.params.Worker.Width = width
	s.params.Worker.Height = height
	s.params.Worker.RefreshRate = refreshRate
	s.params.Worker.MonitorIndex = monitorIndex
	if s.supervisor == nil {
		return
	}
	s.supervisor.Reconfigure(supervisor.LaunchParams{
		PipeName:     s.name,
		Width:        width,
		Height:       height,
		RefreshRate:  refreshRate,
		Codecs:       s.params.Worker.Codecs,
		MonitorIndex: monitorIndex,
	})
}

func (s *Session) beginClose(reason CloseReason) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeReason = reason

	if s.tr != nil {
		_ = s.tr.Close()
	} else {
		s.rtcClosed = true
	}
	if s.supervisor != nil {
		s.supervisor.Stop()
	} else {
		s.workerProcessStopped = true
	}
	if s.pipeServer != nil {
		_ = s.pipeServer.Close()
	}
	if s.tcpServer != nil {
		_ = s.tcpServer.Close()
	}
	if s.sigClient != nil {
		s.sigClient.Close()
	}

	s.finishCloseIfReady()
}

func (s *Session) finishCloseIfReady() {
	if !s.closed {
		return
	}
	if !s.rtcClosed || !s.workerProcessStopped {
		return
	}
	s.closeOnce.Do(func() {
		reason := s.closeReason
		name, roomID := s.name, s.params.RoomID
		cb := s.cb.OnClosed
		// Destruction must never happen synchronously from a callback
		// already on the stack (§5); post it one more hop out.
		s.loop.Post(func() {
			if cb != nil {
				cb(reason, name, roomID)
			}
		})
	})
}

// --- misc helpers ---

func randomPipeName() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	suffix := make([]byte, 4)
	for i, b := range buf {
		suffix[i] = letters[int(b)%len(letters)]
	}
	return "lanthost_worker_" + string(suffix), nil
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}
