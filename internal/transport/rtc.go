package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/lanthost/agent/internal/logging"
	"github.com/lanthost/agent/internal/reactor"
)

var rtcLog = logging.L("transport.rtc")

// frameInterval is the nominal sample duration passed to WriteSample; pion
// only uses it to pace RTP timestamps, so an approximate 30fps/20ms value
// is adequate whether the sample is video or audio.
const frameInterval = 33 * time.Millisecond

// ICEServer mirrors the reflex/relay server list carried in OpenConnection.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// RTCConfig carries the peer-connection parameters sourced from the
// session's Room (§6 OpenConnection fields): ICE servers, P2P
// username/password, and the persisted ignored_nic filter.
type RTCConfig struct {
	ICEServers  []ICEServer
	IgnoredNICs []string
}

// RTCTransport is the WebRTC Transport variant: video/audio ride unreliable
// TrackLocalStaticSample tracks, control rides an ordered reliable
// DataChannel.
type RTCTransport struct {
	loop     *reactor.Loop
	pc       *webrtc.PeerConnection
	observer Observer

	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample
	ctrlDC     *webrtc.DataChannel

	estimator gcc.BandwidthEstimator

	closeOnce sync.Once
}

// NewRTCTransport builds a peer connection configured per cfg and wires its
// callbacks to observer. The connection is not yet started; callers drive
// SDP/ICE exchange via SendSignalingMessage/OnSignalingMessage.
//
// pion delivers its own callbacks (ICE/DTLS state changes, data channel
// messages, RTCP reads) on goroutines it owns, not on loop. Every observer
// dispatch below is posted through loop so callbacks still land on the
// owning session's reactor goroutine, matching the Observer contract and
// the TCP variant (whose reads already arrive pre-posted by the reactor).
func NewRTCTransport(loop *reactor.Loop, cfg RTCConfig, observer Observer) (*RTCTransport, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetInterfaceFilter(buildInterfaceFilter(cfg.IgnoredNICs))

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("rtc transport: register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	congestionController, err := gcc.NewInterceptor(func() (gcc.BandwidthEstimator, error) {
		return gcc.NewSendSideBWE(gcc.SendSideBWEInitialBitrate(1_000_000))
	})
	if err != nil {
		return nil, fmt.Errorf("rtc transport: gcc interceptor: %w", err)
	}
	t := &RTCTransport{loop: loop, observer: observer}
	congestionController.OnNewPeerConnection(func(id string, est gcc.BandwidthEstimator) {
		t.estimator = est
		est.OnTargetBitrateChange(func(bitrate int) {
			t.loop.Post(func() { observer.OnVideoBitrateUpdate(uint32(bitrate)) })
		})
	})
	ir.Add(congestionController)
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("rtc transport: register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(settingEngine),
	)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("rtc transport: new peer connection: %w", err)
	}

	t.pc = pc

	videoTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "lanthost")
	if err != nil {
		return nil, fmt.Errorf("rtc transport: video track: %w", err)
	}
	if _, err := pc.AddTrack(videoTrack); err != nil {
		return nil, fmt.Errorf("rtc transport: add video track: %w", err)
	}
	t.videoTrack = videoTrack

	audioTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "lanthost")
	if err != nil {
		return nil, fmt.Errorf("rtc transport: audio track: %w", err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		return nil, fmt.Errorf("rtc transport: add audio track: %w", err)
	}
	t.audioTrack = audioTrack

	ordered := true
	dc, err := pc.CreateDataChannel("control", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("rtc transport: data channel: %w", err)
	}
	t.ctrlDC = dc
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.loop.Post(func() { observer.OnData(msg.Data, true) })
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			t.loop.Post(observer.OnConnected)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			t.loop.Post(observer.OnDisconnected)
		case webrtc.PeerConnectionStateFailed:
			t.loop.Post(observer.OnFailed)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		t.loop.Post(func() { observer.OnSignalingMessage("ice_candidate", string(b)) })
	})

	if sender := firstVideoSender(pc); sender != nil {
		go t.readRTCP(sender)
	}

	observer.OnAccepted()
	return t, nil
}

func firstVideoSender(pc *webrtc.PeerConnection) *webrtc.RTPSender {
	for _, sender := range pc.GetSenders() {
		if sender.Track() != nil && sender.Track().Kind() == webrtc.RTPCodecTypeVideo {
			return sender
		}
	}
	return nil
}

// readRTCP decodes PLI/FIR as keyframe requests and NACK ratios feed the
// loss-rate callback, per §4.4.
func (t *RTCTransport) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		var nackCount, totalCount int
		for _, pkt := range pkts {
			switch p := pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				_ = p
				t.loop.Post(t.observer.OnKeyframeRequest)
			case *rtcp.TransportLayerNack:
				nackCount += len(p.Nacks)
				totalCount++
			}
		}
		if totalCount > 0 {
			rate := float32(nackCount) / float32(totalCount)
			t.loop.Post(func() { t.observer.OnLossRateUpdate(rate) })
		}
	}
}

func (t *RTCTransport) SendVideo(frame VideoFrame) error {
	return t.videoTrack.WriteSample(mediaSample(frame.FrameBytes))
}

func (t *RTCTransport) SendAudio(packet AudioPacket) error {
	return t.audioTrack.WriteSample(mediaSample(packet.Bytes))
}

func (t *RTCTransport) SendData(b []byte, reliable bool) error {
	return t.ctrlDC.Send(b)
}

func (t *RTCTransport) SendSignalingMessage(key, value string) error {
	env := struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}{key, value}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.ctrlDC.Send(b)
}

func (t *RTCTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.pc.Close()
	})
	return err
}

// buildInterfaceFilter returns a SettingEngine interface filter that drops
// any interface named in ignored. NIC enumeration prefers gopacket/pcap
// (matches device names as the OS capture layer sees them); when pcap is
// unavailable (no capture privileges, or npcap/libpcap not installed) it
// falls back to net.Interfaces and filters by name only.
func buildInterfaceFilter(ignored []string) func(string) bool {
	ignoredSet := make(map[string]bool, len(ignored))
	for _, n := range ignored {
		ignoredSet[n] = true
	}
	if len(ignoredSet) == 0 {
		return func(string) bool { return true }
	}

	if devs, err := pcap.FindAllDevs(); err == nil {
		known := make(map[string]bool, len(devs))
		for _, d := range devs {
			known[d.Name] = true
		}
		return func(name string) bool {
			if !known[name] {
				return true
			}
			return !ignoredSet[name]
		}
	}

	rtcLog.Debug("pcap device enumeration unavailable, falling back to net.Interfaces")
	known := map[string]bool{}
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			known[iface.Name] = true
		}
	}
	return func(name string) bool {
		if !known[name] {
			return true
		}
		return !ignoredSet[name]
	}
}

// mediaSample wraps raw encoded bytes for WriteSample. The pipeline doesn't
// carry an explicit per-frame duration, so a nominal interval is used;
// pion only uses Duration to pace RTP timestamps between explicit samples.
func mediaSample(b []byte) media.Sample {
	return media.Sample{Data: b, Duration: frameInterval}
}
