// Command lanthost-worker is the per-session worker child process the host
// (cmd/lanthost) launches for every admitted connection (spec §4.6, §6 "CLI
// surface (worker child)"). It owns none of the host's networking: it talks
// to its parent session exclusively over the local pipe/socket named by
// -name, negotiating streaming parameters once and then exchanging the
// video/audio/control frames the session forwards to and from the peer.
//
// This binary implements the worker side of that contract with synthetic
// frames rather than a real capture/encode pipeline — capture, encode, and
// input injection are explicitly out of scope for the core this module
// implements (spec §1 Non-goals).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lanthost/agent/internal/errcode"
	"github.com/lanthost/agent/internal/logging"
	"github.com/lanthost/agent/internal/reactor"
	"github.com/lanthost/agent/internal/wire"
	"github.com/lanthost/agent/internal/workersession"
)

var log = logging.L("worker")

// frameInterval is the synthetic video/audio cadence once the session asks
// this worker to start transmitting. 30fps matches a typical screen-share
// default and keeps keepalive/frame traffic visibly distinct in logs.
const frameInterval = 33 * time.Millisecond

func main() {
	var (
		name      string
		width     uint
		height    uint
		freq      uint
		codecsCSV string
		mindex    uint
		negotiate int
	)

	flag.String("type", "worker", "process role (always \"worker\")")
	flag.StringVar(&name, "name", "", "pipe/socket name to dial")
	flag.UintVar(&width, "width", 1920, "negotiated video width")
	flag.UintVar(&height, "height", 1080, "negotiated video height")
	flag.UintVar(&freq, "freq", 60, "negotiated screen refresh rate")
	flag.StringVar(&codecsCSV, "codecs", "H264", "comma-separated offered codecs")
	flag.String("action", "streaming", "worker action (always \"streaming\")")
	flag.UintVar(&mindex, "mindex", 0, "monitor index to capture")
	flag.IntVar(&negotiate, "negotiate", 0, "1 if this worker must announce negotiated params")
	flag.Parse()

	logging.Init("text", "info", os.Stderr)
	log = logging.L("worker")

	if name == "" {
		fmt.Fprintln(os.Stderr, "lanthost-worker: -name is required")
		os.Exit(int(errcode.ExitInitWorkerFailed))
	}

	w := &worker{
		params: wire.StreamingParams{
			VideoCodecs:       parseCodecs(codecsCSV),
			VideoWidth:        uint32(width),
			VideoHeight:       uint32(height),
			ScreenRefreshRate: uint32(freq),
			AudioChannels:     2,
			AudioSampleRate:   48000,
		},
		negotiate: negotiate != 0,
		monitor:   uint32(mindex),
		parser:    wire.NewParser(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w.loop = reactor.New(64)
	go w.loop.Run(ctx)

	w.client = reactor.NewPipeClient(w.loop, workersession.PipePath(name))
	w.client.SetOnConnected(w.onConnected)
	w.client.SetOnRead(w.onRead)
	w.client.SetOnDisconnected(w.onDisconnected)

	go w.client.Run(ctx)

	<-ctx.Done()
	w.client.Close()
	w.loop.Stop()
	os.Exit(w.exitCode)
}

func parseCodecs(csv string) []wire.VideoCodec {
	var codecs []wire.VideoCodec
	for _, c := range strings.Split(csv, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		codecs = append(codecs, wire.VideoCodec{Codec: c, Chroma: "4:2:0"})
	}
	if len(codecs) == 0 {
		codecs = []wire.VideoCodec{{Codec: "H264", Chroma: "4:2:0"}}
	}
	return codecs
}

// worker holds the single pipe connection's state; there is exactly one
// per process, matching one Supervisor-launched child per session.
type worker struct {
	params    wire.StreamingParams
	negotiate bool
	monitor   uint32

	loop   *reactor.Loop
	client *reactor.StreamClient
	parser *wire.Parser

	streaming    bool
	nextKeyframe bool
	nextPic      uint32
	exitCode     int
}

func (w *worker) onConnected() {
	w.parser.Reset()
	log.Info("connected to session pipe")
	if w.negotiate {
		w.send(&wire.StreamingParamsNegotiated{Params: w.params})
	}
}

func (w *worker) onDisconnected() {
	log.Info("session pipe disconnected")
}

func (w *worker) onRead(chunk []byte) bool {
	frames, err := w.parser.Feed(chunk)
	if err != nil {
		log.Warn("session pipe framing error", "error", err)
		return false
	}
	for _, f := range frames {
		w.dispatch(f)
	}
	return true
}

func (w *worker) dispatch(f wire.Frame) {
	msg, err := wire.Decode(f.MsgType, f.Payload)
	if err != nil {
		log.Warn("session pipe decode error", "error", err)
		return
	}
	switch msg.(type) {
	case *wire.StartWorking:
		w.startStreaming()
	case *wire.StopWorking:
		log.Info("session requested stop")
		w.exitCode = int(errcode.ExitOK)
		w.loop.Stop()
	case *wire.WorkerKeepAlive:
		// Liveness signal from the session; nothing to ack.
	case *wire.RequestKeyframe:
		w.nextKeyframe = true
	case *wire.ReconfigureVideoEncoder:
		// Synthetic encoder has no bitrate knob to adjust.
	}
}

func (w *worker) startStreaming() {
	if w.streaming {
		return
	}
	w.streaming = true
	w.send(&wire.StartWorkingAck{
		ErrCode: errcode.Success,
		MsgTypes: []uint32{
			wire.MsgVideoFrame,
			wire.MsgAudioData,
			wire.MsgRequestKeyframe,
			wire.MsgReconfigureVideoEncoder,
			wire.MsgSendSideStat,
		},
	})
	w.nextKeyframe = true
	w.tickFrame()
}

func (w *worker) tickFrame() {
	if !w.streaming {
		return
	}
	now := nowMicros()
	isKey := w.nextKeyframe
	w.nextKeyframe = false
	w.nextPic++

	w.send(&wire.VideoFrame{
		FrameBytes:      syntheticFrame(w.params.VideoWidth, w.params.VideoHeight, isKey),
		CaptureTsUs:     now,
		StartEncodeTsUs: now,
		EndEncodeTsUs:   now,
		Width:           w.params.VideoWidth,
		Height:          w.params.VideoHeight,
		IsKeyframe:      isKey,
		PictureID:       w.nextPic,
	})
	w.send(&wire.AudioData{Bytes: syntheticAudioFrame()})

	w.loop.PostDelayed(frameInterval, w.tickFrame)
}

func (w *worker) send(msg wire.Message) {
	payload, err := wire.Marshal(msg)
	if err != nil {
		log.Warn("marshal message failed", "error", err)
		return
	}
	w.client.Write(wire.Encode(msg.MsgType(), 0, payload), nil)
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// syntheticFrame and syntheticAudioFrame stand in for the real capture and
// encode pipeline this stub does not implement. Their only job is to give
// the transport something non-empty to carry.
func syntheticFrame(width, height uint32, keyframe bool) []byte {
	size := 64
	if keyframe {
		size = 256
	}
	b := make([]byte, size)
	binaryPutUint32(b, width)
	if len(b) >= 8 {
		binaryPutUint32(b[4:], height)
	}
	return b
}

func syntheticAudioFrame() []byte {
	return make([]byte, 48)
}

func binaryPutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
