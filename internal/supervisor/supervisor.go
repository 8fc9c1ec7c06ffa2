// Package supervisor launches, monitors, and restarts the per-connection
// worker process (§4.6). It is adapted from internal/executor.Executor:
// the same exec.CommandContext / process-group-kill idiom, but long-running
// (no fixed timeout — the child runs until stopped or it exits on its own)
// and restart-aware instead of one-shot.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	gopsutil "github.com/shirou/gopsutil/v3/process"

	"github.com/lanthost/agent/internal/errcode"
	"github.com/lanthost/agent/internal/logging"
	"github.com/lanthost/agent/internal/workerpool"
)

var log = logging.L("supervisor")

// watchPool runs the blocking cmd.Wait()/liveness-poll loop for every child
// a Supervisor launches. §5 requires long operations like process wait to
// run on a worker thread that reports completion via post rather than
// blocking a reactor; one bounded pool is shared process-wide since only
// one worker child is ever live per session and sessions are few.
var watchPool = workerpool.New(8, 64)

// restartBackoff is the fixed delay §4.6 specifies before relaunching a
// worker that exited with a "please restart" (>255) exit code.
const restartBackoff = 100 * time.Millisecond

// watchdogInterval is how often the liveness poll (gopsutil, in addition to
// cmd.Wait()'s own exit notification) checks the child is still alive.
const watchdogInterval = 500 * time.Millisecond

// LaunchParams describes one worker child's CLI arguments (§6 "CLI surface
// (worker child)"). Negotiate is set only on the first launch for a
// session; after a crash/restart the worker reuses the session's already
// negotiated parameters instead of re-running negotiation.
type LaunchParams struct {
	PipeName      string
	Width         uint32
	Height        uint32
	RefreshRate   uint32
	Codecs        []string
	MonitorIndex  uint32
	Negotiate     bool
}

func (p LaunchParams) args() []string {
	return []string{
		"-type", "worker",
		"-name", p.PipeName,
		"-width", strconv.FormatUint(uint64(p.Width), 10),
		"-height", strconv.FormatUint(uint64(p.Height), 10),
		"-freq", strconv.FormatUint(uint64(p.RefreshRate), 10),
		"-codecs", strings.Join(p.Codecs, ","),
		"-action", "streaming",
		"-mindex", strconv.FormatUint(uint64(p.MonitorIndex), 10),
		"-negotiate", negotiateFlag(p.Negotiate),
	}
}

func negotiateFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ExitEvent is delivered once per terminal child exit (clean, errored, or
// about to be relaunched after a crash).
type ExitEvent struct {
	Code     errcode.Code
	ExitCode int
	Restart  bool
}

// Supervisor owns the lifecycle of a single worker child process at a time
// for one worker session. It is not safe for concurrent calls to
// Launch/Stop/Reconfigure from multiple goroutines; the owning session
// drives it from its own reactor loop and a single watchdog goroutine.
type Supervisor struct {
	binaryPath string
	asService  bool

	onExit func(ExitEvent)

	mu            sync.Mutex
	cmd           *exec.Cmd
	cancel        context.CancelFunc
	pending       LaunchParams
	stopped       bool
	reconfiguring bool
}

// New returns a Supervisor that launches copies of binaryPath. asService
// indicates the host process is itself running as a Windows service,
// which requires the token-duplication path in spawn_windows.go to place
// the worker in the active interactive session (§4.6).
func New(binaryPath string, asService bool, onExit func(ExitEvent)) *Supervisor {
	return &Supervisor{binaryPath: binaryPath, asService: asService, onExit: onExit}
}

// Launch starts the worker child with params. Call once per session; use
// Reconfigure to change resolution/monitor on an already-running worker.
func (s *Supervisor) Launch(params LaunchParams) error {
	s.mu.Lock()
	s.pending = params
	s.mu.Unlock()
	return s.spawn(params)
}

func (s *Supervisor) spawn(params LaunchParams) error {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, s.binaryPath, params.args()...)
	setProcessGroup(cmd)

	if err := spawnProcess(cmd, s.asService); err != nil {
		cancel()
		return fmt.Errorf("supervisor: spawn worker: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.cancel = cancel
	s.mu.Unlock()

	if !watchPool.Submit(func() { s.watch(cmd, params) }) {
		// Pool saturated (unexpected: far more slots than concurrent
		// sessions) — fall back rather than leaving the child unwatched.
		go s.watch(cmd, params)
	}
	return nil
}

// watch waits for the child to exit via cmd.Wait() (a gopsutil liveness
// poll runs alongside it, but the exit is reported only once Wait returns)
// and maps its exit code to the shared error
// vocabulary, relaunching on a "please restart" code (§4.6).
func (s *Supervisor) watch(cmd *exec.Cmd, params LaunchParams) {
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	var waitErr error
	for {
		select {
		case waitErr = <-waitDone:
			goto exited
		case <-ticker.C:
			if cmd.Process == nil {
				continue
			}
			proc, err := gopsutil.NewProcess(int32(cmd.Process.Pid))
			if err != nil {
				continue
			}
			running, err := proc.IsRunning()
			if err == nil && !running {
				// gopsutil observed the exit before cmd.Wait() returned;
				// keep waiting for Wait() to reap it and report the code.
				continue
			}
		}
	}

exited:
	ev, restart, stopped, pending := s.handleExit(exitCodeOf(waitErr))

	log.Info("worker exited", "exitCode", ev.ExitCode, "code", ev.Code.String(), "restart", restart, "stopped", stopped)

	if s.onExit != nil {
		s.onExit(ev)
	}

	if stopped || !restart {
		return
	}

	time.Sleep(restartBackoff)

	s.mu.Lock()
	stopped = s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	// A relaunch after a crash is never the session's first launch:
	// negotiation already completed and must not be repeated (§4.6).
	pending.Negotiate = false
	if err := s.spawn(pending); err != nil {
		log.Error("failed to relaunch worker", "error", err)
	}
}

// handleExit maps an observed exit code to the shared error vocabulary and
// decides whether the watchdog should relaunch. A Reconfigure-triggered
// kill forces a restart regardless of the OS-reported code: killProcessGroup
// terminates the child with a signal, which FromExitCode would otherwise
// map to Unknown/no-restart, stranding the session on an intentional
// resolution change instead of relaunching with the new arguments (§4.6).
func (s *Supervisor) handleExit(exitCode int) (ev ExitEvent, restart bool, stopped bool, pending LaunchParams) {
	code, restart := errcode.FromExitCode(exitCode)

	s.mu.Lock()
	stopped = s.stopped
	pending = s.pending
	reconfiguring := s.reconfiguring
	s.reconfiguring = false
	s.mu.Unlock()

	if reconfiguring && !stopped {
		restart = true
	}

	return ExitEvent{Code: code, ExitCode: exitCode, Restart: restart}, restart, stopped, pending
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Reconfigure changes the pending launch arguments (e.g. a resolution
// change) and terminates the running worker; the watchdog's restart path
// picks up the new arguments on the next launch (§4.6 "Changing resolution
// ... terminating the running worker; the next scheduled launch picks up
// the new arguments").
func (s *Supervisor) Reconfigure(params LaunchParams) {
	params.Negotiate = false
	s.mu.Lock()
	s.pending = params
	s.reconfiguring = true
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = killProcessGroup(cmd)
	}
}

// Stop terminates the worker and prevents any further relaunch.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	cmd := s.cmd
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cmd != nil && cmd.Process != nil {
		_ = killProcessGroup(cmd)
	}
}
