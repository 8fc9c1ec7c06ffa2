package supervisor

import (
	"os/exec"
	"testing"

	"github.com/lanthost/agent/internal/errcode"
)

func TestLaunchParamsArgs(t *testing.T) {
	p := LaunchParams{
		PipeName:     "lanthost-worker-42",
		Width:        1920,
		Height:       1080,
		RefreshRate:  60,
		Codecs:       []string{"h264", "vp8"},
		MonitorIndex: 1,
		Negotiate:    true,
	}

	args := p.args()
	want := []string{
		"-type", "worker",
		"-name", "lanthost-worker-42",
		"-width", "1920",
		"-height", "1080",
		"-freq", "60",
		"-codecs", "h264,vp8",
		"-action", "streaming",
		"-mindex", "1",
		"-negotiate", "1",
	}
	if len(args) != len(want) {
		t.Fatalf("args length = %d, want %d (%v)", len(args), len(want), args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestNegotiateFlag(t *testing.T) {
	if got := negotiateFlag(true); got != "1" {
		t.Errorf("negotiateFlag(true) = %q, want %q", got, "1")
	}
	if got := negotiateFlag(false); got != "0" {
		t.Errorf("negotiateFlag(false) = %q, want %q", got, "0")
	}
}

func TestExitCodeOf(t *testing.T) {
	if got := exitCodeOf(nil); got != 0 {
		t.Errorf("exitCodeOf(nil) = %d, want 0", got)
	}

	cmd := exec.Command("false-command-that-does-not-exist-xyz")
	err := cmd.Run()
	if err == nil {
		t.Skip("expected Run to fail for a nonexistent binary")
	}
	if _, ok := err.(*exec.ExitError); !ok {
		// Start itself failed (binary not found); exitCodeOf falls back to -1.
		if got := exitCodeOf(err); got != -1 {
			t.Errorf("exitCodeOf(non-ExitError) = %d, want -1", got)
		}
	}
}

func TestFromExitCodeRestartThreshold(t *testing.T) {
	cases := []struct {
		exitCode int
		restart  bool
	}{
		{0, false},
		{1, false},
		{255, false},
		{256, true},
		{1000, true},
	}
	for _, c := range cases {
		_, restart := errcode.FromExitCode(c.exitCode)
		if restart != c.restart {
			t.Errorf("FromExitCode(%d) restart = %v, want %v", c.exitCode, restart, c.restart)
		}
	}
}

func TestStopPreventsRestart(t *testing.T) {
	var exits []ExitEvent
	s := New("/bin/true", false, func(e ExitEvent) {
		exits = append(exits, e)
	})
	s.Stop()
	if !s.stopped {
		t.Fatal("Stop did not set stopped")
	}
	// A nil cmd/cancel must not panic.
	s.Stop()
}

func TestReconfigureMarksNoRenegotiate(t *testing.T) {
	s := New("/bin/true", false, nil)
	s.Reconfigure(LaunchParams{Negotiate: true, Width: 640, Height: 480})
	s.mu.Lock()
	pending := s.pending
	reconfiguring := s.reconfiguring
	s.mu.Unlock()
	if pending.Negotiate {
		t.Error("Reconfigure must force Negotiate=false for relaunches")
	}
	if pending.Width != 640 || pending.Height != 480 {
		t.Errorf("Reconfigure did not store new params: %+v", pending)
	}
	if !reconfiguring {
		t.Error("Reconfigure must mark the supervisor as reconfiguring")
	}
}

func TestHandleExitForcesRestartWhenReconfiguring(t *testing.T) {
	s := New("/bin/true", false, nil)
	s.mu.Lock()
	s.reconfiguring = true
	s.pending = LaunchParams{Width: 1920, Height: 1080}
	s.mu.Unlock()

	// killProcessGroup terminates via signal: a non-zero, non->255 exit
	// code that FromExitCode alone would map to Unknown/no-restart.
	ev, restart, stopped, pending := s.handleExit(-1)

	if !restart {
		t.Fatal("handleExit must force restart for a reconfigure-triggered kill")
	}
	if !ev.Restart {
		t.Fatal("returned ExitEvent.Restart must reflect the forced restart")
	}
	if stopped {
		t.Fatal("handleExit reported stopped for a supervisor that was never stopped")
	}
	if pending.Width != 1920 || pending.Height != 1080 {
		t.Fatalf("handleExit returned stale pending params: %+v", pending)
	}
	s.mu.Lock()
	reconfiguring := s.reconfiguring
	s.mu.Unlock()
	if reconfiguring {
		t.Error("handleExit must clear reconfiguring once consumed")
	}
}

func TestHandleExitDoesNotForceRestartWhenStopped(t *testing.T) {
	s := New("/bin/true", false, nil)
	s.mu.Lock()
	s.reconfiguring = true
	s.stopped = true
	s.mu.Unlock()

	_, restart, stopped, _ := s.handleExit(-1)

	if restart {
		t.Fatal("handleExit must not force a restart once the supervisor is stopped")
	}
	if !stopped {
		t.Fatal("handleExit did not report stopped")
	}
}
