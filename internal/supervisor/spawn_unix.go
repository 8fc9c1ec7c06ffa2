//go:build !windows

package supervisor

import "os/exec"

// spawnProcess starts cmd. asService has no effect on non-Windows
// platforms: there is no separate "interactive session" token to
// duplicate into, matching Design Notes §9's "Windows token-duplication
// path is platform-specific and belongs behind a trait" — this is the
// portable arm of that trait.
func spawnProcess(cmd *exec.Cmd, asService bool) error {
	return cmd.Start()
}
