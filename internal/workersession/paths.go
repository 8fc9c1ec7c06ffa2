package workersession

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// pipePath derives the OS-specific endpoint address for a session's
// worker pipe from its random name, matching sessionbroker's named-pipe
// (Windows) / Unix-domain-socket (elsewhere) split (§4.5 step 4).
func pipePath(name string) string {
	return PipePath(name)
}

// PipePath is pipePath's exported form, used by cmd/lanthost-worker to dial
// the same endpoint address the session computes from the "-name" CLI
// argument it was launched with (§6 CLI surface).
func PipePath(name string) string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\` + name
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s.sock", name))
}
