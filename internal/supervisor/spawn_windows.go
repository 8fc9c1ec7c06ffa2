//go:build windows

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")
	modadvapi32 = windows.NewLazySystemDLL("advapi32.dll")
	moduserenv  = windows.NewLazySystemDLL("userenv.dll")

	procWTSGetActiveConsoleSessionID = modkernel32.NewProc("WTSGetActiveConsoleSessionId")
	procSetTokenInformation          = modadvapi32.NewProc("SetTokenInformation")
	procCreateProcessAsUserW         = modadvapi32.NewProc("CreateProcessAsUserW")
	procCreateEnvironmentBlock       = moduserenv.NewProc("CreateEnvironmentBlock")
	procDestroyEnvironmentBlock      = moduserenv.NewProc("DestroyEnvironmentBlock")
)

// tokenSessionID is the TOKEN_INFORMATION_CLASS value for TokenSessionId.
const tokenSessionID = 12

// spawnProcess starts cmd. When asService is true the host process is
// itself running under the Windows service control manager, which has no
// desktop/session of its own; the worker must instead be launched in the
// active interactive console session so it can capture and render to a
// real desktop (§4.6). This duplicates this process's own token, retargets its
// TokenSessionId to the active console session, and uses
// CreateProcessAsUser instead of os/exec's ordinary CreateProcess path.
// When asService is false (interactive/user-mode run), cmd.Start() already
// inherits the right session.
func spawnProcess(cmd *exec.Cmd, asService bool) error {
	if !asService {
		return cmd.Start()
	}
	return createProcessInActiveSession(cmd)
}

func createProcessInActiveSession(cmd *exec.Cmd) error {
	sessionID, _, _ := procWTSGetActiveConsoleSessionID.Call()
	if sessionID == 0xFFFFFFFF {
		return fmt.Errorf("supervisor: no active console session")
	}

	var serviceToken windows.Token
	if err := windows.OpenProcessToken(windows.CurrentProcess(),
		windows.TOKEN_DUPLICATE|windows.TOKEN_ASSIGN_PRIMARY|windows.TOKEN_QUERY|windows.TOKEN_ADJUST_DEFAULT,
		&serviceToken); err != nil {
		return fmt.Errorf("supervisor: open process token: %w", err)
	}
	defer serviceToken.Close()

	var userToken windows.Token
	if err := windows.DuplicateTokenEx(serviceToken, windows.MAXIMUM_ALLOWED, nil,
		windows.SecurityImpersonation, windows.TokenPrimary, &userToken); err != nil {
		return fmt.Errorf("supervisor: duplicate token: %w", err)
	}
	defer userToken.Close()

	sid := uint32(sessionID)
	ret, _, err := procSetTokenInformation.Call(
		uintptr(userToken),
		uintptr(tokenSessionID),
		uintptr(unsafe.Pointer(&sid)),
		unsafe.Sizeof(sid),
	)
	if ret == 0 {
		return fmt.Errorf("supervisor: set token session id: %w", err)
	}

	var envBlock uintptr
	procCreateEnvironmentBlock.Call(uintptr(unsafe.Pointer(&envBlock)), uintptr(userToken), 0)
	if envBlock != 0 {
		defer procDestroyEnvironmentBlock.Call(envBlock)
	}

	cmdLine := buildCommandLine(cmd.Path, cmd.Args)
	cmdLinePtr, err := syscall.UTF16PtrFromString(cmdLine)
	if err != nil {
		return fmt.Errorf("supervisor: command line: %w", err)
	}

	dir := cmd.Dir
	if dir == "" {
		dir, _ = os.Getwd()
	}
	dirPtr, err := syscall.UTF16PtrFromString(dir)
	if err != nil {
		return fmt.Errorf("supervisor: working dir: %w", err)
	}

	const (
		creationFlags      = 0x00000010 // CREATE_NEW_CONSOLE
		creationUnicodeEnv = 0x00000400 // CREATE_UNICODE_ENVIRONMENT
	)

	si := new(windows.StartupInfo)
	si.Cb = uint32(unsafe.Sizeof(*si))
	si.ShowWindow = windows.SW_HIDE
	si.Flags = windows.STARTF_USESHOWWINDOW
	desktop, _ := syscall.UTF16PtrFromString(`winsta0\default`)
	si.Desktop = desktop

	pi := new(windows.ProcessInformation)

	flags := uint32(creationFlags)
	if envBlock != 0 {
		flags |= creationUnicodeEnv
	}

	ret, _, err = procCreateProcessAsUserW.Call(
		uintptr(userToken),
		0,
		uintptr(unsafe.Pointer(cmdLinePtr)),
		0, 0, 0,
		uintptr(flags),
		envBlock,
		uintptr(unsafe.Pointer(dirPtr)),
		uintptr(unsafe.Pointer(si)),
		uintptr(unsafe.Pointer(pi)),
	)
	if ret == 0 {
		return fmt.Errorf("supervisor: CreateProcessAsUser: %w", err)
	}

	windows.CloseHandle(pi.Thread)
	proc, err := os.FindProcess(int(pi.ProcessId))
	if err != nil {
		windows.CloseHandle(pi.Process)
		return fmt.Errorf("supervisor: find spawned process: %w", err)
	}
	cmd.Process = proc
	windows.CloseHandle(pi.Process)
	return nil
}

func buildCommandLine(path string, args []string) string {
	quoted := make([]string, 0, len(args))
	for i, a := range args {
		if i == 0 {
			quoted = append(quoted, quoteArg(path))
			continue
		}
		quoted = append(quoted, quoteArg(a))
	}
	return strings.Join(quoted, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\"") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
