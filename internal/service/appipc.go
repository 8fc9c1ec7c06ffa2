package service

import (
	"net"
	"os"
	"path/filepath"
	"runtime"

	"github.com/Microsoft/go-winio"

	"github.com/lanthost/agent/internal/ipc"
)

// appEnvelopeHandler is invoked on the app connection's serving goroutine
// for every envelope the app sends; it is not called on the reactor Loop.
type appEnvelopeHandler func(conn *ipc.Conn, env *ipc.Envelope)

// appServer accepts the single long-lived connection from the local GUI
// app, grounded on sessionbroker.Broker's plain net.Listener + blocking
// accept loop, simplified for one connection at a time rather than a
// per-identity session table (§4.7: one app, one device).
type appServer struct {
	listener net.Listener
	onConn   appEnvelopeHandler
	onClose  func()
}

// appPipePath returns the OS-specific endpoint for the service<->app IPC
// socket, matching sessionbroker's named-pipe (Windows) / Unix-domain
// socket (elsewhere) convention.
func appPipePath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\lanthost_service_app`
	}
	return filepath.Join(os.TempDir(), "lanthost_service_app.sock")
}

func listenApp(path string, onEnv appEnvelopeHandler, onClose func()) (*appServer, error) {
	if runtime.GOOS != "windows" {
		_ = os.Remove(path)
	}
	var (
		ln  net.Listener
		err error
	)
	if runtime.GOOS == "windows" {
		ln, err = winio.ListenPipe(path, nil)
	} else {
		ln, err = net.Listen("unix", path)
	}
	if err != nil {
		return nil, err
	}
	return &appServer{listener: ln, onConn: onEnv, onClose: onClose}, nil
}

// Serve accepts connections until the listener is closed. Only one app
// connection is meaningful at a time; a second connector replaces the
// first (the service always dispatches envelopes to whichever conn called
// onConn most recently, via Service.appConn).
func (a *appServer) Serve() {
	for {
		nc, err := a.listener.Accept()
		if err != nil {
			return
		}
		go a.serveConn(nc)
	}
}

func (a *appServer) serveConn(nc net.Conn) {
	conn := ipc.NewConn(nc)
	defer conn.Close()
	for {
		env, err := conn.Recv()
		if err != nil {
			if a.onClose != nil {
				a.onClose()
			}
			return
		}
		if a.onConn != nil {
			a.onConn(conn, env)
		}
	}
}

func (a *appServer) Close() error {
	return a.listener.Close()
}
