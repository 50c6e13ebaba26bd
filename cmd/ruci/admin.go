//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/ruci-project/ruci/traffic"
)

// adminServer is a consumer of the core's accounting counters, kept out
// of the engine itself: a tiny HTTP surface exposing the
// active-connection gauge (/cc) and a remote graceful-shutdown trigger
// (/stop_core), bound by default to 127.0.0.1:40681.
type adminServer struct {
	addr     string
	recorder *traffic.Recorder
	stop     context.CancelFunc

	srv *http.Server
}

func newAdminServer(addr string, recorder *traffic.Recorder, stop context.CancelFunc) *adminServer {
	return &adminServer{addr: addr, recorder: recorder, stop: stop}
}

// Start binds the admin listener and serves in the background.
func (a *adminServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/cc", a.handleConnCount)
	mux.HandleFunc("/stop_core", a.handleStopCore)
	a.srv = &http.Server{Addr: a.addr, Handler: mux}

	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	go a.srv.Serve(ln)
	return nil
}

// Shutdown gracefully stops the admin HTTP server.
func (a *adminServer) Shutdown(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

func (a *adminServer) handleConnCount(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "%d\n", a.recorder.ActiveConns())
}

func (a *adminServer) handleStopCore(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "stopping")
	a.stop()
}
