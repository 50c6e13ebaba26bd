//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package h2map

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/net/http2"

	"github.com/bassosimone/safeconn"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// Server is the DECODE-only, multiplexed-accept H2 mapper: it serves
// HTTP/2 over one already negotiated [net.Conn] and emits a
// [mapper.StreamGenerator] yielding one child [mapper.MapResult] per
// incoming request, each carrying its own CID extension.
type Server struct {
	Path string

	cfg    *obs.Config
	logger obs.SLogger
}

var _ mapper.Mapper = (*Server)(nil)

// NewServer returns a [*Server] H2 mapper accepting substreams at path.
func NewServer(cfg *obs.Config, logger obs.SLogger, path string) *Server {
	return &Server{Path: path, cfg: cfg, logger: logger}
}

// Maps implements [mapper.Mapper].
func (m *Server) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Encode {
		return errResult(fmt.Errorf("h2map: server mapper only supports DECODE"))
	}
	conn, ok := params.C.Conn()
	if !ok {
		return errResult(fmt.Errorf("%w: h2 server expects Conn", netx.ErrBadStreamShape))
	}

	out := make(chan mapper.MapResult, m.cfg.AcceptQueueSize)
	go m.serve(ctx, cid, conn, out)
	return mapper.MapResult{C: mapper.GeneratorStream(out)}
}

func (m *Server) serve(ctx context.Context, baseCID netx.CID, conn net.Conn, out chan<- mapper.MapResult) {
	defer close(out)

	var seq uint32
	srv := &http2.Server{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != m.Path {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		pr, pw := io.Pipe()
		flusher, _ := w.(http.Flusher)
		bc := &bridgeConn{
			r:     req.Body,
			w:     pw,
			laddr: h2Addr(safeconn.LocalAddr(conn)),
			raddr: h2Addr(safeconn.RemoteAddr(conn)),
			flush: func() {
				if flusher != nil {
					flusher.Flush()
				}
			},
		}

		childCID := baseCID.Extend(seq)
		seq++
		m.logger.Info("h2AcceptStream", slog.String("cid", childCID.String()), slog.String("path", req.URL.Path))

		select {
		case out <- mapper.MapResult{C: mapper.ConnStream(bc), NewID: childCID}:
		case <-ctx.Done():
			bc.Close()
			return
		}

		w.WriteHeader(http.StatusOK)
		if flusher != nil {
			flusher.Flush()
		}
		fw := flushWriter{w: w, flusher: flusher}
		io.Copy(fw, pr)
	})

	srv.ServeConn(conn, &http2.ServeConnOpts{Handler: handler})
	conn.Close()
}

// flushWriter flushes after every write so a substream's bytes reach the
// peer as soon as they are produced, rather than waiting for HTTP/2's
// own internal buffering to drain.
type flushWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil && fw.flusher != nil {
		fw.flusher.Flush()
	}
	return n, err
}
