//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package quicmap implements the QUIC client and server mappers: each
// QUIC stream is adopted directly as the [mapper.Stream]'s Conn, and the
// server is a multiplexed-accept [mapper.Generator] over incoming
// connections' streams.
package quicmap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// streamConn adapts a [*quic.Stream] (no addressing of its own) into a
// [net.Conn] using the parent [*quic.Conn]'s addresses.
type streamConn struct {
	*quic.Stream
	laddr, raddr net.Addr
}

func (c *streamConn) LocalAddr() net.Addr  { return c.laddr }
func (c *streamConn) RemoteAddr() net.Addr { return c.raddr }

func wrapStream(s *quic.Stream, conn *quic.Conn) *streamConn {
	return &streamConn{Stream: s, laddr: conn.LocalAddr(), raddr: conn.RemoteAddr()}
}

// Client is the ENCODE-only QUIC mapper: it dials Target once per call
// and opens one bidirectional stream.
type Client struct {
	Target     string
	TLSConfig  *tls.Config
	QUICConfig *quic.Config

	cfg    *obs.Config
	logger obs.SLogger
}

var _ mapper.Mapper = (*Client)(nil)

// NewClient returns a [*Client] QUIC mapper dialing target.
func NewClient(cfg *obs.Config, logger obs.SLogger, target string, tlsConfig *tls.Config) *Client {
	return &Client{Target: target, TLSConfig: tlsConfig, cfg: cfg, logger: logger}
}

// Maps implements [mapper.Mapper].
func (c *Client) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Decode {
		return errResult(fmt.Errorf("quicmap: client mapper only supports ENCODE"))
	}
	if !params.C.IsNone() {
		return errResult(fmt.Errorf("%w: quic client expects StreamNone", netx.ErrBadStreamShape))
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	t0 := c.cfg.TimeNow()
	c.logger.Info("quicDialStart", slog.String("target", c.Target), slog.Time("t", t0))

	qconn, err := quic.DialAddr(dialCtx, c.Target, c.TLSConfig, c.QUICConfig)
	if err != nil {
		c.logger.Info("quicDialDone", slog.Any("err", err), slog.Time("t0", t0), slog.Time("t", c.cfg.TimeNow()))
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	c.logger.Info("quicDialDone", slog.Time("t0", t0), slog.Time("t", c.cfg.TimeNow()))

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(0, "")
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}

	if len(params.B) > 0 {
		if _, err := stream.Write(params.B); err != nil {
			return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
		}
	}

	return mapper.MapResult{C: mapper.ConnStream(wrapStream(stream, qconn)), A: params.A, D: params.D}
}

// Server is the DECODE-only, multiplexed-accept QUIC mapper: it listens
// on Addr and emits one child [mapper.MapResult] per accepted stream
// (across every accepted connection), each carrying its own CID
// extension.
type Server struct {
	Addr       string
	TLSConfig  *tls.Config
	QUICConfig *quic.Config

	cfg    *obs.Config
	logger obs.SLogger

	ln *quic.Listener
}

var _ mapper.Mapper = (*Server)(nil)

// NewServer returns a [*Server] QUIC mapper bound to addr.
func NewServer(cfg *obs.Config, logger obs.SLogger, addr string, tlsConfig *tls.Config) *Server {
	return &Server{Addr: addr, TLSConfig: tlsConfig, cfg: cfg, logger: logger}
}

// Listen binds the underlying UDP socket. Must be called before
// [Server.Maps].
func (s *Server) Listen(ctx context.Context) error {
	ln, err := quic.ListenAddr(s.Addr, s.TLSConfig, s.QUICConfig)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Close stops accepting new QUIC connections.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// Maps implements [mapper.Mapper].
func (s *Server) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Encode {
		return errResult(fmt.Errorf("quicmap: server mapper only supports DECODE"))
	}
	if !params.C.IsNone() {
		return errResult(fmt.Errorf("%w: quic server expects StreamNone", netx.ErrBadStreamShape))
	}

	out := make(chan mapper.MapResult, s.cfg.AcceptQueueSize)
	go s.acceptLoop(ctx, cid, out)
	return mapper.MapResult{C: mapper.GeneratorStream(out)}
}

func (s *Server) acceptLoop(ctx context.Context, baseCID netx.CID, out chan<- mapper.MapResult) {
	// out must outlive every per-connection stream-accept goroutine, or a
	// late substream would send on a closed channel.
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(out)
	}()

	var connSeq uint32
	for {
		qconn, err := s.ln.Accept(ctx)
		if err != nil {
			s.logger.Info("quicAcceptDone", slog.Any("err", err))
			return
		}
		connCID := baseCID.Extend(connSeq)
		connSeq++
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, connCID, qconn, out)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, connCID netx.CID, qconn *quic.Conn, out chan<- mapper.MapResult) {
	var streamSeq uint32
	for {
		stream, err := qconn.AcceptStream(ctx)
		if err != nil {
			return
		}
		childCID := connCID.Extend(streamSeq)
		streamSeq++
		s.logger.Info("quicAcceptStream", slog.String("cid", childCID.String()))

		select {
		case out <- mapper.MapResult{C: mapper.ConnStream(wrapStream(stream, qconn)), NewID: childCID}:
		case <-ctx.Done():
			return
		}
	}
}

func errResult(err error) mapper.MapResult {
	return mapper.MapResult{C: mapper.NoneStream(), Err: err}
}
