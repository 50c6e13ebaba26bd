//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package tlsmap implements the TLS client and server mappers on top of
// crypto/tls. There is exactly one server mapper; alternative TLS engine
// backends plug in through the Engine field rather than through separate
// mapper types.
package tlsmap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// Engine abstracts over [*tls.Conn] construction so tests can inject a
// fake handshake via tlsstub.
type Engine interface {
	Client(conn net.Conn, config *tls.Config) Conn
	Server(conn net.Conn, config *tls.Config) Conn
	Name() string
}

// Conn abstracts over [*tls.Conn].
type Conn interface {
	ConnectionState() tls.ConnectionState
	HandshakeContext(ctx context.Context) error
	net.Conn
}

// StdlibEngine implements [Engine] using [crypto/tls].
type StdlibEngine struct{}

var _ Engine = StdlibEngine{}

func (StdlibEngine) Client(conn net.Conn, config *tls.Config) Conn { return tls.Client(conn, config) }
func (StdlibEngine) Server(conn net.Conn, config *tls.Config) Conn { return tls.Server(conn, config) }
func (StdlibEngine) Name() string                                 { return "stdlib" }

// Client is the ENCODE-side TLS mapper: it performs a client handshake
// over params.C and returns the resulting plaintext [mapper.Conn].
type Client struct {
	Config *tls.Config
	Engine Engine

	cfg    *obs.Config
	logger obs.SLogger
}

var _ mapper.Mapper = (*Client)(nil)

// NewClient returns a [*Client] TLS mapper using tlsConfig.
func NewClient(cfg *obs.Config, logger obs.SLogger, tlsConfig *tls.Config) *Client {
	runtimex.Assert(tlsConfig != nil)
	return &Client{Config: tlsConfig, Engine: StdlibEngine{}, cfg: cfg, logger: logger}
}

// Maps implements [mapper.Mapper].
func (m *Client) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Decode {
		return errResult(fmt.Errorf("tlsmap: client mapper only supports ENCODE"))
	}
	conn, ok := params.C.Conn()
	if !ok {
		return errResult(fmt.Errorf("%w: tls client expects Conn", netx.ErrBadStreamShape))
	}

	config := m.Config.Clone()
	config.Time = m.cfg.TimeNow
	tconn := m.Engine.Client(conn, config)

	t0 := m.cfg.TimeNow()
	deadline, _ := ctx.Deadline()
	logHandshakeStart(m.logger, conn, m.Engine.Name(), config, t0, deadline)
	err := tconn.HandshakeContext(ctx)
	logHandshakeDone(m.logger, m.cfg.ErrClassifier, conn, m.Engine.Name(), config, tconn.ConnectionState(), err, t0, deadline, m.cfg.TimeNow())
	if err != nil {
		tconn.Close()
		return mapper.MapResult{C: mapper.NoneStream(), Err: fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err)}
	}

	out := net.Conn(tconn)
	if len(params.B) > 0 {
		out = netx.NewEarlyDataWrapper(tconn, params.B)
	}
	return mapper.MapResult{C: mapper.ConnStream(out), A: params.A, D: withALPN(params.D, tconn.ConnectionState())}
}

// Server is the DECODE-side TLS mapper: it performs a server handshake
// over params.C.
type Server struct {
	Config *tls.Config
	Engine Engine

	cfg    *obs.Config
	logger obs.SLogger
}

var _ mapper.Mapper = (*Server)(nil)

// NewServer returns a [*Server] TLS mapper using tlsConfig.
func NewServer(cfg *obs.Config, logger obs.SLogger, tlsConfig *tls.Config) *Server {
	runtimex.Assert(tlsConfig != nil)
	return &Server{Config: tlsConfig, Engine: StdlibEngine{}, cfg: cfg, logger: logger}
}

// Maps implements [mapper.Mapper].
func (m *Server) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Encode {
		return errResult(fmt.Errorf("tlsmap: server mapper only supports DECODE"))
	}
	conn, ok := params.C.Conn()
	if !ok {
		return errResult(fmt.Errorf("%w: tls server expects Conn", netx.ErrBadStreamShape))
	}

	config := m.Config.Clone()
	config.Time = m.cfg.TimeNow
	tconn := m.Engine.Server(conn, config)

	t0 := m.cfg.TimeNow()
	deadline, _ := ctx.Deadline()
	logHandshakeStart(m.logger, conn, m.Engine.Name(), config, t0, deadline)
	err := tconn.HandshakeContext(ctx)
	logHandshakeDone(m.logger, m.cfg.ErrClassifier, conn, m.Engine.Name(), config, tconn.ConnectionState(), err, t0, deadline, m.cfg.TimeNow())
	if err != nil {
		tconn.Close()
		return mapper.MapResult{C: mapper.NoneStream(), Err: fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err)}
	}

	out := net.Conn(tconn)
	if len(params.B) > 0 {
		out = netx.NewEarlyDataWrapper(tconn, params.B)
	}
	return mapper.MapResult{C: mapper.ConnStream(out), A: params.A, D: withALPN(params.D, tconn.ConnectionState())}
}

// withALPN appends a [mapper.ALPNData] entry for the negotiated protocol,
// if any, so a following [dynchain.Finite] selector can branch on it.
func withALPN(d []mapper.Data, state tls.ConnectionState) []mapper.Data {
	if state.NegotiatedProtocol == "" {
		return d
	}
	return append(d, mapper.ALPNData{Protocol_: state.NegotiatedProtocol})
}

func logHandshakeStart(logger obs.SLogger, conn net.Conn, engine string, config *tls.Config, t0, deadline time.Time) {
	logger.Info("tlsHandshakeStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", t0),
		slog.String("tlsEngineName", engine),
		slog.Any("tlsOfferedProtocols", config.NextProtos),
		slog.String("tlsServerName", config.ServerName),
		slog.Bool("tlsSkipVerify", config.InsecureSkipVerify),
	)
}

func logHandshakeDone(logger obs.SLogger, ec obs.ErrClassifier, conn net.Conn, engine string,
	config *tls.Config, state tls.ConnectionState, err error, t0, deadline, now time.Time) {
	logger.Info("tlsHandshakeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", ec.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", now),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("tlsEngineName", engine),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
		slog.String("tlsVersion", tls.VersionName(state.Version)),
	)
}

func errResult(err error) mapper.MapResult {
	return mapper.MapResult{C: mapper.NoneStream(), Err: err}
}
