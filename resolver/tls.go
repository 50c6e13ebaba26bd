//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/tls.go
//

package resolver

import (
	"context"
	"crypto/tls"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/safeconn"

	"github.com/ruci-project/ruci/internal/netutil"
	"github.com/ruci-project/ruci/obs"
)

// TLSResolver resolves names using DNS-over-TLS against a single server.
type TLSResolver struct {
	ServerAddr netip.AddrPort
	ServerName string

	cfg    *obs.Config
	logger obs.SLogger
}

var _ Resolver = (*TLSResolver)(nil)

// NewTLSResolver returns a [*TLSResolver] querying server, validating its
// certificate against serverName.
func NewTLSResolver(cfg *obs.Config, logger obs.SLogger, server netip.AddrPort, serverName string) *TLSResolver {
	return &TLSResolver{ServerAddr: server, ServerName: serverName, cfg: cfg, logger: logger}
}

// Resolve implements [Resolver].
func (r *TLSResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	return exchangeBoth(ctx, func(ctx context.Context) (exchanger, error) {
		conn, err := r.cfg.Dialer.DialContext(ctx, "tcp", r.ServerAddr.String())
		if err != nil {
			return nil, err
		}
		conn = netutil.WatchContext(ctx, conn)
		tconn := tls.Client(conn, &tls.Config{ServerName: r.ServerName, Time: r.cfg.TimeNow})
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return &tlsExchanger{conn: tconn, errClassifier: r.cfg.ErrClassifier, logger: r.logger, timeNow: r.cfg.TimeNow}, nil
	}, host)
}

// tlsExchanger wraps a TLS connection for DNS-over-TLS exchanges.
type tlsExchanger struct {
	conn          *tls.Conn
	errClassifier obs.ErrClassifier
	logger        obs.SLogger
	timeNow       func() time.Time
}

func (c *tlsExchanger) Close() error { return c.conn.Close() }

func (c *tlsExchanger) Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	t0 := c.timeNow()
	deadline, _ := ctx.Deadline()
	lc := &logContext{
		errClassifier:  c.errClassifier,
		logger:         c.logger,
		localAddr:      safeconn.LocalAddr(c.conn),
		protocol:       safeconn.Network(c.conn),
		remoteAddr:     safeconn.RemoteAddr(c.conn),
		serverProtocol: "dot",
	}
	streamDialer := dnsoverstream.NewStreamOpenerDialerTCP(unusedDialer{})
	txp := dnsoverstream.NewTransport(streamDialer, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	lc.logStart(t0, deadline, c.timeNow)
	so := dnsoverstream.NewTLSStreamOpener(c.conn) // turns on padding and DNSSEC
	resp, err := txp.ExchangeWithStreamOpener(ctx, so, query)
	lc.logDone(t0, deadline, err, c.timeNow)
	return resp, err
}
