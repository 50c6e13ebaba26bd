//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package resolver

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/safeconn"

	"github.com/ruci-project/ruci/internal/netutil"
	"github.com/ruci-project/ruci/obs"
)

// TCPResolver resolves names using DNS-over-TCP against a single server.
type TCPResolver struct {
	ServerAddr netip.AddrPort

	cfg    *obs.Config
	logger obs.SLogger
}

var _ Resolver = (*TCPResolver)(nil)

// NewTCPResolver returns a [*TCPResolver] querying server.
func NewTCPResolver(cfg *obs.Config, logger obs.SLogger, server netip.AddrPort) *TCPResolver {
	return &TCPResolver{ServerAddr: server, cfg: cfg, logger: logger}
}

// Resolve implements [Resolver].
func (r *TCPResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	return exchangeBoth(ctx, func(ctx context.Context) (exchanger, error) {
		conn, err := r.cfg.Dialer.DialContext(ctx, "tcp", r.ServerAddr.String())
		if err != nil {
			return nil, err
		}
		conn = netutil.WatchContext(ctx, conn)
		return &tcpExchanger{conn: conn, errClassifier: r.cfg.ErrClassifier, logger: r.logger, timeNow: r.cfg.TimeNow}, nil
	}, host)
}

// tcpExchanger wraps a TCP [net.Conn] for DNS-over-TCP exchanges.
type tcpExchanger struct {
	conn          net.Conn
	errClassifier obs.ErrClassifier
	logger        obs.SLogger
	timeNow       func() time.Time
}

func (c *tcpExchanger) Close() error { return c.conn.Close() }

func (c *tcpExchanger) Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	t0 := c.timeNow()
	deadline, _ := ctx.Deadline()
	lc := &logContext{
		errClassifier:  c.errClassifier,
		logger:         c.logger,
		localAddr:      safeconn.LocalAddr(c.conn),
		protocol:       safeconn.Network(c.conn),
		remoteAddr:     safeconn.RemoteAddr(c.conn),
		serverProtocol: "tcp",
	}
	streamDialer := dnsoverstream.NewStreamOpenerDialerTCP(unusedDialer{})
	txp := dnsoverstream.NewTransport(streamDialer, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	lc.logStart(t0, deadline, c.timeNow)
	so := dnsoverstream.NewTCPStreamOpener(c.conn)
	resp, err := txp.ExchangeWithStreamOpener(ctx, so, query)
	lc.logDone(t0, deadline, err, c.timeNow)
	return resp, err
}
