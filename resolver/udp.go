//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package resolver

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/safeconn"

	"github.com/ruci-project/ruci/internal/netutil"
	"github.com/ruci-project/ruci/obs"
)

// unusedDialer panics if DialContext is called: DNS exchanges in this
// package run over a connection the resolver already dialed, never by
// dialing again from inside the exchange transport.
type unusedDialer struct{}

func (unusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("resolver: DNS transport must not dial; this is a programming error")
}

// UDPResolver resolves names using DNS-over-UDP against a single server,
// dialing a fresh socket for each of the A and AAAA queries of a
// [Resolve] call.
type UDPResolver struct {
	ServerAddr netip.AddrPort

	cfg    *obs.Config
	logger obs.SLogger
}

var _ Resolver = (*UDPResolver)(nil)

// NewUDPResolver returns a [*UDPResolver] querying server.
func NewUDPResolver(cfg *obs.Config, logger obs.SLogger, server netip.AddrPort) *UDPResolver {
	return &UDPResolver{ServerAddr: server, cfg: cfg, logger: logger}
}

// Resolve implements [Resolver].
func (r *UDPResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	return exchangeBoth(ctx, func(ctx context.Context) (exchanger, error) {
		conn, err := r.cfg.Dialer.DialContext(ctx, "udp", r.ServerAddr.String())
		if err != nil {
			return nil, err
		}
		conn = netutil.WatchContext(ctx, conn)
		return &udpExchanger{conn: conn, errClassifier: r.cfg.ErrClassifier, logger: r.logger, timeNow: r.cfg.TimeNow}, nil
	}, host)
}

// udpExchanger wraps a UDP [net.Conn] for DNS-over-UDP exchanges.
type udpExchanger struct {
	conn          net.Conn
	errClassifier obs.ErrClassifier
	logger        obs.SLogger
	timeNow       func() time.Time
}

func (c *udpExchanger) Close() error { return c.conn.Close() }

func (c *udpExchanger) Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	t0 := c.timeNow()
	deadline, _ := ctx.Deadline()
	lc := &logContext{
		errClassifier:  c.errClassifier,
		logger:         c.logger,
		localAddr:      safeconn.LocalAddr(c.conn),
		protocol:       safeconn.Network(c.conn),
		remoteAddr:     safeconn.RemoteAddr(c.conn),
		serverProtocol: "udp",
	}
	txp := minest.NewDNSOverUDPTransport(unusedDialer{}, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	var rawQuery []byte
	txp.ObserveRawQuery = func(b []byte) { rawQuery = b }
	txp.ObserveRawResponse = func(b []byte) {
		c.logger.Info("dnsResponse", slog.Any("dnsRawQuery", rawQuery), slog.Any("dnsRawResponse", b))
	}
	lc.logStart(t0, deadline, c.timeNow)
	resp, err := txp.ExchangeWithConn(ctx, c.conn, query)
	lc.logDone(t0, deadline, err, c.timeNow)
	return resp, err
}

func (lc *logContext) logStart(t0, deadline time.Time, timeNow func() time.Time) {
	lc.logger.Info("dnsExchangeStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", lc.localAddr),
		slog.String("protocol", lc.protocol),
		slog.String("remoteAddr", lc.remoteAddr),
		slog.String("serverProtocol", lc.serverProtocol),
		slog.Time("t", t0),
	)
}

func (lc *logContext) logDone(t0, deadline time.Time, err error, timeNow func() time.Time) {
	lc.logger.Info("dnsExchangeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", lc.errClassifier.Classify(err)),
		slog.String("localAddr", lc.localAddr),
		slog.String("protocol", lc.protocol),
		slog.String("remoteAddr", lc.remoteAddr),
		slog.String("serverProtocol", lc.serverProtocol),
		slog.Time("t0", t0),
		slog.Time("t", timeNow()),
	)
}
