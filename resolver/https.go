//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
//

package resolver

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverhttps"
	"github.com/bassosimone/safeconn"
	"github.com/bassosimone/sud"
	"golang.org/x/net/http2"

	"github.com/ruci-project/ruci/internal/netutil"
	"github.com/ruci-project/ruci/obs"
)

// HTTPSResolver resolves names using DNS-over-HTTPS against a single
// endpoint URL (e.g. "https://dns.google/dns-query").
type HTTPSResolver struct {
	URL        string
	ServerAddr netip.AddrPort
	ServerName string

	cfg    *obs.Config
	logger obs.SLogger
}

var _ Resolver = (*HTTPSResolver)(nil)

// NewHTTPSResolver returns an [*HTTPSResolver] querying url over a TLS
// connection dialed to server, validated against serverName.
func NewHTTPSResolver(cfg *obs.Config, logger obs.SLogger, url string, server netip.AddrPort, serverName string) *HTTPSResolver {
	return &HTTPSResolver{URL: url, ServerAddr: server, ServerName: serverName, cfg: cfg, logger: logger}
}

// Resolve implements [Resolver].
func (r *HTTPSResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	return exchangeBoth(ctx, func(ctx context.Context) (exchanger, error) {
		conn, err := r.cfg.Dialer.DialContext(ctx, "tcp", r.ServerAddr.String())
		if err != nil {
			return nil, err
		}
		conn = netutil.WatchContext(ctx, conn)
		tconn := tls.Client(conn, &tls.Config{ServerName: r.ServerName, NextProtos: []string{"h2", "http/1.1"}, Time: r.cfg.TimeNow})
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}

		// A single-use dialer feeds the already-established TLS
		// connection into an http2.Transport, bridging an already-dialed
		// connection into an http.RoundTripper.
		dialer := sud.NewSingleUseDialer(tconn)
		h2txp := &http2.Transport{DialTLSContext: dialer.DialTLSContext}
		return &httpsExchanger{
			conn: tconn, txp: h2txp, url: r.URL,
			errClassifier: r.cfg.ErrClassifier, logger: r.logger, timeNow: r.cfg.TimeNow,
		}, nil
	}, host)
}

// httpsExchanger wraps a dialed connection with an HTTP transport and
// DoH endpoint.
type httpsExchanger struct {
	conn          *tls.Conn
	txp           http.RoundTripper
	url           string
	errClassifier obs.ErrClassifier
	logger        obs.SLogger
	timeNow       func() time.Time
}

func (c *httpsExchanger) Close() error {
	c.txp.(*http2.Transport).CloseIdleConnections()
	return c.conn.Close()
}

func (c *httpsExchanger) Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	t0 := c.timeNow()
	deadline, _ := ctx.Deadline()
	lc := &logContext{
		errClassifier:  c.errClassifier,
		logger:         c.logger,
		localAddr:      safeconn.LocalAddr(c.conn),
		protocol:       safeconn.Network(c.conn),
		remoteAddr:     safeconn.RemoteAddr(c.conn),
		serverProtocol: "doh",
	}
	lc.logStart(t0, deadline, c.timeNow)
	httpReq, queryMsg, err := dnsoverhttps.NewRequestWithHook(ctx, query, c.url, func([]byte) {})
	if err != nil {
		lc.logDone(t0, deadline, err, c.timeNow)
		return nil, err
	}
	httpResp, err := c.txp.RoundTrip(httpReq)
	if err != nil {
		lc.logDone(t0, deadline, err, c.timeNow)
		return nil, err
	}
	resp, err := dnsoverhttps.ReadResponseWithHook(ctx, httpResp, queryMsg, func([]byte) {})
	lc.logDone(t0, deadline, err, c.timeNow)
	return resp, err
}
