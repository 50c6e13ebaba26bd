//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package h2map

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/net/http2"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// MuxClient is the ENCODE-only, session-reusing H2 mapper: it owns its
// own dial and (optional) TLS handshake to Target, and multiplexes every
// [MuxClient.Maps] call as one more stream over a single shared
// [*http2.ClientConn], establishing or replacing that session lazily and
// under [MuxClient.mu] only for the duration of the handshake.
type MuxClient struct {
	Target    string // dial address, e.g. "example.com:443"
	Host      string
	Path      string
	TLSConfig *tls.Config // nil means plaintext HTTP/2 prior knowledge

	cfg    *obs.Config
	logger obs.SLogger

	mu        sync.Mutex
	transport *http2.Transport
	cc        *http2.ClientConn
}

var _ mapper.Mapper = (*MuxClient)(nil)

// NewMuxClient returns a [*MuxClient] dialing target, speaking H2 over
// tlsConfig (nil for plaintext prior knowledge) to host/path.
func NewMuxClient(cfg *obs.Config, logger obs.SLogger, target, host, path string, tlsConfig *tls.Config) *MuxClient {
	return &MuxClient{
		Target: target, Host: host, Path: path, TLSConfig: tlsConfig,
		cfg: cfg, logger: logger,
		transport: &http2.Transport{AllowHTTP: tlsConfig == nil},
	}
}

// Maps implements [mapper.Mapper].
func (m *MuxClient) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Decode {
		return errResult(fmt.Errorf("h2map: mux client mapper only supports ENCODE"))
	}
	if !params.C.IsNone() {
		return errResult(fmt.Errorf("%w: h2 mux client expects StreamNone", netx.ErrBadStreamShape))
	}

	cc, err := m.session(ctx)
	if err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}

	bc, err := openSubstream(ctx, cc, m.Host, m.Path, params.B)
	if err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}

	m.logger.Info("h2MuxOpenStream", slog.String("target", m.Target), slog.String("path", m.Path))
	return mapper.MapResult{C: mapper.ConnStream(bc), A: params.A, D: params.D}
}

// session returns the shared [*http2.ClientConn], dialing and
// handshaking a fresh one if none exists yet or the last one can no
// longer take new requests.
func (m *MuxClient) session(ctx context.Context) (*http2.ClientConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cc != nil && m.cc.CanTakeNewRequest() {
		return m.cc, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	t0 := m.cfg.TimeNow()
	m.logger.Info("h2MuxDialStart", slog.String("target", m.Target), slog.Time("t", t0))

	conn, err := m.cfg.Dialer.DialContext(dialCtx, "tcp", m.Target)
	if err != nil {
		m.logger.Info("h2MuxDialDone", slog.Any("err", err), slog.Time("t0", t0), slog.Time("t", m.cfg.TimeNow()))
		return nil, err
	}
	if m.TLSConfig != nil {
		config := m.TLSConfig.Clone()
		tconn := tls.Client(conn, config)
		if err := tconn.HandshakeContext(dialCtx); err != nil {
			conn.Close()
			m.logger.Info("h2MuxDialDone", slog.Any("err", err), slog.Time("t0", t0), slog.Time("t", m.cfg.TimeNow()))
			return nil, err
		}
		conn = tconn
	}

	cc, err := m.transport.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.logger.Info("h2MuxDialDone", slog.Time("t0", t0), slog.Time("t", m.cfg.TimeNow()))
	m.cc = cc
	return cc, nil
}
