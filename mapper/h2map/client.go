//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package h2map

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/net/http2"

	"github.com/bassosimone/safeconn"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// Client is the ENCODE-side, single-use H2 mapper: it takes one already
// negotiated (TLS ALPN "h2", or plaintext prior-knowledge) [net.Conn] and
// turns it into exactly one HTTP/2 request/response substream. Unlike
// [MuxClient], the underlying connection is not reused across
// [Client.Maps] calls — closing the returned stream closes the whole
// HTTP/2 session.
type Client struct {
	Host string
	Path string

	cfg    *obs.Config
	logger obs.SLogger
}

var _ mapper.Mapper = (*Client)(nil)

// NewClient returns a [*Client] H2 mapper issuing requests to host/path.
func NewClient(cfg *obs.Config, logger obs.SLogger, host, path string) *Client {
	return &Client{Host: host, Path: path, cfg: cfg, logger: logger}
}

// Maps implements [mapper.Mapper].
func (m *Client) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Decode {
		return errResult(fmt.Errorf("h2map: client mapper only supports ENCODE"))
	}
	conn, ok := params.C.Conn()
	if !ok {
		return errResult(fmt.Errorf("%w: h2 client expects Conn", netx.ErrBadStreamShape))
	}

	t := &http2.Transport{}
	cc, err := t.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}

	bc, err := openSubstream(ctx, cc, m.Host, m.Path, params.B)
	if err != nil {
		conn.Close()
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	bc.onClose = conn.Close

	m.logger.Info("h2OpenStream",
		slog.String("host", m.Host),
		slog.String("path", m.Path),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
	)
	return mapper.MapResult{C: mapper.ConnStream(bc), A: params.A, D: params.D}
}

// openSubstream issues one streaming HTTP/2 request over cc, returning a
// [*bridgeConn] pairing the response body (RecvStream) with a pipe
// writer feeding the request body.
func openSubstream(ctx context.Context, cc *http2.ClientConn, host, path string, early []byte) (*bridgeConn, error) {
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+host+path, pr)
	if err != nil {
		return nil, err
	}
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := cc.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("h2map: unexpected status %d", resp.StatusCode)
	}

	// The transport's body-writer goroutine is consuming pr only once
	// RoundTrip has returned; writing early data before that would block
	// on the unbuffered pipe forever.
	if len(early) > 0 {
		if _, err := pw.Write(early); err != nil {
			resp.Body.Close()
			return nil, err
		}
	}

	return &bridgeConn{
		r:     resp.Body,
		w:     pw,
		laddr: h2Addr(host),
		raddr: h2Addr(host + path),
	}, nil
}

func errResult(err error) mapper.MapResult {
	return mapper.MapResult{C: mapper.NoneStream(), Err: err}
}
