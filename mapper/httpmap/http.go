//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package httpmap implements the HTTP CONNECT client and server mappers.
package httpmap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// Server is the DECODE-side mapper: it reads one CONNECT request and
// sets the result's target address from its request-URI.
type Server struct {
	logger obs.SLogger
}

var _ mapper.Mapper = (*Server)(nil)

// New returns a [*Server] HTTP CONNECT mapper.
func New(logger obs.SLogger) *Server {
	return &Server{logger: logger}
}

// Maps implements [mapper.Mapper].
func (s *Server) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Encode {
		return errResult(fmt.Errorf("httpmap: server mapper only supports DECODE"))
	}
	conn, ok := params.C.Conn()
	if !ok {
		return errResult(fmt.Errorf("%w: http server expects Conn", netx.ErrBadStreamShape))
	}

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	if req.Method != http.MethodConnect {
		fmt.Fprintf(conn, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
		return errResult(fmt.Errorf("%w: expected CONNECT, got %s", netx.ErrHandshakeFailure, req.Method))
	}
	host, port, err := splitHostPort(req.Host)
	if err != nil {
		fmt.Fprintf(conn, "HTTP/1.1 400 Bad Request\r\n\r\n")
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	if _, err := fmt.Fprintf(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}

	target := netx.NameAddr(netx.TCP, host, port)
	early, _ := io.ReadAll(io.LimitReader(br, int64(br.Buffered())))
	return mapper.MapResult{C: mapper.ConnStream(conn), A: &target, B: early, D: params.D}
}

// Client is the ENCODE-side mapper: it issues a CONNECT request for
// params.A and waits for a 2xx response.
type Client struct {
	logger obs.SLogger
}

var _ mapper.Mapper = (*Client)(nil)

// NewClient returns a [*Client] HTTP CONNECT mapper.
func NewClient(logger obs.SLogger) *Client {
	return &Client{logger: logger}
}

// Maps implements [mapper.Mapper].
func (c *Client) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Decode {
		return errResult(fmt.Errorf("httpmap: client mapper only supports ENCODE"))
	}
	conn, ok := params.C.Conn()
	if !ok {
		return errResult(fmt.Errorf("%w: http client expects Conn", netx.ErrBadStreamShape))
	}
	if params.A == nil {
		return errResult(fmt.Errorf("%w: http client needs a target address", netx.ErrMissingTargetAddr))
	}

	target := params.A.String()
	req, err := http.NewRequest(http.MethodConnect, "http://"+target, nil)
	if err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	req.Host = target
	if err := req.Write(conn); err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errResult(fmt.Errorf("%w: CONNECT refused with status %d", netx.ErrHandshakeFailure, resp.StatusCode))
	}

	// Bytes the proxy pipelined behind its 200 belong to the tunnel.
	out := conn
	if br.Buffered() > 0 {
		leftover, _ := io.ReadAll(io.LimitReader(br, int64(br.Buffered())))
		out = netx.NewEarlyDataWrapper(conn, leftover)
	}
	return mapper.MapResult{C: mapper.ConnStream(out), A: params.A, B: params.B, D: params.D}
}

func splitHostPort(hostport string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("httpmap: invalid port %q", portStr)
	}
	return host, uint16(port), nil
}

func errResult(err error) mapper.MapResult {
	return mapper.MapResult{C: mapper.NoneStream(), Err: err}
}
