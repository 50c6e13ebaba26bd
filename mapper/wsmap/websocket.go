//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package wsmap implements the WebSocket client and server mappers: a
// frame↔byte adapter carrying early data through a reserved
// Sec-WebSocket-Protocol token.
package wsmap

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// earlyDataProtocolPrefix names the Sec-WebSocket-Protocol token carrying
// base64-encoded early data.
const earlyDataProtocolPrefix = "ruci.early."

func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func randomKey() string {
	var b [16]byte
	rand.Read(b[:])
	return base64.StdEncoding.EncodeToString(b[:])
}

func earlyDataProtocol(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return earlyDataProtocolPrefix + base64.RawURLEncoding.EncodeToString(b)
}

func decodeEarlyDataProtocol(protocols []string) []byte {
	for _, p := range protocols {
		if rest, ok := strings.CutPrefix(p, earlyDataProtocolPrefix); ok {
			if b, err := base64.RawURLEncoding.DecodeString(rest); err == nil {
				return b
			}
		}
	}
	return nil
}

// Client is the ENCODE-side WebSocket mapper: it performs a client
// handshake to Host/Path over params.C and returns a byte-transparent
// tunnel framed as binary WebSocket messages. params.B, if set, is sent
// as the initial Sec-WebSocket-Protocol early-data token.
type Client struct {
	Host string
	Path string

	logger obs.SLogger
}

var _ mapper.Mapper = (*Client)(nil)

// NewClient returns a [*Client] WebSocket mapper targeting host/path.
func NewClient(logger obs.SLogger, host, path string) *Client {
	return &Client{Host: host, Path: path, logger: logger}
}

// Maps implements [mapper.Mapper].
func (m *Client) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Decode {
		return errResult(fmt.Errorf("wsmap: client mapper only supports ENCODE"))
	}
	conn, ok := params.C.Conn()
	if !ok {
		return errResult(fmt.Errorf("%w: ws client expects Conn", netx.ErrBadStreamShape))
	}

	key := randomKey()
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("ws://%s%s", m.Host, m.Path), nil)
	if err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", key)
	if proto := earlyDataProtocol(params.B); proto != "" {
		req.Header.Set("Sec-WebSocket-Protocol", proto)
	}

	m.logger.Info("wsHandshakeStart", slog.String("host", m.Host), slog.String("path", m.Path))
	if err := req.Write(conn); err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	if resp.StatusCode != http.StatusSwitchingProtocols || resp.Header.Get("Sec-WebSocket-Accept") != acceptKey(key) {
		m.logger.Info("wsHandshakeDone", slog.Int("status", resp.StatusCode), slog.Any("err", netx.ErrHandshakeFailure))
		return errResult(fmt.Errorf("%w: unexpected websocket handshake response %d", netx.ErrHandshakeFailure, resp.StatusCode))
	}
	m.logger.Info("wsHandshakeDone", slog.Int("status", resp.StatusCode))

	// Frames the server pipelined right behind the handshake response may
	// already sit in br's buffer; they must reach the frame codec.
	return mapper.MapResult{C: mapper.ConnStream(newStream(drainBuffered(conn, br), true /* client masks */)), A: params.A, D: params.D}
}

// Server is the DECODE-side WebSocket mapper: it validates the incoming
// upgrade request's Host/Path and performs a server handshake.
type Server struct {
	Host string
	Path string

	logger obs.SLogger
}

var _ mapper.Mapper = (*Server)(nil)

// NewServer returns a [*Server] WebSocket mapper expecting host/path.
func NewServer(logger obs.SLogger, host, path string) *Server {
	return &Server{Host: host, Path: path, logger: logger}
}

// Maps implements [mapper.Mapper].
func (m *Server) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Encode {
		return errResult(fmt.Errorf("wsmap: server mapper only supports DECODE"))
	}
	conn, ok := params.C.Conn()
	if !ok {
		return errResult(fmt.Errorf("%w: ws server expects Conn", netx.ErrBadStreamShape))
	}

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	if req.Host != m.Host || req.URL.Path != m.Path {
		fmt.Fprintf(conn, "HTTP/1.1 404 Not Found\r\n\r\n")
		m.logger.Info("wsHandshakeDone", slog.String("err", "host/path mismatch"))
		return errResult(fmt.Errorf("%w: websocket host/path mismatch", netx.ErrHandshakeFailure))
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		fmt.Fprintf(conn, "HTTP/1.1 400 Bad Request\r\n\r\n")
		return errResult(fmt.Errorf("%w: missing Sec-WebSocket-Key", netx.ErrHandshakeFailure))
	}

	fmt.Fprintf(conn, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n", acceptKey(key))
	m.logger.Info("wsHandshakeDone", slog.String("host", req.Host), slog.String("path", req.URL.Path))

	early := decodeEarlyDataProtocol(req.Header.Values("Sec-WebSocket-Protocol"))
	var a *netx.Addr
	if params.A != nil {
		a = params.A
	}
	return mapper.MapResult{C: mapper.ConnStream(newStream(drainBuffered(conn, br), false /* server does not mask */)), A: a, B: early, D: params.D}
}

// drainBuffered moves any bytes the HTTP parser buffered past the end of
// its message back in front of conn's read side, so pipelined frames are
// not lost.
func drainBuffered(conn mapper.Conn, br *bufio.Reader) mapper.Conn {
	if br.Buffered() == 0 {
		return conn
	}
	leftover, _ := io.ReadAll(io.LimitReader(br, int64(br.Buffered())))
	return netx.NewEarlyDataWrapper(conn, leftover)
}

func errResult(err error) mapper.MapResult {
	return mapper.MapResult{C: mapper.NoneStream(), Err: err}
}
