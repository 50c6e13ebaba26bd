//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package trojanmap implements the Trojan client and server mappers.
package trojanmap

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

const (
	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// HashPassword returns the 56-byte hex-encoded SHA-224 digest Trojan
// uses as its wire-level credential.
func HashPassword(password string) string {
	sum := sha256.Sum224([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Server is the DECODE-side Trojan mapper: it validates the client's
// hashed password against Passwords and parses the CONNECT-style
// address request that follows it.
type Server struct {
	// Passwords holds the accepted SHA-224 hex digests (see
	// [HashPassword]).
	Passwords map[string]bool

	logger obs.SLogger
}

var _ mapper.Mapper = (*Server)(nil)

// New returns a [*Server] Trojan mapper accepting the given hashed
// passwords.
func New(logger obs.SLogger, passwords map[string]bool) *Server {
	return &Server{Passwords: passwords, logger: logger}
}

// Maps implements [mapper.Mapper].
func (s *Server) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Encode {
		return errResult(fmt.Errorf("trojanmap: server mapper only supports DECODE"))
	}
	conn, ok := params.C.Conn()
	if !ok {
		return errResult(fmt.Errorf("%w: trojan server expects Conn", netx.ErrBadStreamShape))
	}

	br := bufio.NewReader(conn)
	hash, err := readLine(br, 56)
	if err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	if !s.Passwords[hash] {
		return errResult(fmt.Errorf("%w: trojan password rejected", netx.ErrHandshakeFailure))
	}

	target, err := readRequest(br)
	if err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	if _, err := expectCRLF(br); err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}

	early, _ := io.ReadAll(io.LimitReader(br, int64(br.Buffered())))
	return mapper.MapResult{C: mapper.ConnStream(conn), A: &target, B: early, D: params.D}
}

func readLine(r *bufio.Reader, expectedLen int) (string, error) {
	buf := make([]byte, expectedLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if _, err := expectCRLF(r); err != nil {
		return "", err
	}
	return string(buf), nil
}

func expectCRLF(r *bufio.Reader) (struct{}, error) {
	crlf := make([]byte, 2)
	if _, err := io.ReadFull(r, crlf); err != nil {
		return struct{}{}, err
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return struct{}{}, fmt.Errorf("trojanmap: expected CRLF")
	}
	return struct{}{}, nil
}

func readRequest(r io.Reader) (netx.Addr, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return netx.Addr{}, err
	}
	if hdr[0] != cmdConnect {
		return netx.Addr{}, fmt.Errorf("trojanmap: unsupported command %d", hdr[0])
	}

	switch hdr[1] {
	case atypIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(r, b); err != nil {
			return netx.Addr{}, err
		}
		port, err := readPort(r)
		if err != nil {
			return netx.Addr{}, err
		}
		return netx.SocketAddr(netx.TCP, netip.AddrPortFrom(netip.AddrFrom4([4]byte(b)), port)), nil
	case atypIPv6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(r, b); err != nil {
			return netx.Addr{}, err
		}
		port, err := readPort(r)
		if err != nil {
			return netx.Addr{}, err
		}
		return netx.SocketAddr(netx.TCP, netip.AddrPortFrom(netip.AddrFrom16([16]byte(b)), port)), nil
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return netx.Addr{}, err
		}
		host := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r, host); err != nil {
			return netx.Addr{}, err
		}
		port, err := readPort(r)
		if err != nil {
			return netx.Addr{}, err
		}
		return netx.NameAddr(netx.TCP, string(host), port), nil
	default:
		return netx.Addr{}, fmt.Errorf("trojanmap: unsupported address type %d", hdr[1])
	}
}

func readPort(r io.Reader) (uint16, error) {
	b := make([]byte, 2)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Client is the ENCODE-side Trojan mapper: it writes the hashed password
// and a CONNECT-style request for params.A ahead of the tunneled stream.
type Client struct {
	Password string

	logger obs.SLogger
}

var _ mapper.Mapper = (*Client)(nil)

// NewClient returns a [*Client] Trojan mapper authenticating with password.
func NewClient(logger obs.SLogger, password string) *Client {
	return &Client{Password: password, logger: logger}
}

// Maps implements [mapper.Mapper].
func (c *Client) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Decode {
		return errResult(fmt.Errorf("trojanmap: client mapper only supports ENCODE"))
	}
	conn, ok := params.C.Conn()
	if !ok {
		return errResult(fmt.Errorf("%w: trojan client expects Conn", netx.ErrBadStreamShape))
	}
	if params.A == nil {
		return errResult(fmt.Errorf("%w: trojan client needs a target address", netx.ErrMissingTargetAddr))
	}

	req, err := encodeRequest(*params.A)
	if err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}

	buf := []byte(HashPassword(c.Password))
	buf = append(buf, '\r', '\n')
	buf = append(buf, req...)
	buf = append(buf, '\r', '\n')
	buf = append(buf, params.B...)
	if _, err := conn.Write(buf); err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}

	return mapper.MapResult{C: mapper.ConnStream(conn), A: params.A, D: params.D}
}

func encodeRequest(target netx.Addr) ([]byte, error) {
	buf := []byte{cmdConnect}
	switch {
	case target.IsResolved() && target.Socket.Addr().Is4():
		buf = append(buf, atypIPv4)
		b4 := target.Socket.Addr().As4()
		buf = append(buf, b4[:]...)
	case target.IsResolved():
		buf = append(buf, atypIPv6)
		b16 := target.Socket.Addr().As16()
		buf = append(buf, b16[:]...)
	case target.Host != "":
		buf = append(buf, atypDomain, byte(len(target.Host)))
		buf = append(buf, target.Host...)
	default:
		return nil, fmt.Errorf("trojanmap: unencodable target address %q", target.String())
	}
	port := target.Port
	if target.IsResolved() {
		port = target.Socket.Port()
	}
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)
	return append(buf, portBuf...), nil
}

func errResult(err error) mapper.MapResult {
	return mapper.MapResult{C: mapper.NoneStream(), Err: err}
}
