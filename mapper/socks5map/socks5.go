//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package socks5map implements the SOCKS5 client and server mappers: the
// CONNECT-only subset of RFC 1928 used to learn (server side) or encode
// (client side) the chain's target address.
package socks5map

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

const (
	socksVersion5 = 0x05

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	methodNoAuth = 0x00

	replySuccess = 0x00
	replyGeneral = 0x01
)

// Server is the DECODE-side SOCKS5 mapper: it performs the method
// negotiation and reads one CONNECT request, setting the result's target
// address from it. Any bytes the client sends right after the request
// (pipelined early data) are preserved in the result's B.
type Server struct {
	logger obs.SLogger
}

var _ mapper.Mapper = (*Server)(nil)

// New returns a [*Server] SOCKS5 mapper.
func New(logger obs.SLogger) *Server {
	return &Server{logger: logger}
}

// Maps implements [mapper.Mapper].
func (s *Server) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Encode {
		return errResult(fmt.Errorf("socks5map: server mapper only supports DECODE"))
	}
	conn, ok := params.C.Conn()
	if !ok {
		return errResult(fmt.Errorf("%w: socks5 server expects Conn", netx.ErrBadStreamShape))
	}
	br := bufio.NewReader(conn)

	if err := negotiateMethod(br, conn); err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}

	target, err := readRequest(br)
	if err != nil {
		writeReply(conn, replyGeneral)
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	if err := writeReply(conn, replySuccess); err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}

	early, _ := io.ReadAll(io.LimitReader(br, int64(br.Buffered())))
	return mapper.MapResult{C: mapper.ConnStream(conn), A: &target, B: early, D: params.D}
}

func negotiateMethod(r io.Reader, w io.Writer) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}
	if hdr[0] != socksVersion5 {
		return fmt.Errorf("socks5map: unsupported version %d", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return err
	}
	_, err := w.Write([]byte{socksVersion5, methodNoAuth})
	return err
}

func readRequest(r io.Reader) (netx.Addr, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return netx.Addr{}, err
	}
	if hdr[0] != socksVersion5 || hdr[1] != cmdConnect {
		return netx.Addr{}, fmt.Errorf("socks5map: unsupported request version=%d cmd=%d", hdr[0], hdr[1])
	}

	var addr netx.Addr
	switch hdr[3] {
	case atypIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(r, b); err != nil {
			return netx.Addr{}, err
		}
		port, err := readPort(r)
		if err != nil {
			return netx.Addr{}, err
		}
		addr = netx.SocketAddr(netx.TCP, netip.AddrPortFrom(netip.AddrFrom4([4]byte(b)), port))
	case atypIPv6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(r, b); err != nil {
			return netx.Addr{}, err
		}
		port, err := readPort(r)
		if err != nil {
			return netx.Addr{}, err
		}
		addr = netx.SocketAddr(netx.TCP, netip.AddrPortFrom(netip.AddrFrom16([16]byte(b)), port))
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
		addr = netx.NameAddr(netx.TCP, string(host), port)
	default:
		return netx.Addr{}, fmt.Errorf("socks5map: unsupported address type %d", hdr[3])
	}
	return addr, nil
}

func readPort(r io.Reader) (uint16, error) {
	b := make([]byte, 2)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func writeReply(w io.Writer, rep byte) error {
	_, err := w.Write([]byte{socksVersion5, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// Client is the ENCODE-side SOCKS5 mapper: it performs method
// negotiation and issues a CONNECT request for params.A.
type Client struct {
	logger obs.SLogger
}

var _ mapper.Mapper = (*Client)(nil)

// NewClient returns a [*Client] SOCKS5 mapper.
func NewClient(logger obs.SLogger) *Client {
	return &Client{logger: logger}
}

// Maps implements [mapper.Mapper].
func (c *Client) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Decode {
		return errResult(fmt.Errorf("socks5map: client mapper only supports ENCODE"))
	}
	conn, ok := params.C.Conn()
	if !ok {
		return errResult(fmt.Errorf("%w: socks5 client expects Conn", netx.ErrBadStreamShape))
	}
	if params.A == nil {
		return errResult(fmt.Errorf("%w: socks5 client needs a target address", netx.ErrMissingTargetAddr))
	}

	if _, err := conn.Write([]byte{socksVersion5, 1, methodNoAuth}); err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	br := bufio.NewReader(conn)
	resp := make([]byte, 2)
	if _, err := io.ReadFull(br, resp); err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	if resp[0] != socksVersion5 || resp[1] != methodNoAuth {
		return errResult(fmt.Errorf("%w: socks5 method negotiation refused", netx.ErrHandshakeFailure))
	}

	req, err := encodeRequest(*params.A)
	if err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	if _, err := conn.Write(req); err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}

	replyHdr := make([]byte, 4)
	if _, err := io.ReadFull(br, replyHdr); err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}
	if replyHdr[1] != replySuccess {
		return errResult(fmt.Errorf("%w: socks5 server refused connect: code %d", netx.ErrHandshakeFailure, replyHdr[1]))
	}
	if err := skipBoundAddr(br, replyHdr[3]); err != nil {
		return errResult(fmt.Errorf("%w: %v", netx.ErrHandshakeFailure, err))
	}

	// Bytes the server pipelined behind its reply belong to the tunnel.
	out := conn
	if br.Buffered() > 0 {
		leftover, _ := io.ReadAll(io.LimitReader(br, int64(br.Buffered())))
		out = netx.NewEarlyDataWrapper(conn, leftover)
	}
	return mapper.MapResult{C: mapper.ConnStream(out), A: params.A, B: params.B, D: params.D}
}

func encodeRequest(target netx.Addr) ([]byte, error) {
	buf := []byte{socksVersion5, cmdConnect, 0x00}
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
		return nil, fmt.Errorf("socks5map: unencodable target address %q", target.String())
	}
	port := target.Port
	if target.IsResolved() {
		port = target.Socket.Port()
	}
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)
	return append(buf, portBuf...), nil
}

func skipBoundAddr(r io.Reader, atyp byte) error {
	var n int
	switch atyp {
	case atypIPv4:
		n = 4
	case atypIPv6:
		n = 16
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return err
		}
		n = int(lenBuf[0])
	default:
		return fmt.Errorf("socks5map: unsupported bound address type %d", atyp)
	}
	if _, err := io.CopyN(io.Discard, r, int64(n+2)); err != nil {
		return err
	}
	return nil
}

func errResult(err error) mapper.MapResult {
	return mapper.MapResult{C: mapper.NoneStream(), Err: err}
}
