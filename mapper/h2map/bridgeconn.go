//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package h2map implements the H2 single-use client, mux client, and
// multiplexed-accept server mappers on top of golang.org/x/net/http2,
// each HTTP/2 request/response pair standing in for one bidirectional
// substream.
package h2map

import (
	"io"
	"net"
	"time"
)

// bridgeConn adapts a pair of a body reader and a body writer — the two
// halves of one HTTP/2 request/response — into a [net.Conn], pairing an
// H2 receive and send sides of one stream.
// Read pulls from the body reader (http2's flow-control capacity release
// happens inside golang.org/x/net/http2 itself as the caller consumes
// bytes); write writes to the body writer, which an io.Pipe or the
// http2.Server response body plumbs to the peer.
type bridgeConn struct {
	r io.ReadCloser
	w io.WriteCloser

	laddr, raddr net.Addr

	flush func()

	// onClose, if set, additionally runs when Close is called — used by
	// the single-use [Client] to tear down the whole HTTP/2 session
	// along with its one substream.
	onClose func() error
}

var _ net.Conn = (*bridgeConn)(nil)

func (c *bridgeConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *bridgeConn) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err == nil && c.flush != nil {
		c.flush()
	}
	return n, err
}

// Close ends both halves: writing end-of-stream (an empty frame, per
// sending an empty end-of-stream frame on shutdown) happens
// implicitly when the body writer closes.
func (c *bridgeConn) Close() error {
	werr := c.w.Close()
	rerr := c.r.Close()
	if c.onClose != nil {
		c.onClose()
	}
	if werr != nil {
		return werr
	}
	return rerr
}

func (c *bridgeConn) LocalAddr() net.Addr  { return c.laddr }
func (c *bridgeConn) RemoteAddr() net.Addr { return c.raddr }

// SetDeadline/SetReadDeadline/SetWriteDeadline are no-ops: HTTP/2 stream
// bodies have no deadline primitive of their own; callers rely on
// context cancellation on the originating request/response instead.
func (c *bridgeConn) SetDeadline(t time.Time) error      { return nil }
func (c *bridgeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *bridgeConn) SetWriteDeadline(t time.Time) error { return nil }

type h2Addr string

func (a h2Addr) Network() string { return "h2" }
func (a h2Addr) String() string  { return string(a) }
