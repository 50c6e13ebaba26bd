//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netx

import "context"

// Datagram is one frame of an [AddrConn]: a byte payload plus the address
// it arrived from (on read) or is destined to (on write).
type Datagram struct {
	Data []byte
	Addr Addr
}

// AddrReader is the read half of an [AddrConn]. Implementations must
// preserve frame boundaries: one call returns exactly one datagram.
type AddrReader interface {
	ReadDatagram(ctx context.Context) (Datagram, error)
	Close() error
}

// AddrWriter is the write half of an [AddrConn].
type AddrWriter interface {
	WriteDatagram(ctx context.Context, dg Datagram) error
	Close() error
}

// AddrConn is the datagram-addressed stream shape: independently owned
// read and write halves, each preserving per-frame addressing. This is
// the wire shape a udp-listen mapper or a QUIC/WebSocket datagram adapter
// produces.
type AddrConn struct {
	Reader AddrReader
	Writer AddrWriter

	// LocalAddr is the local address the halves are bound to, useful
	// for logging and for transparent-proxy original-destination data.
	LocalAddr Addr
}

// Close closes both halves, returning the first error encountered.
func (c *AddrConn) Close() error {
	err1 := c.Reader.Close()
	err2 := c.Writer.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
