//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package mapper

import (
	"net"

	"github.com/ruci-project/ruci/netx"
)

// StreamKind discriminates the [Stream] tagged union. Exactly one variant
// is active at any time — callers switch on Kind before touching the
// corresponding field.
type StreamKind int

const (
	// StreamNone means no stream yet; the usual input to a dialer.
	StreamNone StreamKind = iota
	// StreamConn means a bidirectional byte stream with ordered delivery.
	StreamConn
	// StreamAddrConn means a datagram-addressed read/write half pair.
	StreamAddrConn
	// StreamGenerator means a queue yielding further [MapResult]s, each
	// carrying its own (extended) CID — used for multiplexed accept.
	StreamGenerator
)

func (k StreamKind) String() string {
	switch k {
	case StreamNone:
		return "None"
	case StreamConn:
		return "Conn"
	case StreamAddrConn:
		return "AddrConn"
	case StreamGenerator:
		return "Generator"
	default:
		return "invalid"
	}
}

// Conn is the bidirectional byte stream shape. [net.Conn] satisfies it
// directly; stream adapters (TLS, WebSocket, H2, QUIC) wrap it to bridge
// framed or multiplexed protocols into this shape.
type Conn = net.Conn

// Stream is the tagged union every [Mapper] consumes and produces: a
// bidirectional [Conn], a datagram-addressed [netx.AddrConn], a
// [Generator] of further [MapResult]s, or [StreamNone].
type Stream struct {
	Kind StreamKind

	conn      Conn
	addrConn  *netx.AddrConn
	generator Generator
}

// Generator yields further [MapResult]s, each carrying its own extended
// CID, for multiplexed or listener-style mappers. The producing mapper
// closes the channel when the underlying transport ends.
type Generator <-chan MapResult

// NoneStream returns the [StreamNone] variant.
func NoneStream() Stream {
	return Stream{Kind: StreamNone}
}

// ConnStream wraps a byte-stream conn as a [Stream].
func ConnStream(conn Conn) Stream {
	return Stream{Kind: StreamConn, conn: conn}
}

// AddrConnStream wraps a datagram-addressed conn as a [Stream].
func AddrConnStream(ac *netx.AddrConn) Stream {
	return Stream{Kind: StreamAddrConn, addrConn: ac}
}

// GeneratorStream wraps a generator channel as a [Stream].
func GeneratorStream(gen Generator) Stream {
	return Stream{Kind: StreamGenerator, generator: gen}
}

// Conn returns the wrapped [Conn] and whether Kind is [StreamConn].
func (s Stream) Conn() (Conn, bool) {
	return s.conn, s.Kind == StreamConn
}

// AddrConn returns the wrapped [*netx.AddrConn] and whether Kind is
// [StreamAddrConn].
func (s Stream) AddrConn() (*netx.AddrConn, bool) {
	return s.addrConn, s.Kind == StreamAddrConn
}

// Generator returns the wrapped [Generator] and whether Kind is
// [StreamGenerator].
func (s Stream) Generator() (Generator, bool) {
	return s.generator, s.Kind == StreamGenerator
}

// IsNone reports whether s is the [StreamNone] variant.
func (s Stream) IsNone() bool {
	return s.Kind == StreamNone
}
