//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package mapper defines the stream-to-stream transformation contract
// every protocol layer implements (TLS, WebSocket, H2, QUIC, SOCKS5,
// Trojan, HTTP, ...) and the chain fold runtime that threads a sequence
// of mappers over an initial stream.
package mapper

import (
	"context"

	"github.com/ruci-project/ruci/netx"
)

// Behavior tells a [Mapper] whether it is on the inbound (decode) or
// outbound (encode) side of a chain. Some mappers implement only one
// direction and return an error result when called with the other.
type Behavior int

const (
	Unspecified Behavior = iota
	Decode
	Encode
)

func (b Behavior) String() string {
	switch b {
	case Decode:
		return "DECODE"
	case Encode:
		return "ENCODE"
	default:
		return "UNSPECIFIED"
	}
}

// MapParams is the input to one [Mapper.Maps] call.
type MapParams struct {
	// C is the current stream.
	C Stream

	// A is the current target/peer address known so far. Decoders
	// fill it in; encoders consume it. Nil means not yet known.
	A *netx.Addr

	// B is "early data": bytes already read from C that belong to the
	// next layer (e.g. a TLS ClientHello's application-data piggyback,
	// a WebSocket first frame payload). A mapper either consumes B or
	// forwards it unchanged in its result.
	B []byte

	// D is opaque side data attached by earlier mappers.
	D []Data
}

// MapResult is the output of one [Mapper.Maps] call.
type MapResult struct {
	C Stream
	A *netx.Addr
	B []byte
	D []Data

	// NewID, when non-nil, means the fold should continue with this
	// CID (a child of the one the call was made with) rather than the
	// one it was given.
	NewID netx.CID

	// Err, when non-nil, terminates the fold. See netx's error kind
	// sentinels (ErrBadStreamShape, ErrMissingTargetAddr, ...).
	Err error
}

// Mapper is the uniform stream transformation every protocol layer
// implements: listener, dialer, TLS, WebSocket, H2, QUIC, SOCKS5,
// Trojan, HTTP, counter, adder, echo, tproxy-resolver.
//
// Implementations must accept exactly the stream shapes they declare
// support for; on a shape mismatch they return a [MapResult] with Err
// wrapping [netx.ErrBadStreamShape] — never panic.
type Mapper interface {
	// Maps transforms params.C (and the rest of params) according to
	// this mapper's protocol step. cid identifies the connection this
	// call belongs to; behavior says which direction the call is on.
	Maps(ctx context.Context, cid netx.CID, behavior Behavior, params MapParams) MapResult
}

// MapperFunc adapts a function to the [Mapper] interface.
type MapperFunc func(ctx context.Context, cid netx.CID, behavior Behavior, params MapParams) MapResult

var _ Mapper = MapperFunc(nil)

// Maps implements [Mapper].
func (f MapperFunc) Maps(ctx context.Context, cid netx.CID, behavior Behavior, params MapParams) MapResult {
	return f(ctx, cid, behavior, params)
}

// errResult builds a [MapResult] terminating the fold with err, preserving
// no stream.
func errResult(err error) MapResult {
	return MapResult{C: NoneStream(), Err: err}
}
