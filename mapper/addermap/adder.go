//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package addermap implements the Adder mapper, a reversible per-byte
// transform used to exercise composition-law property tests: two
// Adders whose deltas sum to zero mod 256, chained back to back, must
// leave the stream byte-for-byte unchanged.
package addermap

import (
	"context"
	"net"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// Adder wraps a [net.Conn], adding Delta (mod 256) to every byte written
// and subtracting it from every byte read, so stacking two Adders with
// complementary deltas cancels out.
type Adder struct {
	Delta uint8

	logger obs.SLogger
}

var _ mapper.Mapper = (*Adder)(nil)

// New returns a [*Adder] mapper applying delta.
func New(logger obs.SLogger, delta uint8) *Adder {
	return &Adder{Delta: delta, logger: logger}
}

// Maps implements [mapper.Mapper].
func (a *Adder) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	conn, ok := params.C.Conn()
	if !ok {
		return mapper.MapResult{C: mapper.NoneStream(), Err: netx.ErrBadStreamShape}
	}
	b := make([]byte, len(params.B))
	for i, v := range params.B {
		b[i] = v - a.Delta
	}
	return mapper.MapResult{
		C: mapper.ConnStream(&adderConn{Conn: conn, delta: a.Delta}),
		A: params.A,
		B: b,
		D: append(params.D, mapper.U8Data{Value: a.Delta}),
	}
}

// adderConn applies Adder's transform in both directions of a [net.Conn].
type adderConn struct {
	net.Conn
	delta uint8
}

func (c *adderConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	for i := 0; i < n; i++ {
		p[i] -= c.delta
	}
	return n, err
}

func (c *adderConn) Write(p []byte) (int, error) {
	out := make([]byte, len(p))
	for i, v := range p {
		out[i] = v + c.delta
	}
	n, err := c.Conn.Write(out)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}
