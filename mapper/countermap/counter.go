//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package countermap implements the Counter mapper: a transparent
// pass-through that tallies bytes flowing in both directions of whatever
// [net.Conn] it wraps into the process-wide [traffic.Recorder], independent
// of the per-CID accounting a [relay.Run] call performs.
package countermap

import (
	"context"
	"net"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
	"github.com/ruci-project/ruci/traffic"
)

// Counter wraps a [net.Conn], recording every byte read as "down" traffic
// and every byte written as "up" traffic into Recorder.
type Counter struct {
	Recorder *traffic.Recorder

	logger obs.SLogger
}

var _ mapper.Mapper = (*Counter)(nil)

// New returns a [*Counter] mapper feeding rec.
func New(logger obs.SLogger, rec *traffic.Recorder) *Counter {
	return &Counter{Recorder: rec, logger: logger}
}

// Maps implements [mapper.Mapper].
func (c *Counter) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	conn, ok := params.C.Conn()
	if !ok {
		return mapper.MapResult{C: mapper.NoneStream(), Err: netx.ErrBadStreamShape}
	}
	c.Recorder.ConnOpened()
	return mapper.MapResult{
		C: mapper.ConnStream(&countedConn{Conn: conn, rec: c.Recorder}),
		A: params.A, B: params.B, D: params.D,
	}
}

// countedConn tallies every Read/Write into its [traffic.Recorder],
// decrementing the active-connection gauge exactly once when closed.
type countedConn struct {
	net.Conn
	rec    *traffic.Recorder
	closed bool
}

func (c *countedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.rec.AddDown(uint64(n))
	}
	return n, err
}

func (c *countedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.rec.AddUp(uint64(n))
	}
	return n, err
}

func (c *countedConn) Close() error {
	if !c.closed {
		c.closed = true
		c.rec.ConnClosed()
	}
	return c.Conn.Close()
}
