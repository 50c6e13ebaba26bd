//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package echomap implements the Echo mapper: a diagnostic terminal that
// loops every byte or datagram straight back to its sender and ends the
// chain.
package echomap

import (
	"context"
	"io"
	"log/slog"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// Echo is the terminal loopback mapper: it consumes
// whatever stream it is given, echoes it, and returns [mapper.StreamNone]
// once the peer closes — there is nothing left for a following mapper to
// act on, so Echo is only ever the last step of a chain.
type Echo struct {
	logger obs.SLogger
}

var _ mapper.Mapper = (*Echo)(nil)

// New returns a [*Echo] mapper.
func New(logger obs.SLogger) *Echo {
	return &Echo{logger: logger}
}

// Maps implements [mapper.Mapper]. It accepts either shape; behavior is
// irrelevant since Echo does not transform the stream's data, only its
// destination.
func (e *Echo) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if conn, ok := params.C.Conn(); ok {
		n, err := io.Copy(conn, conn)
		e.logger.Info("echoDone", slog.String("cid", cid.String()), slog.Int64("bytes", n), slog.Any("err", err))
		return mapper.MapResult{C: mapper.NoneStream()}
	}
	if ac, ok := params.C.AddrConn(); ok {
		e.echoDatagrams(ctx, cid, ac)
		return mapper.MapResult{C: mapper.NoneStream()}
	}
	return mapper.MapResult{C: mapper.NoneStream(), Err: netx.ErrBadStreamShape}
}

func (e *Echo) echoDatagrams(ctx context.Context, cid netx.CID, ac *netx.AddrConn) {
	var total int64
	for {
		dg, err := ac.Reader.ReadDatagram(ctx)
		if err != nil {
			e.logger.Info("echoDone", slog.String("cid", cid.String()), slog.Int64("bytes", total), slog.Any("err", err))
			return
		}
		if err := ac.Writer.WriteDatagram(ctx, dg); err != nil {
			e.logger.Info("echoDone", slog.String("cid", cid.String()), slog.Int64("bytes", total), slog.Any("err", err))
			return
		}
		total += int64(len(dg.Data))
	}
}
