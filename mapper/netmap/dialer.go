//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package netmap

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruci-project/ruci/internal/netutil"
	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
	"github.com/ruci-project/ruci/resolver"
)

// Dialer is the ENCODE-only mapper that opens the outbound connection a
// chain's destination addresses flow into. It needs the target in
// params.A; if the target is an unresolved name, it resolves it
// first through an injected [resolver.Resolver].
type Dialer struct {
	Network  string // "tcp" or "udp"; "" defers to params.A.Network
	Resolver resolver.Resolver

	cfg    *obs.Config
	logger obs.SLogger
}

var _ mapper.Mapper = (*Dialer)(nil)

// NewDialer returns a [*Dialer]. r may be nil if targets always arrive
// pre-resolved.
func NewDialer(cfg *obs.Config, logger obs.SLogger, network string, r resolver.Resolver) *Dialer {
	return &Dialer{Network: network, Resolver: r, cfg: cfg, logger: logger}
}

// Maps implements [mapper.Mapper].
func (d *Dialer) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Decode {
		return errResult(netx.ErrBadStreamShape, "dialer only supports ENCODE")
	}
	if !params.C.IsNone() {
		return errResult(netx.ErrBadStreamShape, "dialer expects StreamNone")
	}
	if params.A == nil {
		return errResult(netx.ErrMissingTargetAddr, "dialer: missing target address")
	}

	target := *params.A
	if !target.IsResolved() && d.Resolver != nil {
		resolved, err := resolver.ResolveAddr(ctx, d.Resolver, target)
		if err != nil {
			return mapper.MapResult{C: mapper.NoneStream(), Err: err}
		}
		target = resolved
	}

	network := d.Network
	if network == "" {
		network = string(target.Network)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	t0 := d.cfg.TimeNow()
	deadline, _ := dialCtx.Deadline()
	d.logConnectStart(network, target, t0, deadline)
	conn, err := d.cfg.Dialer.DialContext(dialCtx, network, target.String())
	d.logConnectDone(network, target, t0, deadline, err)
	if err != nil {
		return mapper.MapResult{C: mapper.NoneStream(), Err: err}
	}
	conn = netutil.WatchContext(ctx, conn)

	return mapper.MapResult{C: mapper.ConnStream(conn), A: &target, B: params.B, D: params.D}
}

func (d *Dialer) logConnectStart(network string, target netx.Addr, t0, deadline time.Time) {
	d.logger.Info("connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", network),
		slog.String("remoteAddr", target.String()),
		slog.Time("t", t0),
	)
}

func (d *Dialer) logConnectDone(network string, target netx.Addr, t0, deadline time.Time, err error) {
	d.logger.Info("connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", d.cfg.ErrClassifier.Classify(err)),
		slog.String("protocol", network),
		slog.String("remoteAddr", target.String()),
		slog.Time("t0", t0),
		slog.Time("t", d.cfg.TimeNow()),
	)
}
