//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netmap

import (
	"context"
	"log/slog"
	"net"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// UDPListener is the DECODE-only mapper that turns a single bound UDP
// socket into many [mapper.StreamAddrConn]s, one per distinct source
// address. Unlike [Listener], it consumes [netx.UDPFanoutListener]
// directly rather than a raw [net.Listener], since UDP has no per-client
// socket to accept.
type UDPListener struct {
	Addr string

	cfg    *obs.Config
	logger obs.SLogger

	ln *netx.UDPFanoutListener
}

var _ mapper.Mapper = (*UDPListener)(nil)

// NewUDPListener returns a [*UDPListener] bound to addr.
func NewUDPListener(cfg *obs.Config, logger obs.SLogger, addr string) *UDPListener {
	return &UDPListener{Addr: addr, cfg: cfg, logger: logger}
}

// Listen binds the underlying UDP socket. Must be called before
// [UDPListener.Maps].
func (l *UDPListener) Listen(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", l.Addr)
	if err != nil {
		return err
	}
	ln, err := netx.NewUDPFanoutListener(udpAddr)
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

// BoundAddr returns the socket's actual local address, resolved after
// [UDPListener.Listen], mirroring [Listener.BoundAddr].
func (l *UDPListener) BoundAddr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return net.UDPAddrFromAddrPort(l.ln.LocalAddr().Socket)
}

// Close stops the fanout read loop and releases the socket.
func (l *UDPListener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

// Maps implements [mapper.Mapper]. It returns a [mapper.StreamGenerator]
// yielding one child per newly observed source address, each carrying a
// [mapper.StreamAddrConn] and its own CID extension.
func (l *UDPListener) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Encode {
		return errResult(netx.ErrBadStreamShape, "udp listener only supports DECODE")
	}
	if !params.C.IsNone() {
		return errResult(netx.ErrBadStreamShape, "udp listener expects StreamNone")
	}

	out := make(chan mapper.MapResult, l.cfg.AcceptQueueSize)
	go l.acceptLoop(ctx, cid, out)
	return mapper.MapResult{C: mapper.GeneratorStream(out)}
}

func (l *UDPListener) acceptLoop(ctx context.Context, baseCID netx.CID, out chan<- mapper.MapResult) {
	defer close(out)
	var seq uint32
	for {
		ac, peer, local, err := l.ln.Accept(ctx)
		if err != nil {
			l.logger.Info("udpAcceptDone", slog.Any("err", err))
			return
		}
		childCID := baseCID.Extend(seq)
		seq++
		l.logger.Info("udpAcceptStart", slog.String("cid", childCID.String()), slog.String("remoteAddr", peer.String()))

		select {
		case out <- mapper.MapResult{
			C:     mapper.AddrConnStream(ac),
			D:     []mapper.Data{mapper.RLAddr{Remote: peer, Local: local}},
			NewID: childCID,
		}:
		case <-ctx.Done():
			ac.Close()
			return
		}
	}
}
