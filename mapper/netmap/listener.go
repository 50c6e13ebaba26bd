//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package netmap implements the Listener and Dialer mappers: the two
// stream-origin endpoints every chain begins or ends with.
package netmap

import (
	"context"
	"log/slog"
	"net"

	"github.com/ruci-project/ruci/internal/netutil"
	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// SockOpt carries the optional platform socket knobs a listener applies
// before accepting, for transparent-proxying
// feature: SO_MARK, bind-to-device, and IP_TRANSPARENT. The core only
// consumes the LAddr datum a tproxy-enabled listener captures; actually
// setting these options is platform-specific glue applied through
// [net.ListenConfig.Control] by [NewListener].
type SockOpt struct {
	SOMark       int
	BindToDevice string
	Tproxy       bool
}

// Listener is the DECODE-only mapper that accepts underlying connections
// (tcp/unix) and, for each accepted connection, emits a [mapper.MapResult]
// carrying [mapper.StreamConn] with the peer address in D, pushed onto the
// listener's generator queue.
//
// The accept loop is cancellable via Close; it is the only admission
// control lever in the core — the generator channel is bounded by
// [obs.Config.AcceptQueueSize] and Accept blocks when it is full.
//
// A Listener configured for "udp" binds its packet socket but yields no
// children; UDP sources are served by [UDPListener].
type Listener struct {
	Network string // "tcp", "unix", or "udp"
	Addr    string
	SockOpt SockOpt

	cfg    *obs.Config
	logger obs.SLogger

	ln   net.Listener
	pln  net.PacketConn
	done chan struct{}
}

var _ mapper.Mapper = (*Listener)(nil)

// NewListener returns a [*Listener] bound to addr on network.
func NewListener(cfg *obs.Config, logger obs.SLogger, network, addr string, sockOpt SockOpt) *Listener {
	return &Listener{Network: network, Addr: addr, SockOpt: sockOpt, cfg: cfg, logger: logger, done: make(chan struct{})}
}

// Listen binds the underlying socket. Must be called before [Listener.Maps].
func (l *Listener) Listen(ctx context.Context) error {
	l.done = make(chan struct{})
	lc := net.ListenConfig{Control: l.control()}
	switch l.Network {
	case "tcp", "unix":
		ln, err := lc.Listen(ctx, l.Network, l.Addr)
		if err != nil {
			return err
		}
		l.ln = ln
	case "udp":
		pln, err := lc.ListenPacket(ctx, l.Network, l.Addr)
		if err != nil {
			return err
		}
		l.pln = pln
	default:
		return &net.OpError{Op: "listen", Net: l.Network, Err: net.UnknownNetworkError(l.Network)}
	}
	return nil
}

// BoundAddr returns the socket's actual local address, resolved after
// [Listener.Listen] — useful when Addr requested an ephemeral port
// ("127.0.0.1:0") and the caller needs to know which one was assigned.
func (l *Listener) BoundAddr() net.Addr {
	if l.ln != nil {
		return l.ln.Addr()
	}
	if l.pln != nil {
		return l.pln.LocalAddr()
	}
	return nil
}

// Close stops the accept loop and releases the listening socket.
func (l *Listener) Close() error {
	close(l.done)
	if l.ln != nil {
		return l.ln.Close()
	}
	if l.pln != nil {
		return l.pln.Close()
	}
	return nil
}

// Maps implements [mapper.Mapper]. It ignores params (a listener
// consumes [mapper.StreamNone]) and returns a [mapper.StreamGenerator]
// that yields one child per accepted connection, each carrying its own
// CID extension and the peer address recorded in D as a [mapper.RLAddr].
func (l *Listener) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Encode {
		return errResult(netx.ErrBadStreamShape, "listener only supports DECODE")
	}
	if !params.C.IsNone() {
		return errResult(netx.ErrBadStreamShape, "listener expects StreamNone")
	}

	out := make(chan mapper.MapResult, l.cfg.AcceptQueueSize)
	go l.acceptLoop(ctx, cid, out)
	return mapper.MapResult{C: mapper.GeneratorStream(out)}
}

func (l *Listener) acceptLoop(ctx context.Context, baseCID netx.CID, out chan<- mapper.MapResult) {
	defer close(out)
	var seq uint32
	for {
		conn, peer, local, err := l.accept(ctx)
		if err != nil {
			select {
			case <-l.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			l.logger.Info("acceptDone", slog.Any("err", err))
			return
		}
		conn = netutil.WatchContext(ctx, conn)
		childCID := baseCID.Extend(seq)
		seq++
		l.logger.Info("acceptStart", slog.String("cid", childCID.String()), slog.String("remoteAddr", peer.String()))

		select {
		case out <- mapper.MapResult{
			C: mapper.ConnStream(conn),
			D: []mapper.Data{mapper.RLAddr{Remote: peer, Local: local}},
			NewID: childCID,
		}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (l *Listener) accept(ctx context.Context) (net.Conn, netx.Addr, netx.Addr, error) {
	if l.ln != nil {
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, netx.Addr{}, netx.Addr{}, err
		}
		return conn, addrFromNet(conn.RemoteAddr()), addrFromNet(conn.LocalAddr()), nil
	}
	// A Listener bound to "udp" has nothing to accept: its generator ends
	// at once. UDP sources are served by UDPListener, which is built on
	// netx.UDPFanoutListener.
	return nil, netx.Addr{}, netx.Addr{}, netx.ErrAcceptClosed
}

func addrFromNet(a net.Addr) netx.Addr {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return netx.SocketAddr(netx.TCP, tcp.AddrPort())
	}
	if unix, ok := a.(*net.UnixAddr); ok {
		return netx.PathAddr(unix.Name)
	}
	return netx.NameAddr(netx.TCP, a.String(), 0)
}

func errResult(kind error, msg string) mapper.MapResult {
	return mapper.MapResult{C: mapper.NoneStream(), Err: &mapError{kind: kind, msg: msg}}
}

type mapError struct {
	kind error
	msg  string
}

func (e *mapError) Error() string { return e.msg }
func (e *mapError) Unwrap() error { return e.kind }
