//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netx

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
)

// MaxDatagramSize bounds a single UDP read. 64 KiB covers the largest
// possible UDP payload.
const MaxDatagramSize = 65536

// UDPFanoutListener turns a single bound UDP socket into many [AddrConn]s,
// one per distinct source address. It is the listener half of UDP tunnel
// mappers: the accept loop reads datagrams off the shared socket and
// fans each source address out to its own per-source queue, matching the
// "AddrConn↔AddrConn" stream shape the rest of the chain expects.
type UDPFanoutListener struct {
	conn *net.UDPConn
	laddr Addr

	acceptCh chan udpAccept

	mu      sync.Mutex
	sources map[netip.AddrPort]chan Datagram
}

type udpAccept struct {
	ac    *AddrConn
	raddr Addr
}

// NewUDPFanoutListener binds a UDP socket at bindAddr and starts the
// background read loop. Call Accept repeatedly to drain newly observed
// source addresses; call Close to stop the loop and release the socket.
func NewUDPFanoutListener(bindAddr *net.UDPAddr) (*UDPFanoutListener, error) {
	conn, err := net.ListenUDP("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	l := &UDPFanoutListener{
		conn:     conn,
		acceptCh: make(chan udpAccept, 100),
		sources:  make(map[netip.AddrPort]chan Datagram),
	}
	if ap, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		if nip, ok2 := netip.AddrFromSlice(ap.IP); ok2 {
			l.laddr = SocketAddr(UDP, netip.AddrPortFrom(nip, uint16(ap.Port)))
		}
	}
	go l.readLoop()
	return l, nil
}

func (l *UDPFanoutListener) readLoop() {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, raddr, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			close(l.acceptCh)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		dg := Datagram{Data: data, Addr: SocketAddr(UDP, raddr)}

		l.mu.Lock()
		ch, ok := l.sources[raddr]
		if !ok {
			ch = make(chan Datagram, 100)
			l.sources[raddr] = ch
		}
		l.mu.Unlock()

		if !ok {
			// Signal the new source before queuing its first datagram:
			// readLoop is the only sender on ch, so the first datagram
			// is always the first thing ReadDatagram observes, even if
			// Accept returns before the push below lands.
			ac := l.newAddrConn(raddr, ch)
			l.acceptCh <- udpAccept{ac: ac, raddr: SocketAddr(UDP, raddr)}
		}

		select {
		case ch <- dg:
		default:
			// Source queue full: drop rather than block the shared
			// read loop. Datagram delivery is best effort.
		}
	}
}

func (l *UDPFanoutListener) newAddrConn(raddr netip.AddrPort, ch chan Datagram) *AddrConn {
	return &AddrConn{
		Reader:    &udpFanoutReader{ch: ch, src: SocketAddr(UDP, raddr)},
		Writer:    &udpFanoutWriter{conn: l.conn, dst: raddr},
		LocalAddr: l.laddr,
	}
}

// Accept returns the next newly observed source address and its
// [AddrConn]. The datagram that triggered fanout is the first one the
// returned AddrConn's reader yields, so callers never lose it.
func (l *UDPFanoutListener) Accept(ctx context.Context) (conn *AddrConn, raddr Addr, laddr Addr, err error) {
	select {
	case a, ok := <-l.acceptCh:
		if !ok {
			return nil, Addr{}, Addr{}, ErrAcceptClosed
		}
		return a.ac, a.raddr, l.laddr, nil
	case <-ctx.Done():
		return nil, Addr{}, Addr{}, ctx.Err()
	}
}

// LocalAddr returns the address the shared socket is bound to.
func (l *UDPFanoutListener) LocalAddr() Addr {
	return l.laddr
}

// Close closes the underlying socket, ending the read loop.
func (l *UDPFanoutListener) Close() error {
	return l.conn.Close()
}

type udpFanoutReader struct {
	ch  chan Datagram
	src Addr
}

func (r *udpFanoutReader) ReadDatagram(ctx context.Context) (Datagram, error) {
	select {
	case dg, ok := <-r.ch:
		if !ok {
			return Datagram{}, errors.New("netx: udp source queue closed")
		}
		return dg, nil
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

func (r *udpFanoutReader) Close() error { return nil }

type udpFanoutWriter struct {
	conn *net.UDPConn
	dst  netip.AddrPort
}

func (w *udpFanoutWriter) WriteDatagram(ctx context.Context, dg Datagram) error {
	_, err := w.conn.WriteToUDPAddrPort(dg.Data, w.dst)
	return err
}

func (w *udpFanoutWriter) Close() error { return nil }
