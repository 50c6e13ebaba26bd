//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netx

import (
	"fmt"
	"net/netip"
)

// Network names the transport an [Addr] refers to.
type Network string

const (
	TCP  Network = "tcp"
	UDP  Network = "udp"
	UNIX Network = "unix"
	IP   Network = "ip"
)

// Addr is an address value carried through [MapParams]/[MapResult] as the
// current target or peer address. Exactly one of its inner forms is set:
// a resolved socket address, an unresolved host/port pair, or a filesystem
// path (for [UNIX]).
type Addr struct {
	Network Network

	// Socket is set when the address is already resolved to an
	// [netip.AddrPort]. Zero value when unset.
	Socket netip.AddrPort

	// Host and Port are set when the address is an unresolved name,
	// e.g. as produced by a SOCKS5/Trojan/HTTP CONNECT decoder before
	// resolution.
	Host string
	Port uint16

	// Path is set for [UNIX] addresses that name a filesystem path
	// rather than a host/port pair.
	Path string
}

// IsResolved reports whether a already carries a concrete socket address.
func (a Addr) IsResolved() bool {
	return a.Socket.IsValid()
}

// IsName reports whether a is an unresolved host/port pair.
func (a Addr) IsName() bool {
	return !a.IsResolved() && a.Path == "" && a.Host != ""
}

// SocketAddr returns an [Addr] wrapping an already-resolved socket.
func SocketAddr(network Network, socket netip.AddrPort) Addr {
	return Addr{Network: network, Socket: socket}
}

// NameAddr returns an [Addr] wrapping an unresolved host/port pair.
func NameAddr(network Network, host string, port uint16) Addr {
	return Addr{Network: network, Host: host, Port: port}
}

// PathAddr returns a [UNIX] [Addr] wrapping a filesystem path.
func PathAddr(path string) Addr {
	return Addr{Network: UNIX, Path: path}
}

// String renders a in the most specific form it currently holds.
func (a Addr) String() string {
	switch {
	case a.Path != "":
		return a.Path
	case a.IsResolved():
		return a.Socket.String()
	case a.Host != "":
		return fmt.Sprintf("%s:%d", a.Host, a.Port)
	default:
		return "<unset>"
	}
}
