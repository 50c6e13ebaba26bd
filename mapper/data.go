//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package mapper

import "github.com/ruci-project/ruci/netx"

// DataFlags tags which accessors a [Data] value supports, so callers can
// probe cheaply before calling the corresponding getter.
type DataFlags uint32

const (
	DataNone  DataFlags = 0
	DataBool  DataFlags = 1 << 0
	DataRAddr DataFlags = 1 << 1
	DataLAddr DataFlags = 1 << 2
	DataUser  DataFlags = 1 << 3
	DataCID   DataFlags = 1 << 4
	DataU8    DataFlags = 1 << 5
	DataALPN  DataFlags = 1 << 6

	DataRLAddr = DataRAddr | DataLAddr
)

// Data is opaque side data one mapper attaches for a later mapper to
// consume, carried in [MapParams.D]/[MapResult.D]. A transparent-proxy
// listener, for instance, attaches the socket's original destination as
// an [RLAddr] for [TproxyResolver] to promote into the target address.
type Data interface {
	Flags() DataFlags
	RAddr() (netx.Addr, bool)
	LAddr() (netx.Addr, bool)
	U8() (uint8, bool)
	Protocol() (string, bool)
}

// baseData is embedded by concrete Data implementations so they only need
// to override the accessors relevant to their flags.
type baseData struct{}

func (baseData) RAddr() (netx.Addr, bool)    { return netx.Addr{}, false }
func (baseData) LAddr() (netx.Addr, bool)    { return netx.Addr{}, false }
func (baseData) U8() (uint8, bool)           { return 0, false }
func (baseData) Protocol() (string, bool)    { return "", false }

// RLAddr carries a pair of remote/local addresses, e.g. the original
// destination a transparent-proxy listener captured before this core
// learned it.
type RLAddr struct {
	baseData
	Remote netx.Addr
	Local  netx.Addr
}

var _ Data = RLAddr{}

func (d RLAddr) Flags() DataFlags       { return DataRLAddr }
func (d RLAddr) RAddr() (netx.Addr, bool) { return d.Remote, true }
func (d RLAddr) LAddr() (netx.Addr, bool) { return d.Local, d.Local != (netx.Addr{}) }

// U8Data carries a single byte, used by the Adder mapper to record the
// delta it applies so a downstream subtracting Adder can undo it.
type U8Data struct {
	baseData
	Value uint8
}

var _ Data = U8Data{}

func (d U8Data) Flags() DataFlags   { return DataU8 }
func (d U8Data) U8() (uint8, bool)  { return d.Value, true }

// ALPNData carries the protocol a TLS handshake negotiated via ALPN,
// letting a [dynchain.Finite] selector downstream branch on it (e.g. to
// H2 vs. WebSocket vs. a raw tunnel) without re-inspecting the conn.
type ALPNData struct {
	baseData
	Protocol_ string
}

var _ Data = ALPNData{}

func (d ALPNData) Flags() DataFlags          { return DataALPN }
func (d ALPNData) Protocol() (string, bool)  { return d.Protocol_, d.Protocol_ != "" }

// FindProtocol scans d for the first entry carrying a negotiated ALPN
// protocol name.
func FindProtocol(d []Data) (string, bool) {
	for _, item := range d {
		if item.Flags()&DataALPN != 0 {
			if p, ok := item.Protocol(); ok {
				return p, true
			}
		}
	}
	return "", false
}

// FindRAddr scans d for the first entry carrying a remote address.
func FindRAddr(d []Data) (netx.Addr, bool) {
	for _, item := range d {
		if item.Flags()&DataRAddr != 0 {
			if a, ok := item.RAddr(); ok {
				return a, true
			}
		}
	}
	return netx.Addr{}, false
}

// FindLAddr scans d for the first entry carrying a local address.
func FindLAddr(d []Data) (netx.Addr, bool) {
	for _, item := range d {
		if item.Flags()&DataLAddr != 0 {
			if a, ok := item.LAddr(); ok {
				return a, true
			}
		}
	}
	return netx.Addr{}, false
}
