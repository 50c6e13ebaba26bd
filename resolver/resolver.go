//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

// Package resolver implements host-to-socket address resolution. Rather
// than a bare [net.Resolver] call, it offers pluggable
// DNS-over-UDP/TCP/TLS/HTTPS backends built on small composable DNS
// exchange wrappers, so resolution gets the same structured start/done
// logging every other mapper carries.
package resolver

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/bassosimone/dnscodec"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// Resolver resolves a host name to one or more IP addresses.
type Resolver interface {
	// Resolve looks up host and returns its addresses. Implementations
	// query both A and AAAA records and return whatever is authoritative.
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// ResolverFunc adapts a function to [Resolver].
type ResolverFunc func(ctx context.Context, host string) ([]netip.Addr, error)

func (f ResolverFunc) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	return f(ctx, host)
}

// ResolveAddr resolves a into a socket address using r when a carries an
// unresolved host/port pair. If a is already resolved (or is a UNIX path),
// it is returned unchanged.
func ResolveAddr(ctx context.Context, r Resolver, a netx.Addr) (netx.Addr, error) {
	if a.IsResolved() || a.Network == netx.UNIX {
		return a, nil
	}
	if !a.IsName() {
		return netx.Addr{}, fmt.Errorf("resolver: address has neither a resolved socket nor a name: %s", a)
	}
	addrs, err := r.Resolve(ctx, a.Host)
	if err != nil {
		return netx.Addr{}, fmt.Errorf("resolver: resolving %q: %w", a.Host, err)
	}
	if len(addrs) == 0 {
		return netx.Addr{}, fmt.Errorf("resolver: %q resolved to no addresses", a.Host)
	}
	return netx.SocketAddr(a.Network, netip.AddrPortFrom(addrs[0], a.Port)), nil
}

// exchanger is the minimal contract every DNS-transport-specific
// connection wrapper (udpExchanger, tcpExchanger, tlsExchanger,
// httpsExchanger) satisfies.
type exchanger interface {
	Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error)
	Close() error
}

// exchangeBoth runs the A and AAAA queries concurrently, each over its
// own freshly dialed exchanger, and merges the results. One connection
// per query keeps the two in-flight exchanges from interleaving writes
// or stealing each other's responses on a shared socket.
func exchangeBoth(ctx context.Context, dial func(ctx context.Context) (exchanger, error), host string) ([]netip.Addr, error) {
	var aAddrs, aaaaAddrs []netip.Addr
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ex, err := dial(ctx)
		if err != nil {
			return err
		}
		defer ex.Close()
		resp, err := ex.Exchange(ctx, dnscodec.NewQuery(host, dns.TypeA))
		if err != nil {
			return err
		}
		recs, err := resp.RecordsA()
		if err != nil {
			return err
		}
		aAddrs, err = parseAddrs(recs)
		return err
	})
	g.Go(func() error {
		// AAAA is best-effort; A alone is a usable result.
		ex, err := dial(ctx)
		if err != nil {
			return nil
		}
		defer ex.Close()
		resp, err := ex.Exchange(ctx, dnscodec.NewQuery(host, dns.TypeAAAA))
		if err != nil {
			return nil
		}
		recs, err := resp.RecordsAAAA()
		if err != nil {
			return nil
		}
		aaaaAddrs, _ = parseAddrs(recs)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(aAddrs, aaaaAddrs...), nil
}

// parseAddrs converts the string-encoded IP addresses returned by
// [dnscodec.Response.RecordsA] and [dnscodec.Response.RecordsAAAA]
// into [netip.Addr] values.
func parseAddrs(recs []string) ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(recs))
	for _, rec := range recs {
		addr, err := netip.ParseAddr(rec)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// logContext carries the shared [obs] logging fields for one exchange.
type logContext struct {
	errClassifier  obs.ErrClassifier
	logger         obs.SLogger
	localAddr      string
	protocol       string
	remoteAddr     string
	serverProtocol string
}
