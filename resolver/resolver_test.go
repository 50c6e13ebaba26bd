// SPDX-License-Identifier: GPL-3.0-or-later

package resolver

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruci-project/ruci/netx"
)

func TestResolveAddrPassesThroughResolvedAndUnix(t *testing.T) {
	r := ResolverFunc(func(ctx context.Context, host string) ([]netip.Addr, error) {
		t.Fatal("resolver must not be consulted")
		return nil, nil
	})

	resolved := netx.SocketAddr(netx.TCP, netip.MustParseAddrPort("192.0.2.1:80"))
	got, err := ResolveAddr(context.Background(), r, resolved)
	require.NoError(t, err)
	assert.Equal(t, resolved, got)

	path := netx.PathAddr("/run/app.sock")
	got, err = ResolveAddr(context.Background(), r, path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestResolveAddrResolvesNames(t *testing.T) {
	r := ResolverFunc(func(ctx context.Context, host string) ([]netip.Addr, error) {
		assert.Equal(t, "example.com", host)
		return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
	})

	got, err := ResolveAddr(context.Background(), r, netx.NameAddr(netx.TCP, "example.com", 443))
	require.NoError(t, err)
	assert.True(t, got.IsResolved())
	assert.Equal(t, "93.184.216.34:443", got.String())
	assert.Equal(t, netx.TCP, got.Network)
}

func TestResolveAddrPropagatesFailures(t *testing.T) {
	boom := errors.New("nxdomain")
	r := ResolverFunc(func(ctx context.Context, host string) ([]netip.Addr, error) {
		return nil, boom
	})

	_, err := ResolveAddr(context.Background(), r, netx.NameAddr(netx.TCP, "missing.example", 80))
	assert.ErrorIs(t, err, boom)

	empty := ResolverFunc(func(ctx context.Context, host string) ([]netip.Addr, error) {
		return nil, nil
	})
	_, err = ResolveAddr(context.Background(), empty, netx.NameAddr(netx.TCP, "empty.example", 80))
	assert.Error(t, err)
}

func TestResolveAddrRejectsUnsetAddr(t *testing.T) {
	r := ResolverFunc(func(ctx context.Context, host string) ([]netip.Addr, error) {
		return nil, nil
	})
	_, err := ResolveAddr(context.Background(), r, netx.Addr{Network: netx.TCP})
	assert.Error(t, err)
}
