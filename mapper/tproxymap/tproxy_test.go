// SPDX-License-Identifier: GPL-3.0-or-later

package tproxymap

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

func TestPromotesCapturedDestination(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	orig := netx.SocketAddr(netx.TCP, netip.MustParseAddrPort("203.0.113.9:443"))
	peer := netx.SocketAddr(netx.TCP, netip.MustParseAddrPort("192.0.2.1:9999"))

	res := New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Decode,
		mapper.MapParams{
			C: mapper.ConnStream(c1),
			D: []mapper.Data{mapper.RLAddr{Remote: peer, Local: orig}},
		})
	require.NoError(t, res.Err)
	require.NotNil(t, res.A)
	assert.Equal(t, orig, *res.A)

	conn, ok := res.C.Conn()
	require.True(t, ok)
	assert.Equal(t, c1, conn, "the stream passes through untouched")
}

func TestErrorsWithoutCapturedDestination(t *testing.T) {
	res := New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Decode,
		mapper.MapParams{C: mapper.NoneStream()})
	assert.ErrorIs(t, res.Err, netx.ErrMissingTargetAddr)
}

func TestRejectsEncode(t *testing.T) {
	res := New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Encode, mapper.MapParams{})
	assert.Error(t, res.Err)
}
