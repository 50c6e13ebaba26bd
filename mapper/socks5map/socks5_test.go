// SPDX-License-Identifier: GPL-3.0-or-later

package socks5map

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// handshakePair runs the server mapper on one end of a pipe and the
// client mapper on the other, returning both results.
func handshakePair(t *testing.T, clientParams mapper.MapParams) (serverRes, clientRes mapper.MapResult) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })

	serverDone := make(chan mapper.MapResult, 1)
	go func() {
		serverDone <- New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Decode,
			mapper.MapParams{C: mapper.ConnStream(c1)})
	}()

	clientParams.C = mapper.ConnStream(c2)
	clientRes = NewClient(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(2), mapper.Encode, clientParams)

	select {
	case serverRes = <-serverDone:
	case <-time.After(3 * time.Second):
		t.Fatal("server handshake did not complete")
	}
	return serverRes, clientRes
}

func TestHandshakeDomainTarget(t *testing.T) {
	target := netx.NameAddr(netx.TCP, "www.example.com", 80)
	serverRes, clientRes := handshakePair(t, mapper.MapParams{A: &target})

	require.NoError(t, clientRes.Err)
	require.NoError(t, serverRes.Err)
	require.NotNil(t, serverRes.A)
	assert.Equal(t, "www.example.com", serverRes.A.Host)
	assert.Equal(t, uint16(80), serverRes.A.Port)
	assert.Empty(t, serverRes.B)
}

func TestHandshakeIPv4Target(t *testing.T) {
	target := netx.SocketAddr(netx.TCP, netip.MustParseAddrPort("10.1.2.3:443"))
	serverRes, clientRes := handshakePair(t, mapper.MapParams{A: &target})

	require.NoError(t, clientRes.Err)
	require.NoError(t, serverRes.Err)
	require.NotNil(t, serverRes.A)
	assert.Equal(t, "10.1.2.3:443", serverRes.A.String())
}

func TestServerPreservesPipelinedEarlyData(t *testing.T) {
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })

	serverDone := make(chan mapper.MapResult, 1)
	go func() {
		serverDone <- New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Decode,
			mapper.MapParams{C: mapper.ConnStream(c1)})
	}()

	// Method negotiation, CONNECT request, and the first payload bytes in
	// one write, the way a pipelining client sends them.
	req := []byte{5, 1, 0}
	req = append(req, 5, 1, 0, 3, 4, 'h', 'o', 's', 't', 0, 80)
	req = append(req, []byte("GET / HTTP/1.0\r\n\r\n")...)
	go c2.Write(req)

	// Read the two server replies so the pipe does not stall.
	buf := make([]byte, 2+10)
	c2.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := io.ReadFull(c2, buf)
	require.NoError(t, err)

	res := <-serverDone
	require.NoError(t, res.Err)
	require.NotNil(t, res.A)
	assert.Equal(t, "host", res.A.Host)
	assert.Equal(t, "GET / HTTP/1.0\r\n\r\n", string(res.B))
}

func TestClientRequiresTargetAddress(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	res := NewClient(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Encode,
		mapper.MapParams{C: mapper.ConnStream(c2)})
	assert.ErrorIs(t, res.Err, netx.ErrMissingTargetAddr)
}

func TestDirectionMismatch(t *testing.T) {
	res := New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Encode, mapper.MapParams{})
	assert.Error(t, res.Err)

	res = NewClient(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Decode, mapper.MapParams{})
	assert.Error(t, res.Err)
}

func TestServerRejectsBadVersion(t *testing.T) {
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })

	serverDone := make(chan mapper.MapResult, 1)
	go func() {
		serverDone <- New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Decode,
			mapper.MapParams{C: mapper.ConnStream(c1)})
	}()

	go c2.Write([]byte{4, 1, 0})
	res := <-serverDone
	assert.ErrorIs(t, res.Err, netx.ErrHandshakeFailure)
}

func TestServerRejectsNonConnStream(t *testing.T) {
	res := New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Decode,
		mapper.MapParams{C: mapper.NoneStream()})
	assert.ErrorIs(t, res.Err, netx.ErrBadStreamShape)
}
