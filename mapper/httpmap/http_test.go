// SPDX-License-Identifier: GPL-3.0-or-later

package httpmap

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

func TestConnectHandshake(t *testing.T) {
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })

	serverDone := make(chan mapper.MapResult, 1)
	go func() {
		serverDone <- New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Decode,
			mapper.MapParams{C: mapper.ConnStream(c1)})
	}()

	target := netx.NameAddr(netx.TCP, "www.example.com", 80)
	clientRes := NewClient(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(2), mapper.Encode,
		mapper.MapParams{C: mapper.ConnStream(c2), A: &target})
	require.NoError(t, clientRes.Err)

	var serverRes mapper.MapResult
	select {
	case serverRes = <-serverDone:
	case <-time.After(3 * time.Second):
		t.Fatal("server handshake did not complete")
	}
	require.NoError(t, serverRes.Err)
	require.NotNil(t, serverRes.A)
	assert.Equal(t, "www.example.com", serverRes.A.Host)
	assert.Equal(t, uint16(80), serverRes.A.Port)
}

func TestServerRejectsNonConnect(t *testing.T) {
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })

	serverDone := make(chan mapper.MapResult, 1)
	go func() {
		serverDone <- New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Decode,
			mapper.MapParams{C: mapper.ConnStream(c1)})
	}()

	go c2.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	buf := make([]byte, 64)
	c2.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _ := c2.Read(buf)
	assert.Contains(t, string(buf[:n]), "405")

	res := <-serverDone
	assert.ErrorIs(t, res.Err, netx.ErrHandshakeFailure)
}

func TestClientRequiresTargetAddress(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	res := NewClient(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Encode,
		mapper.MapParams{C: mapper.ConnStream(c2)})
	assert.ErrorIs(t, res.Err, netx.ErrMissingTargetAddr)
}

func TestClientRejectsRefusedConnect(t *testing.T) {
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })

	go func() {
		// Swallow the request, refuse the tunnel.
		buf := make([]byte, 1024)
		c1.Read(buf)
		c1.Write([]byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n"))
	}()

	target := netx.NameAddr(netx.TCP, "blocked.example", 443)
	res := NewClient(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Encode,
		mapper.MapParams{C: mapper.ConnStream(c2), A: &target})
	assert.ErrorIs(t, res.Err, netx.ErrHandshakeFailure)
}

func TestDirectionMismatch(t *testing.T) {
	res := New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Encode, mapper.MapParams{})
	assert.Error(t, res.Err)

	res = NewClient(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Decode, mapper.MapParams{})
	assert.Error(t, res.Err)
}
