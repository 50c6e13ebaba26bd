// SPDX-License-Identifier: GPL-3.0-or-later

package netx

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPFanoutListenerSeparatesSources(t *testing.T) {
	l, err := NewUDPFanoutListener(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer l.Close()

	target := l.laddr.Socket
	require.True(t, target.IsValid())

	client1, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(target))
	require.NoError(t, err)
	defer client1.Close()
	client2, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(target))
	require.NoError(t, err)
	defer client2.Close()

	_, err = client1.Write([]byte("from-1"))
	require.NoError(t, err)
	_, err = client2.Write([]byte("from-2"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	bySource := map[string]string{}
	for i := 0; i < 2; i++ {
		ac, raddr, laddr, err := l.Accept(ctx)
		require.NoError(t, err)
		assert.Equal(t, l.laddr, laddr)

		dg, err := ac.Reader.ReadDatagram(ctx)
		require.NoError(t, err)
		assert.Equal(t, raddr, dg.Addr, "the triggering datagram carries its source address")
		bySource[raddr.String()] = string(dg.Data)
	}

	assert.Len(t, bySource, 2)
	assert.Contains(t, bySource, client1.LocalAddr().String())
	assert.Contains(t, bySource, client2.LocalAddr().String())
}

func TestUDPFanoutListenerFirstDatagramNotLost(t *testing.T) {
	l, err := NewUDPFanoutListener(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer l.Close()

	client, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(l.laddr.Socket))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("first"))
	require.NoError(t, err)
	_, err = client.Write([]byte("second"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ac, _, _, err := l.Accept(ctx)
	require.NoError(t, err)

	dg, err := ac.Reader.ReadDatagram(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", string(dg.Data))
	dg, err = ac.Reader.ReadDatagram(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", string(dg.Data))
}

func TestUDPFanoutListenerWriteReachesSource(t *testing.T) {
	l, err := NewUDPFanoutListener(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer l.Close()

	client, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(l.laddr.Socket))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ac, raddr, _, err := l.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, ac.Writer.WriteDatagram(ctx, Datagram{Data: []byte("pong"), Addr: raddr}))

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestUDPFanoutListenerAcceptAfterClose(t *testing.T) {
	l, err := NewUDPFanoutListener(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, _, err = l.Accept(ctx)
	assert.ErrorIs(t, err, ErrAcceptClosed)
}
