// SPDX-License-Identifier: GPL-3.0-or-later

package addermap

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

func mapConn(t *testing.T, m mapper.Mapper, conn net.Conn, b []byte) (net.Conn, mapper.MapResult) {
	t.Helper()
	res := m.Maps(context.Background(), netx.NewCID(1), mapper.Unspecified, mapper.MapParams{C: mapper.ConnStream(conn), B: b})
	require.NoError(t, res.Err)
	out, ok := res.C.Conn()
	require.True(t, ok)
	return out, res
}

func TestAdderTransformsBothDirections(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	wrapped, _ := mapConn(t, New(obs.DefaultSLogger(), 3), c1, nil)

	go wrapped.Write([]byte{10, 20, 30})
	buf := make([]byte, 3)
	_, err := io.ReadFull(c2, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{13, 23, 33}, buf, "writes add the delta on the wire")

	go c2.Write([]byte{13, 23, 33})
	_, err = io.ReadFull(wrapped, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 20, 30}, buf, "reads subtract the delta")
}

func TestAdderComplementaryDeltasAreIdentity(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	// Adder(+5) then Adder(-5): +5 and +251 cancel mod 256.
	first, _ := mapConn(t, New(obs.DefaultSLogger(), 5), c1, nil)
	second, _ := mapConn(t, New(obs.DefaultSLogger(), 251), first, nil)

	payload := []byte("identity law")
	go second.Write(payload)
	buf := make([]byte, len(payload))
	_, err := io.ReadFull(c2, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)

	go c2.Write(payload)
	_, err = io.ReadFull(second, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
}

func TestAdderAdjustsEarlyData(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	_, res := mapConn(t, New(obs.DefaultSLogger(), 1), c1, []byte{11, 21})
	assert.Equal(t, []byte{10, 20}, res.B, "early data is de-transformed like reads")
}

func TestAdderRejectsNonConnStreams(t *testing.T) {
	m := New(obs.DefaultSLogger(), 1)
	res := m.Maps(context.Background(), netx.NewCID(1), mapper.Unspecified, mapper.MapParams{C: mapper.NoneStream()})
	assert.ErrorIs(t, res.Err, netx.ErrBadStreamShape)
}
