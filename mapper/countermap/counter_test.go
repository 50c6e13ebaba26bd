// SPDX-License-Identifier: GPL-3.0-or-later

package countermap

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
	"github.com/ruci-project/ruci/traffic"
)

func TestCounterIsTransparentAndCounts(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	rec := traffic.NewRecorder()
	m := New(obs.DefaultSLogger(), rec)

	res := m.Maps(context.Background(), netx.NewCID(1), mapper.Decode, mapper.MapParams{C: mapper.ConnStream(c1)})
	require.NoError(t, res.Err)
	wrapped, ok := res.C.Conn()
	require.True(t, ok)

	assert.Equal(t, int64(1), rec.ActiveConns())

	payload := []byte("counted bytes")
	wrote := make(chan struct{})
	go func() {
		wrapped.Write(payload)
		close(wrote)
	}()
	buf := make([]byte, len(payload))
	_, err := io.ReadFull(c2, buf)
	require.NoError(t, err)
	<-wrote
	assert.Equal(t, payload, buf, "the byte stream is unchanged")

	go c2.Write([]byte("reply"))
	reply := make([]byte, 5)
	_, err = io.ReadFull(wrapped, reply)
	require.NoError(t, err)

	assert.Equal(t, uint64(len(payload)), rec.UpBytes())
	assert.Equal(t, uint64(5), rec.DownBytes())

	wrapped.Close()
	assert.Equal(t, int64(0), rec.ActiveConns(), "closing returns the gauge to its prior value")
	wrapped.Close()
	assert.Equal(t, int64(0), rec.ActiveConns(), "double close decrements only once")
}

func TestCounterForwardsEarlyDataAndAddr(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	rec := traffic.NewRecorder()
	target := netx.NameAddr(netx.TCP, "example.com", 80)
	res := New(obs.DefaultSLogger(), rec).Maps(context.Background(), netx.NewCID(1), mapper.Decode,
		mapper.MapParams{C: mapper.ConnStream(c1), A: &target, B: []byte("early")})
	require.NoError(t, res.Err)
	assert.Equal(t, &target, res.A)
	assert.Equal(t, []byte("early"), res.B)
}

func TestCounterRejectsNonConnStreams(t *testing.T) {
	rec := traffic.NewRecorder()
	res := New(obs.DefaultSLogger(), rec).Maps(context.Background(), netx.NewCID(1), mapper.Decode,
		mapper.MapParams{C: mapper.NoneStream()})
	assert.ErrorIs(t, res.Err, netx.ErrBadStreamShape)
	assert.Equal(t, int64(0), rec.ActiveConns())
}
