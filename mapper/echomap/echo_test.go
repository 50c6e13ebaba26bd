// SPDX-License-Identifier: GPL-3.0-or-later

package echomap

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

func TestEchoReturnsEveryByteInOrder(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	done := make(chan mapper.MapResult, 1)
	go func() {
		done <- New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Unspecified,
			mapper.MapParams{C: mapper.ConnStream(c1)})
	}()

	payload := []byte("round trip payload")
	go func() {
		c2.Write(payload)
	}()
	buf := make([]byte, len(payload))
	c2.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := io.ReadFull(c2, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)

	c2.Close()
	res := <-done
	assert.NoError(t, res.Err)
	assert.True(t, res.C.IsNone(), "echo terminates the chain")
}

// queueReader feeds queued datagrams then blocks until ctx is done.
type queueReader struct {
	ch chan netx.Datagram
}

func (r *queueReader) ReadDatagram(ctx context.Context) (netx.Datagram, error) {
	select {
	case dg, ok := <-r.ch:
		if !ok {
			return netx.Datagram{}, io.EOF
		}
		return dg, nil
	case <-ctx.Done():
		return netx.Datagram{}, ctx.Err()
	}
}

func (r *queueReader) Close() error { return nil }

type recordWriter struct {
	mu  sync.Mutex
	out []netx.Datagram
}

func (w *recordWriter) WriteDatagram(ctx context.Context, dg netx.Datagram) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.out = append(w.out, dg)
	return nil
}

func (w *recordWriter) Close() error { return nil }

func TestEchoDatagramsReturnToTheirSource(t *testing.T) {
	in := make(chan netx.Datagram, 4)
	src1 := netx.NameAddr(netx.UDP, "peer-a", 1111)
	src2 := netx.NameAddr(netx.UDP, "peer-b", 2222)
	in <- netx.Datagram{Data: []byte("one"), Addr: src1}
	in <- netx.Datagram{Data: []byte("two"), Addr: src2}
	in <- netx.Datagram{Data: []byte("three"), Addr: src1}
	close(in)

	w := &recordWriter{}
	ac := &netx.AddrConn{Reader: &queueReader{ch: in}, Writer: w}

	res := New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Unspecified,
		mapper.MapParams{C: mapper.AddrConnStream(ac)})
	assert.NoError(t, res.Err)
	assert.True(t, res.C.IsNone())

	require.Len(t, w.out, 3)
	assert.Equal(t, src1, w.out[0].Addr)
	assert.Equal(t, src2, w.out[1].Addr)
	assert.Equal(t, src1, w.out[2].Addr)
	assert.Equal(t, "one", string(w.out[0].Data))
	assert.Equal(t, "two", string(w.out[1].Data))
	assert.Equal(t, "three", string(w.out[2].Data))
}

func TestEchoRejectsGeneratorStreams(t *testing.T) {
	gen := make(chan mapper.MapResult)
	close(gen)
	res := New(obs.DefaultSLogger()).Maps(context.Background(), netx.NewCID(1), mapper.Unspecified,
		mapper.MapParams{C: mapper.GeneratorStream(gen)})
	assert.ErrorIs(t, res.Err, netx.ErrBadStreamShape)
}
