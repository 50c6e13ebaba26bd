// SPDX-License-Identifier: GPL-3.0-or-later

package relay

import (
	"bytes"
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
	"github.com/ruci-project/ruci/traffic"
)

// tcpPair returns the two ends of a loopback TCP connection, so tests
// exercise the same half-close semantics the relay sees in production.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(done)
			return
		}
		done <- conn
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-done
	require.NotNil(t, server)
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func TestRunConnConnCopiesBothDirections(t *testing.T) {
	inClient, inRelay := tcpPair(t)
	outRelay, outServer := tcpPair(t)

	done := make(chan netx.RelayResult, 1)
	go func() {
		done <- Run(context.Background(), netx.NewCID(1), mapper.ConnStream(inRelay), mapper.ConnStream(outRelay), nil)
	}()

	// The far end echoes everything it receives.
	go func() {
		io.Copy(outServer, outServer)
		outServer.Close()
	}()

	payload := bytes.Repeat([]byte("abcdefgh"), 512)
	_, err := inClient.Write(payload)
	require.NoError(t, err)

	echoed := make([]byte, len(payload))
	inClient.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(inClient, echoed)
	require.NoError(t, err)
	assert.Equal(t, payload, echoed)

	inClient.(*net.TCPConn).CloseWrite()
	res := <-done
	assert.NoError(t, res.Err)
	assert.Equal(t, uint64(len(payload)), res.UpBytes)
	assert.Equal(t, uint64(len(payload)), res.DownBytes)
}

func TestRunConnConnAccountingTotals(t *testing.T) {
	inClient, inRelay := tcpPair(t)
	outRelay, outServer := tcpPair(t)

	upCh := traffic.NewUpdateChannel()
	downCh := traffic.NewUpdateChannel()
	acct := &Accounting{Up: upCh, Down: downCh}

	cid := netx.NewCID(7)
	done := make(chan netx.RelayResult, 1)
	go func() {
		done <- Run(context.Background(), cid, mapper.ConnStream(inRelay), mapper.ConnStream(outRelay), acct)
	}()

	go func() {
		io.Copy(outServer, outServer)
		outServer.Close()
	}()

	// Drain the accounting channels while the relay runs, so a full
	// channel can never stall it.
	var upTotal, downTotal uint64
	var drain sync.WaitGroup
	drain.Add(2)
	go func() {
		defer drain.Done()
		for upd := range upCh {
			assert.Equal(t, cid, upd.CID)
			upTotal += upd.Bytes
		}
	}()
	go func() {
		defer drain.Done()
		for upd := range downCh {
			downTotal += upd.Bytes
		}
	}()

	payload := bytes.Repeat([]byte{0x5a}, 1<<20)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		inClient.Write(payload)
		inClient.(*net.TCPConn).CloseWrite()
	}()
	echoed, err := io.ReadAll(inClient)
	require.NoError(t, err)
	wg.Wait()
	assert.Equal(t, len(payload), len(echoed))

	res := <-done
	close(upCh)
	close(downCh)
	drain.Wait()

	assert.NoError(t, res.Err)
	assert.Equal(t, uint64(1<<20), res.UpBytes)
	assert.Equal(t, uint64(1<<20), res.DownBytes)
	assert.Equal(t, res.UpBytes, upTotal, "published up total must equal bytes copied")
	assert.Equal(t, res.DownBytes, downTotal, "published down total must equal bytes copied")
}

// chanAddrReader yields queued datagrams, then io.EOF once its channel is
// closed and drained.
type chanAddrReader struct{ ch chan netx.Datagram }

func (r *chanAddrReader) ReadDatagram(ctx context.Context) (netx.Datagram, error) {
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

func (r *chanAddrReader) Close() error { return nil }

// recordAddrWriter records every written datagram.
type recordAddrWriter struct {
	mu  sync.Mutex
	out []netx.Datagram
}

func (w *recordAddrWriter) WriteDatagram(ctx context.Context, dg netx.Datagram) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.out = append(w.out, dg)
	return nil
}

func (w *recordAddrWriter) Close() error { return nil }

func (w *recordAddrWriter) datagrams() []netx.Datagram {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]netx.Datagram(nil), w.out...)
}

func TestRunAddrAddrPreservesFrames(t *testing.T) {
	aIn := make(chan netx.Datagram, 4)
	bIn := make(chan netx.Datagram, 4)
	aWriter := &recordAddrWriter{}
	bWriter := &recordAddrWriter{}

	src := netx.NameAddr(netx.UDP, "client", 1000)
	aIn <- netx.Datagram{Data: []byte("one"), Addr: src}
	aIn <- netx.Datagram{Data: []byte("two"), Addr: src}
	close(aIn)
	close(bIn)

	a := &netx.AddrConn{Reader: &chanAddrReader{ch: aIn}, Writer: aWriter}
	b := &netx.AddrConn{Reader: &chanAddrReader{ch: bIn}, Writer: bWriter}

	res := Run(context.Background(), netx.NewCID(2), mapper.AddrConnStream(a), mapper.AddrConnStream(b), nil)

	got := bWriter.datagrams()
	require.Len(t, got, 2)
	assert.Equal(t, []byte("one"), got[0].Data)
	assert.Equal(t, []byte("two"), got[1].Data)
	assert.Equal(t, src, got[0].Addr)
	assert.Equal(t, uint64(6), res.UpBytes)
	assert.Empty(t, aWriter.datagrams())
}

func TestRunRejectsGeneratorStreams(t *testing.T) {
	gen := make(chan mapper.MapResult)
	close(gen)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	res := Run(context.Background(), netx.NewCID(3), mapper.GeneratorStream(gen), mapper.ConnStream(c1), nil)
	assert.ErrorIs(t, res.Err, netx.ErrBadStreamShape)
}
