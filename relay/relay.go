//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package relay implements the bidirectional byte pump between two
// terminal streams a folded chain produces, with optional per-CID
// accounting.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/traffic"
)

// Accounting carries the optional per-direction update channels a relay
// publishes to. Either or both may be nil, meaning no observer wants that
// direction's updates; a nil [*Accounting] disables accounting entirely
// and the relay falls back to a single bidirectional copy with no byte
// counting overhead.
type Accounting struct {
	Up   chan<- traffic.Update
	Down chan<- traffic.Update
}

// Run copies bytes bidirectionally between a and b until one side
// closes. a is conventionally the inbound (client-facing)
// terminal stream and b the outbound (destination-facing) one; "up"
// means a→b, "down" means b→a.
//
// Conn↔Conn uses a standard bidirectional copy. AddrConn↔AddrConn loops
// datagram reads/writes preserving per-frame addressing. Conn↔AddrConn
// bridges a byte stream to a fixed-target datagram stream, tunnelling
// the stream side as payload frames. Any other combination (a Generator
// on either side) is invalid.
func Run(ctx context.Context, cid netx.CID, a, b mapper.Stream, acct *Accounting) netx.RelayResult {
	aConn, aIsConn := a.Conn()
	bConn, bIsConn := b.Conn()
	aAddr, aIsAddr := a.AddrConn()
	bAddr, bIsAddr := b.AddrConn()

	switch {
	case aIsConn && bIsConn:
		return runConnConn(ctx, cid, aConn, bConn, acct)
	case aIsAddr && bIsAddr:
		return runAddrAddr(ctx, cid, aAddr, bAddr, acct)
	case aIsConn && bIsAddr:
		return runConnAddr(ctx, cid, aConn, bAddr, acct)
	case aIsAddr && bIsConn:
		res := runConnAddr(ctx, cid, bConn, aAddr, swapAccounting(acct))
		return netx.RelayResult{UpBytes: res.DownBytes, DownBytes: res.UpBytes, Err: res.Err}
	default:
		return netx.RelayResult{Err: fmt.Errorf("relay: %w: incompatible stream shapes %s/%s", netx.ErrBadStreamShape, a.Kind, b.Kind)}
	}
}

func swapAccounting(acct *Accounting) *Accounting {
	if acct == nil {
		return nil
	}
	return &Accounting{Up: acct.Down, Down: acct.Up}
}

// runConnConn implements the Conn↔Conn case. Without accounting it is a
// plain [io.Copy] pair; with accounting each direction runs as its own
// task publishing a byte update after every completed write, and the
// relay waits for both directions to finish so both totals can be
// reported together.
func runConnConn(ctx context.Context, cid netx.CID, a, b mapper.Conn, acct *Accounting) netx.RelayResult {
	if acct == nil {
		var up, down int64
		var wg sync.WaitGroup
		var upErr, downErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			up, upErr = io.Copy(b, a)
			closeWrite(b)
		}()
		go func() {
			defer wg.Done()
			down, downErr = io.Copy(a, b)
			closeWrite(a)
		}()
		wg.Wait()
		return netx.RelayResult{UpBytes: uint64(up), DownBytes: uint64(down), Err: firstRealErr(upErr, downErr)}
	}

	var up, down uint64
	var wg sync.WaitGroup
	var upErr, downErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		up, upErr = copyAccounted(ctx, b, a, cid, acct.Up)
		closeWrite(b)
	}()
	go func() {
		defer wg.Done()
		down, downErr = copyAccounted(ctx, a, b, cid, acct.Down)
		closeWrite(a)
	}()
	wg.Wait()
	return netx.RelayResult{UpBytes: up, DownBytes: down, Err: firstRealErr(upErr, downErr)}
}

// copyAccounted is [io.Copy] with a per-write accounting publish,
// grounded on the observedConn read/write log-pair idiom.
func copyAccounted(ctx context.Context, dst io.Writer, src io.Reader, cid netx.CID, ch chan<- traffic.Update) (uint64, error) {
	buf := make([]byte, 32*1024)
	var total uint64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += uint64(n)
			traffic.Publish(ctx, ch, traffic.Update{CID: cid, Bytes: uint64(n)})
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

func closeWrite(c mapper.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}

func firstRealErr(errs ...error) error {
	for _, err := range errs {
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return nil
}

// runAddrAddr implements the AddrConn↔AddrConn case: datagram reads and
// writes are looped independently per direction, preserving per-frame
// source/dest addressing.
func runAddrAddr(ctx context.Context, cid netx.CID, a, b *netx.AddrConn, acct *Accounting) netx.RelayResult {
	var up, down uint64
	var wg sync.WaitGroup
	var upErr, downErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		up, upErr = pumpDatagrams(ctx, a.Reader, b.Writer, b.LocalAddr, cid, acctUp(acct))
	}()
	go func() {
		defer wg.Done()
		down, downErr = pumpDatagrams(ctx, b.Reader, a.Writer, a.LocalAddr, cid, acctDown(acct))
	}()
	wg.Wait()
	return netx.RelayResult{UpBytes: up, DownBytes: down, Err: firstRealErr(upErr, downErr)}
}

func acctUp(acct *Accounting) chan<- traffic.Update {
	if acct == nil {
		return nil
	}
	return acct.Up
}

func acctDown(acct *Accounting) chan<- traffic.Update {
	if acct == nil {
		return nil
	}
	return acct.Down
}

func pumpDatagrams(ctx context.Context, r netx.AddrReader, w netx.AddrWriter, fallbackDst netx.Addr, cid netx.CID, ch chan<- traffic.Update) (uint64, error) {
	var total uint64
	for {
		dg, err := r.ReadDatagram(ctx)
		if err != nil {
			return total, err
		}
		out := dg
		if !out.Addr.IsResolved() && !out.Addr.IsName() {
			out.Addr = fallbackDst
		}
		if err := w.WriteDatagram(ctx, out); err != nil {
			return total, err
		}
		total += uint64(len(dg.Data))
		traffic.Publish(ctx, ch, traffic.Update{CID: cid, Bytes: uint64(len(dg.Data))})
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
}

// runConnAddr bridges a byte stream to a datagram stream with a fixed
// target: bytes read from conn are sent as one datagram per read to
// target, and datagrams read from the addr side are written back as
// plain bytes to conn. The bridge applies when a fixed target is
// known; the stream side is tunnelled as payload frames.
func runConnAddr(ctx context.Context, cid netx.CID, conn mapper.Conn, ac *netx.AddrConn, acct *Accounting) netx.RelayResult {
	target := ac.LocalAddr
	var up, down uint64
	var wg sync.WaitGroup
	var upErr, downErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, rerr := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				if werr := ac.Writer.WriteDatagram(ctx, netx.Datagram{Data: data, Addr: target}); werr != nil {
					upErr = werr
					return
				}
				up += uint64(n)
				traffic.Publish(ctx, acctUp(acct), traffic.Update{CID: cid, Bytes: uint64(n)})
			}
			if rerr != nil {
				if rerr != io.EOF {
					upErr = rerr
				}
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			dg, rerr := ac.Reader.ReadDatagram(ctx)
			if rerr != nil {
				downErr = rerr
				return
			}
			if _, werr := conn.Write(dg.Data); werr != nil {
				downErr = werr
				return
			}
			down += uint64(len(dg.Data))
			traffic.Publish(ctx, acctDown(acct), traffic.Update{CID: cid, Bytes: uint64(len(dg.Data))})
		}
	}()
	wg.Wait()
	conn.Close()
	ac.Close()
	return netx.RelayResult{UpBytes: up, DownBytes: down, Err: firstRealErr(upErr, downErr)}
}
