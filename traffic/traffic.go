//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package traffic holds the process-wide accounting counters the core
// publishes alongside every relay, plus the bounded per-direction
// publish channels a relay uses to report per-CID byte updates to
// optional observers.
package traffic

import (
	"context"
	"sync/atomic"

	"github.com/ruci-project/ruci/netx"
)

// Recorder is the process-wide traffic recorder: atomic counters
// for the active-connection gauge and the cumulative up/down byte
// totals. Writes are simple fetch-adds; reads are lock-free.
type Recorder struct {
	activeConns int64
	upBytes     uint64
	downBytes   uint64
}

// NewRecorder returns a zeroed [*Recorder].
func NewRecorder() *Recorder {
	return &Recorder{}
}

// ConnOpened increments the active-connection gauge. Call when a chain's
// relay starts.
func (r *Recorder) ConnOpened() {
	atomic.AddInt64(&r.activeConns, 1)
}

// ConnClosed decrements the active-connection gauge. Call exactly once
// per matching [Recorder.ConnOpened], when the relay ends.
func (r *Recorder) ConnClosed() {
	atomic.AddInt64(&r.activeConns, -1)
}

// AddUp adds n to the cumulative up-byte total.
func (r *Recorder) AddUp(n uint64) {
	atomic.AddUint64(&r.upBytes, n)
}

// AddDown adds n to the cumulative down-byte total.
func (r *Recorder) AddDown(n uint64) {
	atomic.AddUint64(&r.downBytes, n)
}

// ActiveConns returns the current active-connection count.
func (r *Recorder) ActiveConns() int64 {
	return atomic.LoadInt64(&r.activeConns)
}

// UpBytes returns the cumulative up-byte total.
func (r *Recorder) UpBytes() uint64 {
	return atomic.LoadUint64(&r.upBytes)
}

// DownBytes returns the cumulative down-byte total.
func (r *Recorder) DownBytes() uint64 {
	return atomic.LoadUint64(&r.downBytes)
}

// Update is one per-CID byte delta, published on a direction's channel
// as a relay copies bytes.
type Update struct {
	CID   netx.CID
	Bytes uint64
}

// ChannelSize bounds the accounting queues: senders
// must await a free slot rather than drop updates when the channel is
// full.
const ChannelSize = 4096

// NewUpdateChannel returns a bounded channel sized per [ChannelSize].
func NewUpdateChannel() chan Update {
	return make(chan Update, ChannelSize)
}

// Publish sends upd on ch, awaiting a free slot (or ctx cancellation)
// rather than dropping on a full channel; a dropped update would make
// the reported totals diverge from the bytes actually copied. A nil ch
// means no observer is attached; Publish is then a no-op.
func Publish(ctx context.Context, ch chan<- Update, upd Update) {
	if ch == nil {
		return
	}
	select {
	case ch <- upd:
	case <-ctx.Done():
	}
}
