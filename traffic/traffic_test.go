// SPDX-License-Identifier: GPL-3.0-or-later

package traffic

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ruci-project/ruci/netx"
)

func TestRecorderCounters(t *testing.T) {
	r := NewRecorder()
	assert.Equal(t, int64(0), r.ActiveConns())

	r.ConnOpened()
	r.ConnOpened()
	r.AddUp(100)
	r.AddDown(40)
	r.ConnClosed()

	assert.Equal(t, int64(1), r.ActiveConns())
	assert.Equal(t, uint64(100), r.UpBytes())
	assert.Equal(t, uint64(40), r.DownBytes())

	r.ConnClosed()
	assert.Equal(t, int64(0), r.ActiveConns())
}

func TestRecorderConcurrentAdds(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				r.AddUp(1)
				r.AddDown(2)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), r.UpBytes())
	assert.Equal(t, uint64(16000), r.DownBytes())
}

func TestPublishNilChannelIsNoOp(t *testing.T) {
	// Must not block or panic.
	Publish(context.Background(), nil, Update{CID: netx.NewCID(1), Bytes: 10})
}

func TestPublishDeliversAndRespectsCancellation(t *testing.T) {
	ch := make(chan Update, 1)
	upd := Update{CID: netx.NewCID(2), Bytes: 7}
	Publish(context.Background(), ch, upd)
	assert.Equal(t, upd, <-ch)

	// Full channel plus a cancelled context: Publish returns rather than
	// blocking forever.
	full := make(chan Update)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Publish(ctx, full, upd)
}
