// SPDX-License-Identifier: GPL-3.0-or-later

package netutil

import (
	"context"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Closing the wrapper delegates to the underlying conn.
func TestWatchContextClose(t *testing.T) {
	closeCalled := false
	mockConn := &netstub.FuncConn{
		CloseFunc: func() error {
			closeCalled = true
			return nil
		},
	}

	wrapped := WatchContext(context.Background(), mockConn)
	require.NotNil(t, wrapped)

	require.NoError(t, wrapped.Close())
	assert.True(t, closeCalled)
}

// Cancelling the context triggers Close on the underlying conn.
func TestWatchContextClosesOnCancel(t *testing.T) {
	done := make(chan bool, 1)
	mockConn := &netstub.FuncConn{
		CloseFunc: func() error {
			done <- true
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	WatchContext(ctx, mockConn)

	// Connection not closed before cancelling the context.
	select {
	case <-done:
		t.Fatal("connection should not be closed yet")
	default:
	}

	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("context cancellation did not close the connection")
	}
}

// Cancelling after Close does not close the conn a second time: Close
// unregisters the watcher first.
func TestWatchContextCloseUnregistersWatcher(t *testing.T) {
	closes := 0
	mockConn := &netstub.FuncConn{
		CloseFunc: func() error {
			closes++
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	wrapped := WatchContext(ctx, mockConn)
	require.NoError(t, wrapped.Close())
	cancel()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, closes)
}
