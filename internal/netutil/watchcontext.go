//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

// Package netutil provides small net.Conn wrapping helpers shared by the
// listener and dialer mappers.
package netutil

import (
	"context"
	"net"
)

// WatchContext arranges for conn to be closed when ctx is done (cancelled
// or deadline exceeded). This provides responsive cleanup on external
// cancellation (e.g., SIGINT via signal.NotifyContext) rather than waiting
// for per-operation timeouts.
//
// The returned connection wraps conn. Closing the returned connection
// unregisters the context watcher and closes the underlying connection,
// so no goroutine leaks even if ctx is never cancelled.
func WatchContext(ctx context.Context, conn net.Conn) net.Conn {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	return &watchedConn{Conn: conn, stop: stop}
}

// watchedConn wraps a [net.Conn] with a context cancellation watcher.
type watchedConn struct {
	net.Conn
	stop func() bool
}

// Close unregisters the context watcher and closes the underlying connection.
func (c *watchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
