//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package obs

import (
	"context"
	"net"
	"time"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making mappers depend on an abstract implementation we allow for
// unit testing and for using alternative dialers (e.g. a dialer bound
// to a specific interface, or a test stub).
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds the common configuration threaded through every mapper and
// through the chain engine.
//
// Pass this to constructor functions to pre-wire dependencies. All fields
// have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by mappers that originate outbound connections
	// (the netmap Dialer, the h2map mux client, the resolvers).
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// ConnectTimeout bounds how long an outbound dial may take before a
	// mapper gives up on a chain link.
	//
	// Set by [NewConfig] to 3 seconds.
	ConnectTimeout time.Duration

	// ShutdownTimeout bounds how long the chain engine waits for a
	// listen chain to acknowledge a close signal before forcing it.
	//
	// Set by [NewConfig] to 3 seconds.
	ShutdownTimeout time.Duration

	// AcceptQueueSize bounds how many pending connections a generator-
	// backed listen chain buffers before a new accept blocks.
	//
	// Set by [NewConfig] to 64.
	AcceptQueueSize int
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:          &net.Dialer{},
		ErrClassifier:   DefaultErrClassifier,
		TimeNow:         time.Now,
		ConnectTimeout:  3 * time.Second,
		ShutdownTimeout: 3 * time.Second,
		AcceptQueueSize: 64,
	}
}
