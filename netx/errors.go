//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netx

import "errors"

// Error kinds surfaced by the core, as sentinel values suitable for
// [errors.Is]. Mapper implementations wrap these with [fmt.Errorf] and
// "%w" to add protocol-specific context; callers test the kind with
// [errors.Is], not by matching on message text.
var (
	// ErrBadStreamShape means a mapper received a [Stream] variant it
	// does not support. Unrecoverable for that connection.
	ErrBadStreamShape = errors.New("netx: mapper received an unsupported stream shape")

	// ErrMissingTargetAddr means an encoder needed a target address
	// but none was set on MapParams.A.
	ErrMissingTargetAddr = errors.New("netx: missing target address")

	// ErrHandshakeFailure wraps a mapper-specific handshake failure.
	ErrHandshakeFailure = errors.New("netx: handshake failure")

	// ErrAcceptClosed means a listener's underlying socket or its
	// generator closed. The owning listen task ends; the chain is
	// marked stopped.
	ErrAcceptClosed = errors.New("netx: accept closed")

	// ErrEngineState means run-while-running or stop-while-stopped was
	// attempted.
	ErrEngineState = errors.New("netx: invalid engine state transition")

	// ErrForcedShutdown means the shutdown window elapsed before every
	// listen chain acknowledged its close signal.
	ErrForcedShutdown = errors.New("netx: forced shutdown after timeout")
)

// RelayResult carries the outcome of a completed relay. It is not an
// error condition — a relay ending because one side reached EOF is the
// normal, successful termination of a connection — but it is reported
// through the same channel callers use to observe chain completion.
type RelayResult struct {
	UpBytes   uint64
	DownBytes uint64

	// Err is non-nil only when the relay stopped because of an
	// unexpected I/O error rather than a clean EOF on either side.
	Err error
}
