//go:build !linux

//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netmap

import "syscall"

// control is a no-op on non-Linux platforms: SO_MARK, bind-to-device, and
// IP_TRANSPARENT are Linux-specific. Transparent proxying depends on
// these platform socket options being available.
func (l *Listener) control() func(network, address string, c syscall.RawConn) error {
	return nil
}
