//go:build linux

//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netmap

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// control returns the net.ListenConfig.Control callback applying l's
// SockOpt to the raw listening socket before bind, or nil if no option
// is set.
func (l *Listener) control() func(network, address string, c syscall.RawConn) error {
	opt := l.SockOpt
	if opt.SOMark == 0 && opt.BindToDevice == "" && !opt.Tproxy {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if opt.SOMark != 0 {
				if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, opt.SOMark); e != nil {
					ctrlErr = e
					return
				}
			}
			if opt.BindToDevice != "" {
				if e := unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, opt.BindToDevice); e != nil {
					ctrlErr = e
					return
				}
			}
			if opt.Tproxy {
				if e := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); e != nil {
					ctrlErr = e
					return
				}
			}
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}
}
