// SPDX-License-Identifier: GPL-3.0-or-later

package netmap

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// newCapturingLogger returns a logger that captures all log records into
// the returned slice.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

func newStubConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		CloseFunc:      func() error { return nil },
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{IP: net.IPv4(93, 184, 216, 34), Port: 443} },
	}
}

func TestDialerEmitsConnectEvents(t *testing.T) {
	logger, records := newCapturingLogger()

	cfg := obs.NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			assert.Equal(t, "tcp", network)
			assert.Equal(t, "93.184.216.34:443", address)
			return newStubConn(), nil
		},
	}

	d := NewDialer(cfg, logger, "tcp", nil)
	target := netx.SocketAddr(netx.TCP, netip.MustParseAddrPort("93.184.216.34:443"))
	res := d.Maps(context.Background(), netx.NewCID(1), mapper.Encode,
		mapper.MapParams{C: mapper.NoneStream(), A: &target})
	require.NoError(t, res.Err)

	require.Len(t, *records, 2)
	assert.Equal(t, "connectStart", (*records)[0].Message)
	assert.Equal(t, "connectDone", (*records)[1].Message)
}

func TestDialerPropagatesDialErrors(t *testing.T) {
	boom := errors.New("connection refused")
	cfg := obs.NewConfig()
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, boom
		},
	}

	d := NewDialer(cfg, obs.DefaultSLogger(), "tcp", nil)
	target := netx.SocketAddr(netx.TCP, netip.MustParseAddrPort("192.0.2.1:80"))
	res := d.Maps(context.Background(), netx.NewCID(1), mapper.Encode,
		mapper.MapParams{C: mapper.NoneStream(), A: &target})
	assert.ErrorIs(t, res.Err, boom)
}

func TestDialerAppliesConnectTimeout(t *testing.T) {
	cfg := obs.NewConfig()
	sawDeadline := false
	cfg.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			_, sawDeadline = ctx.Deadline()
			return nil, errors.New("expected error")
		},
	}

	d := NewDialer(cfg, obs.DefaultSLogger(), "tcp", nil)
	target := netx.SocketAddr(netx.TCP, netip.MustParseAddrPort("192.0.2.1:80"))
	d.Maps(context.Background(), netx.NewCID(1), mapper.Encode,
		mapper.MapParams{C: mapper.NoneStream(), A: &target})
	assert.True(t, sawDeadline, "the dial context must carry the connect timeout")
}
