//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package tproxymap implements the TproxyResolver mapper: it promotes
// the original-destination address a transparent-proxy listener captured
// into params.D into the chain's current target address, so downstream
// dial mappers see it without any client-supplied handshake.
package tproxymap

import (
	"context"
	"fmt"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
	"github.com/ruci-project/ruci/obs"
)

// TproxyResolver is the DECODE-only mapper that reads the [mapper.RLAddr]
// attached by a transparent-proxy-enabled listener and promotes its
// Local field — the socket's original destination — into the result's A.
type TproxyResolver struct {
	logger obs.SLogger
}

var _ mapper.Mapper = (*TproxyResolver)(nil)

// New returns a [*TproxyResolver] mapper.
func New(logger obs.SLogger) *TproxyResolver {
	return &TproxyResolver{logger: logger}
}

// Maps implements [mapper.Mapper].
func (t *TproxyResolver) Maps(ctx context.Context, cid netx.CID, behavior mapper.Behavior, params mapper.MapParams) mapper.MapResult {
	if behavior == mapper.Encode {
		return mapper.MapResult{C: mapper.NoneStream(), Err: fmt.Errorf("tproxymap: resolver only supports DECODE")}
	}
	addr, ok := mapper.FindLAddr(params.D)
	if !ok {
		return mapper.MapResult{C: mapper.NoneStream(), Err: fmt.Errorf("%w: tproxy resolver found no captured destination", netx.ErrMissingTargetAddr)}
	}
	return mapper.MapResult{C: params.C, A: &addr, B: params.B, D: params.D}
}
