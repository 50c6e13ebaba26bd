//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package netx provides the wire-independent building blocks the chain
// engine and every mapper share: the connection identifier, the address
// value, the datagram-addressed stream halves, and the core error kinds.
package netx

import (
	"fmt"
	"strings"
)

// CID is a hierarchical connection identifier: a nonempty sequence of
// unsigned integers. A child CID is a strict prefix extension of its
// parent — it is everything the parent is, plus one or more appended
// elements identifying a substream (e.g. an H2 stream id, a multiplexed
// accept sequence number).
//
// The zero value is not a valid CID; use [NewCID] or [CID.Extend].
type CID []uint32

// NewCID returns a fresh root CID. seq should be unique across the
// lifetime of the owning chain engine (e.g. a monotonically increasing
// accept counter).
func NewCID(seq uint32) CID {
	return CID{seq}
}

// Extend returns a new child CID formed by appending suffix to cid. The
// receiver is never mutated; the returned slice does not alias it.
func (cid CID) Extend(suffix uint32) CID {
	out := make(CID, len(cid)+1)
	copy(out, cid)
	out[len(cid)] = suffix
	return out
}

// Valid reports whether cid is a well-formed, nonempty identifier.
func (cid CID) Valid() bool {
	return len(cid) > 0
}

// IsPrefixOf reports whether cid is a strict prefix of other — i.e.,
// other is a (possibly indirect) child of cid.
func (cid CID) IsPrefixOf(other CID) bool {
	if len(other) <= len(cid) {
		return false
	}
	for i := range cid {
		if cid[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders cid as dot-separated integers, e.g. "3.0.1".
func (cid CID) String() string {
	parts := make([]string, len(cid))
	for i, v := range cid {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ".")
}
