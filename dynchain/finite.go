//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package dynchain implements the two dynamic chain machines described by
// the core: Finite, a bounded Mealy FSM over a fixed mapper set, and
// IndexInfinite, an open-ended state machine whose mapper set is computed
// at runtime. Both satisfy [mapper.Cursor] so the fold runtime can walk
// them exactly like a static chain.
package dynchain

import (
	"context"

	"github.com/ruci-project/ruci/mapper"
)

// NextSelector is the Finite machine's transition function: given the
// current state index and the data accumulated so far, it returns the
// next state index, or false to terminate the chain.
//
// The initial state is -1. A negative returned index, or an index beyond
// the mapper set's bounds, also terminates the chain. The selector must
// be pure with respect to its inputs; side effects belong to mappers.
type NextSelector interface {
	NextIndex(currentIndex int64, d []mapper.Data) (next int64, ok bool)
}

// NextSelectorFunc adapts a function to [NextSelector].
type NextSelectorFunc func(currentIndex int64, d []mapper.Data) (int64, bool)

func (f NextSelectorFunc) NextIndex(currentIndex int64, d []mapper.Data) (int64, bool) {
	return f(currentIndex, d)
}

// Finite is a bounded dynamic chain: a Mealy machine whose state set is a
// fixed vector of mappers and whose transitions are computed by a
// [NextSelector]. Use this when a chain branches on runtime data (e.g.
// after TLS ALPN) among a small, known set of possible next mappers.
type Finite struct {
	Tag string

	mbVec        []mapper.Mapper
	selector     NextSelector
	currentIndex int64
}

var _ mapper.Cursor = (*Finite)(nil)

// NewFinite returns a [*Finite] cursor over mappers, transitioning
// according to selector. The initial state index is -1.
func NewFinite(tag string, mappers []mapper.Mapper, selector NextSelector) *Finite {
	return &Finite{Tag: tag, mbVec: mappers, selector: selector, currentIndex: -1}
}

// Next implements [mapper.Cursor].
func (f *Finite) Next(ctx context.Context, d []mapper.Data) (mapper.Mapper, bool) {
	next, ok := f.selector.NextIndex(f.currentIndex, d)
	if !ok || next < 0 || next >= int64(len(f.mbVec)) {
		return nil, false
	}
	f.currentIndex = next
	return f.mbVec[next], true
}

// Clone implements [mapper.Cursor].
func (f *Finite) Clone() mapper.Cursor {
	clone := *f
	return &clone
}

// CurrentIndex returns the state index the most recent Next call landed
// on, or -1 if Next has not been called yet.
func (f *Finite) CurrentIndex() int64 {
	return f.currentIndex
}
