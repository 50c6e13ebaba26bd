//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package dynchain

import (
	"context"

	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/netx"
)

// IndexNextMapperGenerator computes the next step of an [IndexInfinite]
// chain. Given the connection's CID and the current state index, it
// returns the next state index and, optionally, the mapper to run for
// this step.
//
// A negative returned index terminates the chain. A returned mapper of
// nil alongside a valid index means "advance state without producing a
// mapper" — rarely used; the engine treats it the same as termination,
// since [mapper.Cursor.Next] must return a mapper or end the chain.
type IndexNextMapperGenerator interface {
	NextMapper(ctx context.Context, cid netx.CID, currentIndex int64, d []mapper.Data) (nextIndex int64, m mapper.Mapper, ok bool)
}

// IndexNextMapperGeneratorFunc adapts a function to
// [IndexNextMapperGenerator].
type IndexNextMapperGeneratorFunc func(ctx context.Context, cid netx.CID, currentIndex int64, d []mapper.Data) (int64, mapper.Mapper, bool)

func (f IndexNextMapperGeneratorFunc) NextMapper(ctx context.Context, cid netx.CID, currentIndex int64, d []mapper.Data) (int64, mapper.Mapper, bool) {
	return f(ctx, cid, currentIndex, d)
}

// IndexInfinite is an open-ended dynamic chain: unlike [Finite], its
// mapper set is not bounded ahead of time — [IndexNextMapperGenerator]
// computes each step from runtime state, accommodating chains whose
// structure is not known until the connection is underway.
type IndexInfinite struct {
	Tag string

	cid          netx.CID
	generator    IndexNextMapperGenerator
	currentIndex int64
}

var _ mapper.Cursor = (*IndexInfinite)(nil)

// NewIndexInfinite returns an [*IndexInfinite] cursor for cid, stepping
// according to generator. The initial state index is -1.
func NewIndexInfinite(tag string, cid netx.CID, generator IndexNextMapperGenerator) *IndexInfinite {
	return &IndexInfinite{Tag: tag, cid: cid, generator: generator, currentIndex: -1}
}

// Next implements [mapper.Cursor].
func (ii *IndexInfinite) Next(ctx context.Context, d []mapper.Data) (mapper.Mapper, bool) {
	next, m, ok := ii.generator.NextMapper(ctx, ii.cid, ii.currentIndex, d)
	if !ok || next < 0 {
		return nil, false
	}
	ii.currentIndex = next
	if m == nil {
		return nil, false
	}
	return m, true
}

// Clone implements [mapper.Cursor].
func (ii *IndexInfinite) Clone() mapper.Cursor {
	clone := *ii
	return &clone
}
