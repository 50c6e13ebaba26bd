//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package mapper

import (
	"context"

	"github.com/ruci-project/ruci/netx"
)

// Sink receives the terminal [MapResult] of one branch of a fold tree.
// A branch ends when the cursor is exhausted (ok terminal stream) or a
// mapper returns an error. Sink may be called many times for a single
// initial [Fold] call: every child a [Generator] mapper emits starts an
// independent continuation, each ending in its own call to Sink.
type Sink func(cid netx.CID, result MapResult)

// Fold threads params through the mappers cursor produces, calling each
// in turn with behavior and feeding the previous result's C/A/B/D into
// the next call. It stops when:
//
//   - cursor is exhausted: Sink receives the terminal stream.
//   - a mapper returns a non-nil Err: Sink receives that result.
//   - a mapper returns a [Generator]: Fold drains it, recursively folding
//     the remaining mappers (a clone of cursor at its current position)
//     over each produced child, with the child's own (extended) CID.
//
// If a mapper's result carries both NewID and a Generator, the
// generator's children without a NewID of their own are folded under
// NewID; a child that carries its own NewID is folded under that CID as
// is, and is not re-based onto NewID.
func Fold(ctx context.Context, cid netx.CID, cursor Cursor, params MapParams, behavior Behavior, sink Sink) {
	for {
		m, ok := cursor.Next(ctx, params.D)
		if !ok {
			sink(cid, MapResult{C: params.C, A: params.A, B: params.B, D: params.D})
			return
		}

		res := m.Maps(ctx, cid, behavior, params)

		if res.Err != nil {
			sink(cid, res)
			return
		}

		if gen, isGen := res.C.Generator(); isGen {
			baseCID := cid
			if res.NewID.Valid() {
				baseCID = res.NewID
			}
			drainGenerator(ctx, baseCID, cursor, gen, behavior, sink)
			return
		}

		nextCID := cid
		if res.NewID.Valid() {
			nextCID = res.NewID
		}
		cid = nextCID
		params = MapParams{C: res.C, A: res.A, B: res.B, D: res.D}
	}
}

// drainGenerator folds the remainder of the chain over every child the
// generator yields. Each child gets its own clone of cursor so concurrent
// children never race over cursor state. Children are picked up in the
// order the generator emits them, but their folds progress independently
// and may finish in any order.
func drainGenerator(ctx context.Context, baseCID netx.CID, cursor Cursor, gen Generator, behavior Behavior, sink Sink) {
	for {
		select {
		case child, ok := <-gen:
			if !ok {
				return
			}
			childCID := baseCID
			if child.NewID.Valid() {
				childCID = child.NewID
			}
			if child.Err != nil {
				sink(childCID, child)
				continue
			}
			childCursor := cursor.Clone()
			childParams := MapParams{C: child.C, A: child.A, B: child.B, D: child.D}
			go Fold(ctx, childCID, childCursor, childParams, behavior, sink)
		case <-ctx.Done():
			return
		}
	}
}
