// SPDX-License-Identifier: GPL-3.0-or-later

package mapper

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ruci-project/ruci/netx"
)

// passthrough returns a Mapper that forwards params unchanged, recording
// that it was called.
func passthrough(calls *[]string, name string) Mapper {
	return MapperFunc(func(ctx context.Context, cid netx.CID, behavior Behavior, params MapParams) MapResult {
		*calls = append(*calls, name)
		return MapResult{C: params.C, A: params.A, B: params.B, D: params.D}
	})
}

func TestFoldExhausted(t *testing.T) {
	var calls []string
	cursor := NewStaticCursor([]Mapper{
		passthrough(&calls, "a"),
		passthrough(&calls, "b"),
	})

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	var results []MapResult
	Fold(context.Background(), netx.NewCID(1), cursor, MapParams{C: ConnStream(c1)}, Decode,
		func(cid netx.CID, res MapResult) {
			results = append(results, res)
		})

	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Len(t, results, 1)
	conn, ok := results[0].C.Conn()
	assert.True(t, ok)
	assert.Equal(t, c1, conn)
}

func TestFoldError(t *testing.T) {
	boom := MapperFunc(func(ctx context.Context, cid netx.CID, behavior Behavior, params MapParams) MapResult {
		return errResult(netx.ErrBadStreamShape)
	})
	after := MapperFunc(func(ctx context.Context, cid netx.CID, behavior Behavior, params MapParams) MapResult {
		t.Fatal("mapper after an error must not run")
		return MapResult{}
	})
	cursor := NewStaticCursor([]Mapper{boom, after})

	var results []MapResult
	Fold(context.Background(), netx.NewCID(1), cursor, MapParams{C: NoneStream()}, Decode,
		func(cid netx.CID, res MapResult) {
			results = append(results, res)
		})

	assert.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, netx.ErrBadStreamShape)
}

func TestFoldGeneratorForksChildren(t *testing.T) {
	gen := make(chan MapResult, 2)
	root := netx.NewCID(5)
	gen <- MapResult{C: NoneStream(), NewID: root.Extend(0)}
	gen <- MapResult{C: NoneStream(), NewID: root.Extend(1)}
	close(gen)

	listener := MapperFunc(func(ctx context.Context, cid netx.CID, behavior Behavior, params MapParams) MapResult {
		return MapResult{C: GeneratorStream(gen)}
	})

	done := make(chan netx.CID, 2)
	cursor := NewStaticCursor([]Mapper{listener})

	Fold(context.Background(), root, cursor, MapParams{C: NoneStream()}, Decode,
		func(cid netx.CID, res MapResult) {
			done <- cid
		})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[(<-done).String()] = true
	}
	assert.True(t, seen["5.0"])
	assert.True(t, seen["5.1"])
}
