package sequence

import (
	"fmt"
	"testing"

	"github.com/PagedKV/pagedkv/pkg/blockpool"
)

func newBenchPool(b *testing.B, totalBlocks, blockSize int) *blockpool.Pool {
	b.Helper()
	pool, err := blockpool.New(totalBlocks, blockSize, blockpool.Shape{Layers: 1, Heads: 1, HeadDim: 1})
	if err != nil {
		b.Fatalf("failed to create pool: %v", err)
	}
	return pool
}

func BenchmarkAppendToken(b *testing.B) {
	pool := newBenchPool(b, 1<<20, 16)
	seq := New("bench", 16)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := seq.AppendToken(pool); err != nil {
			// Recycle once the pool runs dry so the loop can keep going.
			b.StopTimer()
			if err := seq.ReleaseAll(pool); err != nil {
				b.Fatalf("failed to recycle sequence: %v", err)
			}
			b.StartTimer()
		}
	}
}

func BenchmarkTranslate(b *testing.B) {
	pool := newBenchPool(b, 4096, 16)
	seq := New("bench", 16)
	const tokens = 4096 * 16
	if err := seq.AppendTokens(pool, tokens); err != nil {
		b.Fatalf("failed to fill sequence: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := seq.Translate(i % tokens); err != nil {
			b.Fatalf("unexpected translate error: %v", err)
		}
	}
}

func BenchmarkAppendRelease(b *testing.B) {
	for _, tokens := range []int{16, 256, 4096} {
		b.Run(fmt.Sprintf("tokens=%d", tokens), func(b *testing.B) {
			pool := newBenchPool(b, 4096, 16)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				seq := New("bench", 16)
				if err := seq.AppendTokens(pool, tokens); err != nil {
					b.Fatalf("failed to append tokens: %v", err)
				}
				if err := seq.ReleaseAll(pool); err != nil {
					b.Fatalf("failed to release sequence: %v", err)
				}
			}
		})
	}
}
