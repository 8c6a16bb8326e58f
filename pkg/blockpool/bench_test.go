package blockpool

import (
	"testing"
)

func BenchmarkPoolAllocateRelease(b *testing.B) {
	pool, err := New(1024, 16, testShape())
	if err != nil {
		b.Fatalf("failed to create pool: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, err := pool.Allocate()
		if err != nil {
			b.Fatalf("allocation failed: %v", err)
		}
		if err := pool.Release(id); err != nil {
			b.Fatalf("release failed: %v", err)
		}
	}
}

func BenchmarkConcurrentPoolAllocateRelease(b *testing.B) {
	pool, err := New(4096, 16, testShape())
	if err != nil {
		b.Fatalf("failed to create pool: %v", err)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id, err := pool.Allocate()
			if err != nil {
				// Exhaustion under heavy parallelism is not a benchmark failure
				continue
			}
			pool.Release(id)
		}
	})
}

func BenchmarkViewSet(b *testing.B) {
	pool, err := New(16, 16, Shape{Layers: 4, Heads: 8, HeadDim: 64})
	if err != nil {
		b.Fatalf("failed to create pool: %v", err)
	}

	view, err := pool.View(0, KeyCache)
	if err != nil {
		b.Fatalf("failed to get view: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		view.Set(i%4, i%8, i%16, i%64, float32(i))
	}
}

func BenchmarkViewAt(b *testing.B) {
	pool, err := New(16, 16, Shape{Layers: 4, Heads: 8, HeadDim: 64})
	if err != nil {
		b.Fatalf("failed to create pool: %v", err)
	}

	view, err := pool.View(0, KeyCache)
	if err != nil {
		b.Fatalf("failed to get view: %v", err)
	}
	view.Fill(1.5)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		view.At(i%4, i%8, i%16, i%64)
	}
}

func BenchmarkViewChecksum(b *testing.B) {
	pool, err := New(16, 16, Shape{Layers: 4, Heads: 8, HeadDim: 64})
	if err != nil {
		b.Fatalf("failed to create pool: %v", err)
	}

	view, err := pool.View(0, KeyCache)
	if err != nil {
		b.Fatalf("failed to get view: %v", err)
	}
	view.Fill(1.5)

	b.SetBytes(int64(len(view.data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		view.Checksum()
	}
}
