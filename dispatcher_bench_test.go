package dispatchz

import (
	"runtime"
	"testing"
)

func BenchmarkSyncDispatcher_ExecuteAndWait(b *testing.B) {
	b.Run("4 Workers 4 Callables", func(b *testing.B) {
		d, err := NewSyncDispatcher(4)
		if err != nil {
			b.Fatalf("unexpected error: %v", err)
		}
		defer d.Dispose()
		for i := 0; i < 4; i++ {
			_ = d.Add(func() {})
		}

		b.ResetTimer()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if err := d.ExecuteAndWait(); err != nil {
				b.Fatalf("unexpected error: %v", err)
			}
		}
	})

	b.Run("2 Workers 8 Callables With Stealing", func(b *testing.B) {
		d, err := NewSyncDispatcher(2)
		if err != nil {
			b.Fatalf("unexpected error: %v", err)
		}
		defer d.Dispose()
		for i := 0; i < 8; i++ {
			_ = d.Add(func() {})
		}

		b.ResetTimer()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if err := d.ExecuteAndWait(); err != nil {
				b.Fatalf("unexpected error: %v", err)
			}
		}
	})
}

func BenchmarkAsyncDispatcher_ExecuteAndWaitAsync(b *testing.B) {
	b.Run("4 Workers 4 Immediate Callables", func(b *testing.B) {
		d, err := NewAsyncDispatcher(4)
		if err != nil {
			b.Fatalf("unexpected error: %v", err)
		}
		defer d.Dispose()
		for i := 0; i < 4; i++ {
			_ = d.Add(func() Awaitable { return immediateAwaitable{} })
		}

		b.ResetTimer()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if err := d.ExecuteAndWaitAsync().Wait(); err != nil {
				b.Fatalf("unexpected error: %v", err)
			}
		}
	})
}

// TestSyncDispatcher_ZeroSteadyStateAllocation asserts, rather than merely
// reports, that a cycle with no callable failures allocates nothing. A
// regression that adds a steady-state allocation fails this test.
func TestSyncDispatcher_ZeroSteadyStateAllocation(t *testing.T) {
	d, err := NewSyncDispatcher(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer d.Dispose()
	for i := 0; i < 4; i++ {
		_ = d.Add(func() {})
	}

	if err := d.ExecuteAndWait(); err != nil { // warmup: pay for any one-time setup first
		t.Fatalf("unexpected error: %v", err)
	}

	allocs := testing.AllocsPerRun(1000, func() {
		if err := d.ExecuteAndWait(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if allocs != 0 {
		t.Errorf("ExecuteAndWait allocated %f objects/op, want 0", allocs)
	}
}

// TestAsyncDispatcher_ZeroSteadyStateAllocation is ExecuteAndWaitAsync's
// counterpart, using only callables whose Awaitable resolves immediately so
// the suspend/resume path never engages.
func TestAsyncDispatcher_ZeroSteadyStateAllocation(t *testing.T) {
	d, err := NewAsyncDispatcher(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer d.Dispose()
	for i := 0; i < 4; i++ {
		_ = d.Add(func() Awaitable { return immediateAwaitable{} })
	}

	if err := d.ExecuteAndWaitAsync().Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	allocs := testing.AllocsPerRun(1000, func() {
		if err := d.ExecuteAndWaitAsync().Wait(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if allocs != 0 {
		t.Errorf("ExecuteAndWaitAsync().Wait() allocated %f objects/op, want 0", allocs)
	}
}

// TestSyncDispatcher_ReusabilityAcrossManyCycles drives a representative
// high iteration count through the same dispatcher and checks that neither
// the goroutine count nor the heap grows with the cycle count, per the
// "reusable without resource growth" requirement.
func TestSyncDispatcher_ReusabilityAcrossManyCycles(t *testing.T) {
	const cycles = 100_000

	d, err := NewSyncDispatcher(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer d.Dispose()
	for i := 0; i < 4; i++ {
		_ = d.Add(func() {})
	}

	if err := d.ExecuteAndWait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	runtime.GC()
	baseline := runtime.NumGoroutine()

	for i := 0; i < cycles; i++ {
		if err := d.ExecuteAndWait(); err != nil {
			t.Fatalf("cycle %d: unexpected error: %v", i, err)
		}
	}

	runtime.GC()
	after := runtime.NumGoroutine()
	if after > baseline {
		t.Errorf("goroutine count grew from %d to %d over %d cycles", baseline, after, cycles)
	}

	var m1, m2 runtime.MemStats
	runtime.ReadMemStats(&m1)
	for i := 0; i < cycles; i++ {
		if err := d.ExecuteAndWait(); err != nil {
			t.Fatalf("second pass cycle %d: unexpected error: %v", i, err)
		}
	}
	runtime.GC()
	runtime.ReadMemStats(&m2)
	if m2.HeapAlloc > m1.HeapAlloc {
		grew := m2.HeapAlloc - m1.HeapAlloc
		if grew > 1*1024*1024 {
			t.Errorf("heap grew by %d bytes over %d further cycles, want no sustained growth", grew, cycles)
		}
	}
}
