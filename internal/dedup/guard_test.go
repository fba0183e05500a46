package dedup

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryGuardFirstWriteWins(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	first, err := g.Reserve(ctx, "key-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Fatal("first reserve must win")
	}

	second, err := g.Reserve(ctx, "key-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Error("second reserve of the same key must lose")
	}

	other, _ := g.Reserve(ctx, "key-2", time.Hour)
	if !other {
		t.Error("unrelated key must not be blocked")
	}
}

func TestMemoryGuardExpiry(t *testing.T) {
	g := NewMemoryGuard()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.clock = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := g.Reserve(ctx, "key-1", time.Minute); !ok {
		t.Fatal("first reserve must win")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := g.Reserve(ctx, "key-1", time.Minute); !ok {
		t.Error("expired reservation must be reclaimable")
	}
}

func TestMemoryGuardRelease(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	g.Reserve(ctx, "key-1", time.Hour)
	if err := g.Release(ctx, "key-1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := g.Reserve(ctx, "key-1", time.Hour); !ok {
		t.Error("released key must be reservable again")
	}
}

func TestMemoryGuardConcurrent(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins[i], _ = g.Reserve(ctx, "contested", time.Hour)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("%d goroutines won the reservation, want exactly 1", winners)
	}
}
