// Package dedup provides a fast-path duplicate guard in front of the
// durable store. The guard is advisory: the database unique constraint
// on the idempotency key remains the source of truth, the guard just
// lets hot CI retry storms short-circuit without a database round
// trip.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Guard answers "has this idempotency key been seen recently?".
type Guard interface {
	// Reserve atomically marks a key as seen. Returns true when this
	// caller is the first writer, false when the key already exists.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release removes a reservation, used when the durable write
	// behind it failed and the run should be retryable.
	Release(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// MemoryGuard is an in-process Guard for single-node deployments and
// tests.
type MemoryGuard struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		seen:  make(map[string]time.Time),
		clock: time.Now,
	}
}

func (g *MemoryGuard) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if expires, ok := g.seen[key]; ok && now.Before(expires) {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}

func (g *MemoryGuard) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.seen, key)
	return nil
}

func (g *MemoryGuard) Close() error {
	return nil
}

// NopGuard disables the fast path entirely; every run goes straight to
// the durable store's constraint check.
type NopGuard struct{}

func (NopGuard) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (NopGuard) Release(ctx context.Context, key string) error { return nil }

func (NopGuard) Close() error { return nil }

var _ Guard = (*MemoryGuard)(nil)
var _ Guard = NopGuard{}

func guardKey(key string) string {
	return fmt.Sprintf("benchvault:run:%s", key)
}
