// Package store persists benchmark transactions and versioned
// snapshots. The transaction log is append-only and immutable; the
// snapshot table is a derived "latest per key" cache with full version
// history. Commit and Checkout are the only write entry points and
// both are atomic: either the transaction append and the current-
// pointer flip are visible together, or neither is.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/claimlens/benchvault/internal/api"
)

// TransactionFilter narrows ListTransactions. Zero-value fields match
// everything.
type TransactionFilter struct {
	ModelVersion   string
	DatasetVersion string
	Environment    string
	Since          time.Time
	Until          time.Time
	Limit          int
}

// SnapshotFilter narrows ListCurrent. Zero-value fields match
// everything.
type SnapshotFilter struct {
	ModelVersion   string
	DatasetVersion string
	Environment    string
}

// Decorator runs inside the per-key critical section of Commit, after
// the previous current snapshot has been captured but before anything
// is written. It lets the coordinator embed the regression alert into
// the transaction that is about to be stored. prev is nil on the first
// run for a key. Decorators must be fast: they execute while the key
// is serialized.
type Decorator func(prev *api.Snapshot)

// Store is the combined transaction log and snapshot store.
type Store interface {
	// Commit atomically appends the transaction and promotes a new
	// current snapshot for its key. Returns api.ErrDuplicateRun when
	// the idempotency key is already stored; no state changes in that
	// case.
	Commit(ctx context.Context, tx *api.Transaction, decorate Decorator) (*api.Snapshot, error)

	// Checkout promotes a historical snapshot version as a new current
	// snapshot. History is never mutated: the target row is untouched,
	// a new row with the next version number is created, and the old
	// current row is flipped. The transaction log is unchanged.
	Checkout(ctx context.Context, key api.SnapshotKey, targetVersion int) (*api.Snapshot, error)

	// GetTransaction returns a stored transaction by id.
	GetTransaction(ctx context.Context, id uuid.UUID) (*api.Transaction, error)

	// FindByIdempotencyKey returns the transaction stored under the
	// given duplicate-detection key, or nil if none exists.
	FindByIdempotencyKey(ctx context.Context, key string) (*api.Transaction, error)

	// ListTransactions returns matching transactions ordered by
	// created_at ascending. The transaction log is the sole source of
	// truth for time-series queries.
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*api.Transaction, error)

	// Current returns the current snapshot for a key, or nil if the
	// key has never been written.
	Current(ctx context.Context, key api.SnapshotKey) (*api.Snapshot, error)

	// ListCurrent returns the current snapshot of every matching key.
	ListCurrent(ctx context.Context, f SnapshotFilter) ([]*api.Snapshot, error)

	// GetSnapshot returns one historical version for a key.
	GetSnapshot(ctx context.Context, key api.SnapshotKey, version int) (*api.Snapshot, error)

	// History returns all snapshot versions for a key ordered by
	// version ascending.
	History(ctx context.Context, key api.SnapshotKey) ([]*api.Snapshot, error)

	// Close releases resources.
	Close() error
}

func matchTransaction(tx *api.Transaction, f TransactionFilter) bool {
	if f.ModelVersion != "" && tx.ModelVersion != f.ModelVersion {
		return false
	}
	if f.DatasetVersion != "" && tx.DatasetVersion != f.DatasetVersion {
		return false
	}
	if f.Environment != "" && tx.Environment != f.Environment {
		return false
	}
	if !f.Since.IsZero() && tx.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && tx.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

func matchSnapshot(s *api.Snapshot, f SnapshotFilter) bool {
	if f.ModelVersion != "" && s.Key.ModelVersion != f.ModelVersion {
		return false
	}
	if f.DatasetVersion != "" && s.Key.DatasetVersion != f.DatasetVersion {
		return false
	}
	if f.Environment != "" && s.Key.Environment != f.Environment {
		return false
	}
	return true
}
