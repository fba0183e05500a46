package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claimlens/benchvault/internal/api"
)

// MemoryStore is an in-memory Store with an optional JSON snapshot
// file for persistence across restarts. Used for local runs and tests.
//
// Concurrency model: writers serialize per snapshot key, so unrelated
// models/environments commit fully in parallel. All data mutation
// happens under a single data mutex held only for the in-memory
// update, so readers see either the old or the new current row, never
// a torn state.
type MemoryStore struct {
	keyMu sync.Mutex
	keys  map[string]*sync.Mutex

	dataMu       sync.RWMutex
	transactions map[uuid.UUID]*api.Transaction
	byIdem       map[string]uuid.UUID
	snapshots    map[string][]*api.Snapshot // key string -> versions ascending

	snapshotPath string // optional file path for persistence
	now          func() time.Time
}

// NewMemoryStore creates an in-memory store. If snapshotPath is
// non-empty, previously saved state is loaded and Close writes state
// back.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		keys:         make(map[string]*sync.Mutex),
		transactions: make(map[uuid.UUID]*api.Transaction),
		byIdem:       make(map[string]uuid.UUID),
		snapshots:    make(map[string][]*api.Snapshot),
		snapshotPath: snapshotPath,
		now:          time.Now,
	}

	if snapshotPath != "" {
		if err := ms.loadSnapshot(); err != nil {
			// A corrupt snapshot file must not brick the store; start
			// empty and let the caller's logs surface it.
			fmt.Fprintf(os.Stderr, "memory store: failed to load snapshot: %v\n", err)
		}
	}

	return ms
}

// lockKey returns the serialization mutex for one snapshot key.
func (m *MemoryStore) lockKey(key api.SnapshotKey) *sync.Mutex {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()

	ks := key.String()
	mu, ok := m.keys[ks]
	if !ok {
		mu = &sync.Mutex{}
		m.keys[ks] = mu
	}
	return mu
}

func (m *MemoryStore) Commit(ctx context.Context, tx *api.Transaction, decorate Decorator) (*api.Snapshot, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	key := tx.Key()
	mu := m.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	m.dataMu.RLock()
	_, dup := m.byIdem[tx.IdempotencyKey()]
	prev := m.currentLocked(key)
	m.dataMu.RUnlock()

	if dup {
		return nil, api.ErrDuplicateRun
	}

	if decorate != nil {
		decorate(cloneSnapshot(prev))
	}

	stored := cloneTransaction(tx)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now().UTC()
	}

	nextVersion := 1
	if prev != nil {
		nextVersion = prev.SnapshotVersion + 1
	}
	next := &api.Snapshot{
		Key:             key,
		SnapshotVersion: nextVersion,
		IsCurrent:       true,
		Metrics:         stored.Metrics,
		TransactionID:   stored.ID,
		UpdatedAt:       m.now().UTC(),
	}

	m.dataMu.Lock()
	m.transactions[stored.ID] = stored
	m.byIdem[stored.IdempotencyKey()] = stored.ID
	if prev != nil {
		prev.IsCurrent = false
	}
	m.snapshots[key.String()] = append(m.snapshots[key.String()], next)
	m.dataMu.Unlock()

	return cloneSnapshot(next), nil
}

func (m *MemoryStore) Checkout(ctx context.Context, key api.SnapshotKey, targetVersion int) (*api.Snapshot, error) {
	mu := m.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	m.dataMu.Lock()
	defer m.dataMu.Unlock()

	versions := m.snapshots[key.String()]
	var target *api.Snapshot
	for _, s := range versions {
		if s.SnapshotVersion == targetVersion {
			target = s
			break
		}
	}
	if target == nil {
		return nil, api.ErrSnapshotNotFound
	}

	current := len(versions) - 1 // versions are appended in order
	prev := versions[current]

	next := &api.Snapshot{
		Key:             key,
		SnapshotVersion: prev.SnapshotVersion + 1,
		IsCurrent:       true,
		Metrics:         target.Metrics,
		TransactionID:   target.TransactionID,
		UpdatedAt:       m.now().UTC(),
	}

	prev.IsCurrent = false
	m.snapshots[key.String()] = append(versions, next)

	return cloneSnapshot(next), nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id uuid.UUID) (*api.Transaction, error) {
	m.dataMu.RLock()
	defer m.dataMu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, api.ErrTransactionNotFound
	}
	return cloneTransaction(tx), nil
}

func (m *MemoryStore) FindByIdempotencyKey(ctx context.Context, key string) (*api.Transaction, error) {
	m.dataMu.RLock()
	defer m.dataMu.RUnlock()

	id, ok := m.byIdem[key]
	if !ok {
		return nil, nil
	}
	return cloneTransaction(m.transactions[id]), nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*api.Transaction, error) {
	m.dataMu.RLock()
	defer m.dataMu.RUnlock()

	var out []*api.Transaction
	for _, tx := range m.transactions {
		if matchTransaction(tx, f) {
			out = append(out, cloneTransaction(tx))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Current(ctx context.Context, key api.SnapshotKey) (*api.Snapshot, error) {
	m.dataMu.RLock()
	defer m.dataMu.RUnlock()

	return cloneSnapshot(m.currentLocked(key)), nil
}

// currentLocked must be called with dataMu held.
func (m *MemoryStore) currentLocked(key api.SnapshotKey) *api.Snapshot {
	versions := m.snapshots[key.String()]
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1]
}

func (m *MemoryStore) ListCurrent(ctx context.Context, f SnapshotFilter) ([]*api.Snapshot, error) {
	m.dataMu.RLock()
	defer m.dataMu.RUnlock()

	var out []*api.Snapshot
	for _, versions := range m.snapshots {
		if len(versions) == 0 {
			continue
		}
		cur := versions[len(versions)-1]
		if matchSnapshot(cur, f) {
			out = append(out, cloneSnapshot(cur))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out, nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, key api.SnapshotKey, version int) (*api.Snapshot, error) {
	m.dataMu.RLock()
	defer m.dataMu.RUnlock()

	for _, s := range m.snapshots[key.String()] {
		if s.SnapshotVersion == version {
			return cloneSnapshot(s), nil
		}
	}
	return nil, api.ErrSnapshotNotFound
}

func (m *MemoryStore) History(ctx context.Context, key api.SnapshotKey) ([]*api.Snapshot, error) {
	m.dataMu.RLock()
	defer m.dataMu.RUnlock()

	versions := m.snapshots[key.String()]
	out := make([]*api.Snapshot, 0, len(versions))
	for _, s := range versions {
		out = append(out, cloneSnapshot(s))
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	if m.snapshotPath != "" {
		return m.saveSnapshot()
	}
	return nil
}

// memoryDump is the JSON layout of the snapshot file.
type memoryDump struct {
	Transactions []*api.Transaction         `json:"transactions"`
	Snapshots    map[string][]*api.Snapshot `json:"snapshots"`
}

func (m *MemoryStore) saveSnapshot() error {
	m.dataMu.RLock()
	defer m.dataMu.RUnlock()

	dump := memoryDump{Snapshots: m.snapshots}
	for _, tx := range m.transactions {
		dump.Transactions = append(dump.Transactions, tx)
	}
	sort.Slice(dump.Transactions, func(i, j int) bool {
		return dump.Transactions[i].CreatedAt.Before(dump.Transactions[j].CreatedAt)
	})

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.snapshotPath, data, 0600)
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	var dump memoryDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	m.dataMu.Lock()
	defer m.dataMu.Unlock()

	for _, tx := range dump.Transactions {
		m.transactions[tx.ID] = tx
		m.byIdem[tx.IdempotencyKey()] = tx.ID
	}
	if dump.Snapshots != nil {
		m.snapshots = dump.Snapshots
	}
	return nil
}

func cloneTransaction(tx *api.Transaction) *api.Transaction {
	if tx == nil {
		return nil
	}
	out := *tx
	out.Scenarios = append([]api.ScenarioResult(nil), tx.Scenarios...)
	out.Tags = append([]string(nil), tx.Tags...)
	out.Metrics.Warnings = append([]string(nil), tx.Metrics.Warnings...)
	if tx.Alert != nil {
		alert := *tx.Alert
		out.Alert = &alert
	}
	return &out
}

func cloneSnapshot(s *api.Snapshot) *api.Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Metrics.Warnings = append([]string(nil), s.Metrics.Warnings...)
	return &out
}
