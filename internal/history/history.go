// Package history serves read-side queries: metric time series from
// the transaction log, snapshot version history, and comparisons
// between snapshots. Responses are cached with a short TTL so CI
// dashboards polling the same series do not hammer the store.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/claimlens/benchvault/internal/api"
	"github.com/claimlens/benchvault/internal/cache"
	"github.com/claimlens/benchvault/internal/store"
)

const (
	seriesCacheSize = 1024
	seriesCacheTTL  = 30 * time.Second
)

// Point is one run in a metric time series.
type Point struct {
	Timestamp     time.Time            `json:"timestamp"`
	TransactionID string               `json:"transaction_id"`
	RunID         string               `json:"run_id,omitempty"`
	CommitSHA     string               `json:"commit_sha,omitempty"`
	Metrics       api.EvaluationResult `json:"metrics"`
	Alert         *api.RegressionAlert `json:"regression_alert,omitempty"`
}

// Comparison contrasts two snapshots of one key.
type Comparison struct {
	Key    api.SnapshotKey    `json:"key"`
	Base   *api.Snapshot      `json:"base"`
	Target *api.Snapshot      `json:"target"`
	Deltas map[string]float64 `json:"deltas"` // target minus base, per metric
}

// Service answers history queries over a store.
type Service struct {
	store  store.Store
	series *cache.LRUWithTTL[string, []Point]
}

func NewService(st store.Store) (*Service, error) {
	series, err := cache.NewLRUWithTTL[string, []Point](seriesCacheSize, seriesCacheTTL)
	if err != nil {
		return nil, err
	}
	return &Service{store: st, series: series}, nil
}

// Current returns the current snapshot for a key.
func (s *Service) Current(ctx context.Context, key api.SnapshotKey) (*api.Snapshot, error) {
	snap, err := s.store.Current(ctx, key)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, api.ErrSnapshotNotFound
	}
	return snap, nil
}

// ListCurrent returns the current snapshot of every matching key.
func (s *Service) ListCurrent(ctx context.Context, f store.SnapshotFilter) ([]*api.Snapshot, error) {
	return s.store.ListCurrent(ctx, f)
}

// History returns all snapshot versions for a key, oldest first.
func (s *Service) History(ctx context.Context, key api.SnapshotKey) ([]*api.Snapshot, error) {
	versions, err := s.store.History(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, api.ErrSnapshotNotFound
	}
	return versions, nil
}

// TimeSeries builds the chronological metric series for a filter from
// the transaction log. The log, not the snapshot table, is the source
// of truth here: checkouts change the current pointer but never the
// series.
func (s *Service) TimeSeries(ctx context.Context, f store.TransactionFilter) ([]Point, error) {
	key := seriesKey(f)
	if points, ok := s.series.Get(key); ok {
		return points, nil
	}

	txs, err := s.store.ListTransactions(ctx, f)
	if err != nil {
		return nil, err
	}

	points := make([]Point, 0, len(txs))
	for _, tx := range txs {
		points = append(points, Point{
			Timestamp:     tx.CreatedAt,
			TransactionID: tx.ID.String(),
			RunID:         tx.RunID,
			CommitSHA:     tx.CommitSHA,
			Metrics:       tx.Metrics,
			Alert:         tx.Alert,
		})
	}

	s.series.Set(key, points)
	return points, nil
}

// Compare contrasts two snapshot versions of one key. Version 0 means
// the current snapshot.
func (s *Service) Compare(ctx context.Context, key api.SnapshotKey, baseVersion, targetVersion int) (*Comparison, error) {
	base, err := s.resolve(ctx, key, baseVersion)
	if err != nil {
		return nil, err
	}
	target, err := s.resolve(ctx, key, targetVersion)
	if err != nil {
		return nil, err
	}

	deltas := make(map[string]float64, 3)
	for _, name := range []string{"precision", "recall", "f1"} {
		b, _ := base.Metrics.MetricValue(name)
		t, _ := target.Metrics.MetricValue(name)
		deltas[name] = t - b
	}

	return &Comparison{
		Key:    key,
		Base:   base,
		Target: target,
		Deltas: deltas,
	}, nil
}

func (s *Service) resolve(ctx context.Context, key api.SnapshotKey, version int) (*api.Snapshot, error) {
	if version == 0 {
		return s.Current(ctx, key)
	}
	return s.store.GetSnapshot(ctx, key, version)
}

// CacheStats exposes the series cache counters for diagnostics.
func (s *Service) CacheStats() cache.Stats {
	return s.series.Stats()
}

func seriesKey(f store.TransactionFilter) string {
	return fmt.Sprintf("%s|%s|%s|%d|%d|%d",
		f.ModelVersion, f.DatasetVersion, f.Environment,
		f.Since.UnixNano(), f.Until.UnixNano(), f.Limit)
}
