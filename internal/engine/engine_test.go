package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/claimlens/benchvault/internal/api"
	"github.com/claimlens/benchvault/internal/dedup"
	"github.com/claimlens/benchvault/internal/store"
)

func newTestEngine() *Engine {
	return New(Options{
		Store: store.NewMemoryStore(""),
		Guard: dedup.NewMemoryGuard(),
	})
}

func runTx(runID string, f1 float64) *api.Transaction {
	return &api.Transaction{
		ModelVersion:   "gpt-5.2",
		DatasetVersion: "benchmark_v3",
		Environment:    "staging",
		RunID:          runID,
		TriggeredBy:    "ci",
		Metrics: api.EvaluationResult{
			TruePositives: 8, FalsePositives: 2, FalseNegatives: 2,
			Precision: f1, Recall: f1, F1: f1,
		},
	}
}

func TestUpsertFirstRun(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	res, err := e.Upsert(ctx, runTx("run-1", 0.8))
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if res.Deduplicated {
		t.Error("first run marked deduplicated")
	}
	if res.Snapshot.SnapshotVersion != 1 {
		t.Errorf("snapshot version = %d, want 1", res.Snapshot.SnapshotVersion)
	}
	if res.Alert() != nil {
		t.Errorf("first run for a key must not alert, got %+v", res.Alert())
	}
	if res.Transaction.PolicyHash == "" {
		t.Error("committed transaction missing policy hash")
	}
}

func TestUpsertEmbedsRegressionAlert(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	if _, err := e.Upsert(ctx, runTx("run-1", 0.40)); err != nil {
		t.Fatal(err)
	}

	// Default policy: f1 warn at -0.05, critical at -0.10.
	res, err := e.Upsert(ctx, runTx("run-2", 0.30))
	if err != nil {
		t.Fatalf("regressed run must still commit: %v", err)
	}
	alert := res.Alert()
	if alert == nil {
		t.Fatal("expected a regression alert embedded in the transaction")
	}
	if alert.Severity != api.AlertCritical {
		t.Errorf("severity = %s, want critical for a 0.10 f1 drop", alert.Severity)
	}
	if alert.PreviousValue != 0.40 || alert.CurrentValue != 0.30 {
		t.Errorf("alert values = %+v", alert)
	}

	// The alert is part of the immutable record, not just the response.
	stored, err := e.store.GetTransaction(ctx, res.Transaction.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Alert == nil || stored.Alert.Severity != api.AlertCritical {
		t.Errorf("stored transaction alert = %+v", stored.Alert)
	}
}

func TestUpsertDuplicateNoop(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	first, err := e.Upsert(ctx, runTx("run-1", 0.8))
	if err != nil {
		t.Fatal(err)
	}

	// Same run identity, same content: no-op success returning the
	// originally stored state.
	res, err := e.Upsert(ctx, runTx("run-1", 0.8))
	if err != nil {
		t.Fatalf("matching duplicate must succeed: %v", err)
	}
	if !res.Deduplicated {
		t.Error("duplicate not flagged as deduplicated")
	}
	if res.Transaction.ID != first.Transaction.ID {
		t.Error("no-op must return the stored transaction, not a new one")
	}
	if res.Snapshot.SnapshotVersion != 1 {
		t.Errorf("no-op advanced the snapshot to version %d", res.Snapshot.SnapshotVersion)
	}
}

func TestUpsertDuplicateConflict(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	if _, err := e.Upsert(ctx, runTx("run-1", 0.8)); err != nil {
		t.Fatal(err)
	}

	// Same run identity, different confusion counts: hard failure.
	conflicting := runTx("run-1", 0.5)
	conflicting.Metrics.TruePositives = 5
	conflicting.Metrics.FalseNegatives = 5
	_, err := e.Upsert(ctx, conflicting)
	if !errors.Is(err, api.ErrDuplicateRun) {
		t.Fatalf("conflicting duplicate err = %v, want ErrDuplicateRun", err)
	}
	if api.IsRetryable(err) {
		t.Error("a content conflict is permanent, not retryable")
	}
}

func TestUpsertDuplicateWithoutGuard(t *testing.T) {
	// With the fast path disabled the store constraint still resolves
	// duplicates identically.
	e := New(Options{Store: store.NewMemoryStore(""), Guard: dedup.NopGuard{}})
	ctx := context.Background()

	if _, err := e.Upsert(ctx, runTx("run-1", 0.8)); err != nil {
		t.Fatal(err)
	}

	res, err := e.Upsert(ctx, runTx("run-1", 0.8))
	if err != nil || !res.Deduplicated {
		t.Fatalf("store-resolved duplicate: res=%+v err=%v", res, err)
	}

	conflicting := runTx("run-1", 0.2)
	conflicting.Metrics.FalsePositives = 9
	if _, err := e.Upsert(ctx, conflicting); !errors.Is(err, api.ErrDuplicateRun) {
		t.Errorf("store-resolved conflict err = %v", err)
	}
}

func TestUpsertUnknownEnvironment(t *testing.T) {
	e := newTestEngine()

	tx := runTx("run-1", 0.8)
	tx.Environment = "qa-west"

	_, err := e.Upsert(context.Background(), tx)
	var ve *api.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("unknown environment err = %v, want ValidationError", err)
	}
}

func TestCheckout(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	if _, err := e.Upsert(ctx, runTx("run-1", 0.9)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Upsert(ctx, runTx("run-2", 0.5)); err != nil {
		t.Fatal(err)
	}

	key := api.SnapshotKey{ModelVersion: "gpt-5.2", DatasetVersion: "benchmark_v3", Environment: "staging"}
	snap, err := e.Checkout(ctx, key, 1, "oncall")
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if snap.SnapshotVersion != 3 || snap.Metrics.F1 != 0.9 {
		t.Errorf("checkout snapshot = %+v, want version 3 with v1 metrics", snap)
	}
}

func TestCheckoutProtectedEnvironmentRequiresActor(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	tx := runTx("run-1", 0.8)
	tx.Environment = "production"
	if _, err := e.Upsert(ctx, tx); err != nil {
		t.Fatal(err)
	}

	key := api.SnapshotKey{ModelVersion: "gpt-5.2", DatasetVersion: "benchmark_v3", Environment: "production"}

	if _, err := e.Checkout(ctx, key, 1, ""); err == nil {
		t.Error("anonymous checkout in production accepted")
	}
	if _, err := e.Checkout(ctx, key, 1, "oncall"); err != nil {
		t.Errorf("attributed production checkout rejected: %v", err)
	}
}

func TestCheckoutUnknownVersion(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	if _, err := e.Upsert(ctx, runTx("run-1", 0.8)); err != nil {
		t.Fatal(err)
	}

	key := api.SnapshotKey{ModelVersion: "gpt-5.2", DatasetVersion: "benchmark_v3", Environment: "staging"}
	if _, err := e.Checkout(ctx, key, 42, "oncall"); !errors.Is(err, api.ErrSnapshotNotFound) {
		t.Errorf("err = %v, want ErrSnapshotNotFound", err)
	}
}
