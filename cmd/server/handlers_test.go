package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/time/rate"

	"github.com/claimlens/benchvault/internal/api"
	"github.com/claimlens/benchvault/internal/dedup"
	"github.com/claimlens/benchvault/internal/engine"
	"github.com/claimlens/benchvault/internal/environment"
	"github.com/claimlens/benchvault/internal/history"
	"github.com/claimlens/benchvault/internal/journal"
	"github.com/claimlens/benchvault/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st := store.NewMemoryStore("")
	jnl, err := journal.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { jnl.Close() })

	envs := environment.NewDefaultRegistry()
	hist, err := history.NewService(st)
	if err != nil {
		t.Fatal(err)
	}

	return &Server{
		engine: engine.New(engine.Options{
			Store: st,
			Guard: dedup.NewMemoryGuard(),
			Envs:  envs,
		}),
		history: hist,
		envs:    envs,
		journal: jnl,
		limiter: rate.NewLimiter(rate.Limit(1000), 2000),
	}
}

func submission(runID string, f1 float64) []byte {
	body, _ := json.Marshal(RunSubmission{
		RunID:          runID,
		ModelVersion:   "gpt-5.2",
		DatasetVersion: "benchmark_v3",
		Environment:    "staging",
		TriggeredBy:    "ci",
		Metrics: api.EvaluationResult{
			TruePositives: 8, FalsePositives: 2, FalseNegatives: 2,
			Precision: f1, Recall: f1, F1: f1,
		},
	})
	return body
}

func postRun(t *testing.T, srv *Server, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleSubmitRun(rec, req)
	return rec
}

func TestSubmitRun(t *testing.T) {
	srv := newTestServer(t)

	rec := postRun(t, srv, submission("run-1", 0.8))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result engine.UpsertResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Snapshot.SnapshotVersion != 1 {
		t.Errorf("snapshot version = %d", result.Snapshot.SnapshotVersion)
	}
}

func TestSubmitRunDuplicate(t *testing.T) {
	srv := newTestServer(t)

	postRun(t, srv, submission("run-1", 0.8))

	// Identical resubmission: 200 no-op.
	rec := postRun(t, srv, submission("run-1", 0.8))
	if rec.Code != http.StatusOK {
		t.Errorf("matching duplicate status = %d, want 200", rec.Code)
	}

	// Conflicting resubmission: 409.
	var sub RunSubmission
	json.Unmarshal(submission("run-1", 0.8), &sub)
	sub.Metrics.TruePositives = 3
	body, _ := json.Marshal(sub)
	rec = postRun(t, srv, body)
	if rec.Code != http.StatusConflict {
		t.Errorf("conflicting duplicate status = %d, want 409", rec.Code)
	}
}

func TestSubmitRunValidation(t *testing.T) {
	srv := newTestServer(t)

	var sub RunSubmission
	json.Unmarshal(submission("run-1", 0.8), &sub)
	sub.Environment = "qa-west"
	body, _ := json.Marshal(sub)

	rec := postRun(t, srv, body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown environment status = %d, want 400", rec.Code)
	}
}

func TestCurrentAndHistoryEndpoints(t *testing.T) {
	srv := newTestServer(t)
	postRun(t, srv, submission("run-1", 0.8))
	postRun(t, srv, submission("run-2", 0.9))

	query := "model_version=gpt-5.2&dataset_version=benchmark_v3&environment=staging"

	req := httptest.NewRequest(http.MethodGet, "/v1/snapshots/current?"+query, nil)
	rec := httptest.NewRecorder()
	srv.handleCurrent(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("current status = %d", rec.Code)
	}
	var snap api.Snapshot
	json.Unmarshal(rec.Body.Bytes(), &snap)
	if snap.SnapshotVersion != 2 || snap.Metrics.F1 != 0.9 {
		t.Errorf("current snapshot = %+v", snap)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/snapshots/history?"+query, nil)
	rec = httptest.NewRecorder()
	srv.handleHistory(rec, req)
	var versions []api.Snapshot
	json.Unmarshal(rec.Body.Bytes(), &versions)
	if len(versions) != 2 {
		t.Errorf("history has %d versions, want 2", len(versions))
	}

	// Missing key parts: 400.
	req = httptest.NewRequest(http.MethodGet, "/v1/snapshots/history?model_version=gpt-5.2", nil)
	rec = httptest.NewRecorder()
	srv.handleHistory(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("partial key status = %d, want 400", rec.Code)
	}
}

func TestCheckoutEndpoint(t *testing.T) {
	srv := newTestServer(t)
	postRun(t, srv, submission("run-1", 0.9))
	postRun(t, srv, submission("run-2", 0.5))

	body, _ := json.Marshal(checkoutRequest{
		ModelVersion:   "gpt-5.2",
		DatasetVersion: "benchmark_v3",
		Environment:    "staging",
		TargetVersion:  1,
		Actor:          "oncall",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/snapshots/checkout", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleCheckout(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var snap api.Snapshot
	json.Unmarshal(rec.Body.Bytes(), &snap)
	if snap.SnapshotVersion != 3 || snap.Metrics.F1 != 0.9 {
		t.Errorf("checkout snapshot = %+v", snap)
	}

	// Unknown target version: 404.
	body, _ = json.Marshal(checkoutRequest{
		ModelVersion: "gpt-5.2", DatasetVersion: "benchmark_v3",
		Environment: "staging", TargetVersion: 42, Actor: "oncall",
	})
	req = httptest.NewRequest(http.MethodPost, "/v1/snapshots/checkout", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	srv.handleCheckout(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing version status = %d, want 404", rec.Code)
	}
}

func TestTimeSeriesAndCompareEndpoints(t *testing.T) {
	srv := newTestServer(t)
	for i, f1 := range []float64{0.5, 0.6, 0.4} {
		postRun(t, srv, submission(fmt.Sprintf("run-%d", i), f1))
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/timeseries?model_version=gpt-5.2&environment=staging", nil)
	rec := httptest.NewRecorder()
	srv.handleTimeSeries(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("timeseries status = %d", rec.Code)
	}
	var points []history.Point
	json.Unmarshal(rec.Body.Bytes(), &points)
	if len(points) != 3 {
		t.Errorf("series has %d points, want 3", len(points))
	}

	query := "model_version=gpt-5.2&dataset_version=benchmark_v3&environment=staging&base=2&target=3"
	req = httptest.NewRequest(http.MethodGet, "/v1/compare?"+query, nil)
	rec = httptest.NewRecorder()
	srv.handleCompare(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("compare status = %d", rec.Code)
	}
	var cmp history.Comparison
	json.Unmarshal(rec.Body.Bytes(), &cmp)
	if d := cmp.Deltas["f1"]; d > -0.19 || d < -0.21 {
		t.Errorf("f1 delta = %.4f, want -0.20", d)
	}
}
