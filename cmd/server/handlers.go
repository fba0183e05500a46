package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/claimlens/benchvault/internal/api"
	"github.com/claimlens/benchvault/internal/engine"
	"github.com/claimlens/benchvault/internal/environment"
	"github.com/claimlens/benchvault/internal/history"
	"github.com/claimlens/benchvault/internal/journal"
	"github.com/claimlens/benchvault/internal/metrics"
	"github.com/claimlens/benchvault/internal/store"
	"github.com/claimlens/benchvault/pkg/otel"
)

type Server struct {
	engine      *engine.Engine
	history     *history.Service
	envs        *environment.Registry
	journal     *journal.Journal
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

// RunSubmission is the POST /v1/runs payload.
type RunSubmission struct {
	RunID          string               `json:"run_id"`
	ModelVersion   string               `json:"model_version"`
	DatasetVersion string               `json:"dataset_version"`
	PromptVersion  string               `json:"prompt_version,omitempty"`
	Environment    string               `json:"environment"`
	TriggeredBy    string               `json:"triggered_by"`
	CommitSHA      string               `json:"commit_sha,omitempty"`
	Tags           []string             `json:"tags,omitempty"`
	Notes          string               `json:"notes,omitempty"`
	Metrics        api.EvaluationResult `json:"metrics"`
	Scenarios      []api.ScenarioResult `json:"scenario_results,omitempty"`
}

type checkoutRequest struct {
	ModelVersion   string `json:"model_version"`
	DatasetVersion string `json:"dataset_version"`
	Environment    string `json:"environment"`
	TargetVersion  int    `json:"target_version"`
	Actor          string `json:"actor"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20)) // 4MB limit
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	// Journal before parsing so a crash mid-request is replayable.
	if err := s.journal.Append(body); err != nil {
		log.Printf("Journal append error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var sub RunSubmission
	if err := json.Unmarshal(body, &sub); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.envs.Allow(r.Context(), sub.Environment); errors.Is(err, environment.ErrRateLimited) {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Environment ingest rate exceeded", http.StatusTooManyRequests)
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "benchvault.server", "SubmitRun",
		otel.RunAttributes(sub.RunID, sub.ModelVersion, sub.DatasetVersion, sub.Environment)...)
	defer span.End()

	tx := &api.Transaction{
		RunID:          sub.RunID,
		ModelVersion:   sub.ModelVersion,
		DatasetVersion: sub.DatasetVersion,
		PromptVersion:  sub.PromptVersion,
		Environment:    sub.Environment,
		TriggeredBy:    sub.TriggeredBy,
		CommitSHA:      sub.CommitSHA,
		Tags:           sub.Tags,
		Notes:          sub.Notes,
		Metrics:        sub.Metrics,
		Scenarios:      sub.Scenarios,
	}

	result, err := s.engine.Upsert(ctx, tx)
	if err != nil {
		otel.RecordError(span, err, "upsert failed")
		s.respondError(w, err)
		return
	}
	span.SetAttributes(otel.AttrDedupHit.Bool(result.Deduplicated))
	if alert := result.Alert(); alert != nil {
		span.SetAttributes(otel.AlertAttributes(alert.Metric, string(alert.Severity))...)
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	key := api.SnapshotKey{
		ModelVersion:   req.ModelVersion,
		DatasetVersion: req.DatasetVersion,
		Environment:    req.Environment,
	}

	ctx, span := otel.StartSpan(r.Context(), "benchvault.server", "Checkout",
		otel.AttrModelVersion.String(key.ModelVersion),
		otel.AttrEnvironment.String(key.Environment),
		otel.AttrTargetVersion.Int(req.TargetVersion))
	defer span.End()

	snap, err := s.engine.Checkout(ctx, key, req.TargetVersion, req.Actor)
	if err != nil {
		otel.RecordError(span, err, "checkout failed")
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	key := api.SnapshotKey{
		ModelVersion:   q.Get("model_version"),
		DatasetVersion: q.Get("dataset_version"),
		Environment:    q.Get("environment"),
	}

	// A fully specified key returns one snapshot; otherwise the filter
	// lists every matching current snapshot.
	if key.ModelVersion != "" && key.DatasetVersion != "" && key.Environment != "" {
		snap, err := s.history.Current(r.Context(), key)
		if err != nil {
			s.respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, snap)
		return
	}

	snaps, err := s.history.ListCurrent(r.Context(), store.SnapshotFilter{
		ModelVersion:   key.ModelVersion,
		DatasetVersion: key.DatasetVersion,
		Environment:    key.Environment,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key, ok := snapshotKeyFromQuery(w, r)
	if !ok {
		return
	}

	versions, err := s.history.History(r.Context(), key)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := store.TransactionFilter{
		ModelVersion:   q.Get("model_version"),
		DatasetVersion: q.Get("dataset_version"),
		Environment:    q.Get("environment"),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			http.Error(w, "Invalid since timestamp", http.StatusBadRequest)
			return
		}
		filter.Since = t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			http.Error(w, "Invalid until timestamp", http.StatusBadRequest)
			return
		}
		filter.Until = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	points, err := s.history.TimeSeries(r.Context(), filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, points)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key, ok := snapshotKeyFromQuery(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	base, err := versionParam(q.Get("base"))
	if err != nil {
		http.Error(w, "Invalid base version", http.StatusBadRequest)
		return
	}
	target, err := versionParam(q.Get("target"))
	if err != nil {
		http.Error(w, "Invalid target version", http.StatusBadRequest)
		return
	}

	cmp, err := s.history.Compare(r.Context(), key, base, target)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cmp)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// respondError maps domain errors to HTTP statuses: validation 400,
// duplicate conflict 409, missing rows 404, transient storage 503.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var ve *api.ValidationError
	switch {
	case errors.As(err, &ve):
		http.Error(w, ve.Error(), http.StatusBadRequest)
	case errors.Is(err, api.ErrDuplicateRun):
		http.Error(w, "Duplicate run with conflicting content", http.StatusConflict)
	case errors.Is(err, api.ErrSnapshotNotFound), errors.Is(err, api.ErrTransactionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case api.IsRetryable(err):
		log.Printf("Storage error: %v", err)
		w.Header().Set("Retry-After", "5")
		http.Error(w, "Storage temporarily unavailable", http.StatusServiceUnavailable)
	default:
		log.Printf("Internal error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func snapshotKeyFromQuery(w http.ResponseWriter, r *http.Request) (api.SnapshotKey, bool) {
	q := r.URL.Query()
	key := api.SnapshotKey{
		ModelVersion:   q.Get("model_version"),
		DatasetVersion: q.Get("dataset_version"),
		Environment:    q.Get("environment"),
	}
	if key.ModelVersion == "" || key.DatasetVersion == "" || key.Environment == "" {
		http.Error(w, "model_version, dataset_version and environment are required", http.StatusBadRequest)
		return key, false
	}
	return key, true
}

// versionParam parses a snapshot version; empty means "current".
func versionParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
