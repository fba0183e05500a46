package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity classifies how costly a billing issue is when missed.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Issue is a single finding reported by a detector for one document.
// Issues are matched against expected issues by normalized type only;
// CPT code and savings are carried for reporting, not for matching.
type Issue struct {
	Type     string   `json:"type"`
	CPTCode  string   `json:"cpt_code,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	Savings  float64  `json:"savings,omitempty"`
}

// ExpectedIssue is a hand-authored ground-truth finding. Issues with
// ShouldDetect=false are tracked for calibration but excluded from
// precision/recall denominators.
type ExpectedIssue struct {
	Issue
	ShouldDetect bool `json:"should_detect"`
}

// EvaluationResult holds the confusion counts and derived metrics for
// one scenario or one whole run.
type EvaluationResult struct {
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`

	// Warnings collects malformed-record notices surfaced during
	// evaluation. A bad ground-truth entry never aborts a run.
	Warnings []string `json:"warnings,omitempty"`
}

// ScenarioResult is the per-document outcome inside a run.
type ScenarioResult struct {
	ScenarioID string           `json:"scenario_id"`
	Metrics    EvaluationResult `json:"metrics"`
}

// AlertSeverity grades a regression alert.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// RegressionAlert describes a metric drop beyond the configured
// threshold relative to the previous current snapshot. Alerts are
// embedded in the triggering transaction so the audit trail is
// self-describing without joins.
type RegressionAlert struct {
	Metric        string        `json:"metric"`
	PreviousValue float64       `json:"previous_value"`
	CurrentValue  float64       `json:"current_value"`
	Delta         float64       `json:"delta"`
	Threshold     float64       `json:"threshold"`
	Severity      AlertSeverity `json:"severity"`
}

// Transaction is one immutable record of a benchmark run. Created
// exactly once per run; never updated or deleted by the application.
type Transaction struct {
	ID             uuid.UUID        `json:"id"`
	CreatedAt      time.Time        `json:"created_at"`
	ModelVersion   string           `json:"model_version"`
	DatasetVersion string           `json:"dataset_version"`
	PromptVersion  string           `json:"prompt_version,omitempty"`
	Environment    string           `json:"environment"`
	Metrics        EvaluationResult `json:"metrics"`
	Scenarios      []ScenarioResult `json:"scenario_results,omitempty"`
	CommitSHA      string           `json:"commit_sha,omitempty"`
	RunID          string           `json:"run_id,omitempty"`
	TriggeredBy    string           `json:"triggered_by"`
	Tags           []string         `json:"tags,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	PolicyHash     string           `json:"policy_hash,omitempty"`
	Alert          *RegressionAlert `json:"regression_alert,omitempty"`
}

// SnapshotKey is the composite key a current pointer is scoped to.
type SnapshotKey struct {
	ModelVersion   string `json:"model_version"`
	DatasetVersion string `json:"dataset_version"`
	Environment    string `json:"environment"`
}

func (k SnapshotKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.ModelVersion, k.DatasetVersion, k.Environment)
}

// Snapshot is the latest-known metrics row for a key. Old rows are
// never deleted; only their is_current flag is flipped.
type Snapshot struct {
	Key             SnapshotKey      `json:"key"`
	SnapshotVersion int              `json:"snapshot_version"`
	IsCurrent       bool             `json:"is_current"`
	Metrics         EvaluationResult `json:"metrics"`
	TransactionID   uuid.UUID        `json:"transaction_id"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ComputeIdempotencyKey derives the canonical duplicate-detection key
// for a run: sha256(run_id|model_version|dataset_version|environment).
// CI retries carrying the same run identity hash to the same key.
func ComputeIdempotencyKey(runID, modelVersion, datasetVersion, environment string) string {
	data := fmt.Sprintf("%s|%s|%s|%s", runID, modelVersion, datasetVersion, environment)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// IdempotencyKey returns the transaction's canonical duplicate key.
// Transactions without a run_id fall back to the transaction ID, which
// makes every such run unique by construction.
func (t *Transaction) IdempotencyKey() string {
	if t.RunID == "" {
		return ComputeIdempotencyKey(t.ID.String(), t.ModelVersion, t.DatasetVersion, t.Environment)
	}
	return ComputeIdempotencyKey(t.RunID, t.ModelVersion, t.DatasetVersion, t.Environment)
}

// Key returns the snapshot key the transaction promotes.
func (t *Transaction) Key() SnapshotKey {
	return SnapshotKey{
		ModelVersion:   t.ModelVersion,
		DatasetVersion: t.DatasetVersion,
		Environment:    t.Environment,
	}
}

// ContentEquals reports whether two transactions carry the same run
// content. A duplicate submission whose content matches the stored
// transaction is a no-op success; a mismatch is a hard failure.
func (t *Transaction) ContentEquals(other *Transaction) bool {
	if other == nil {
		return false
	}
	return t.ModelVersion == other.ModelVersion &&
		t.DatasetVersion == other.DatasetVersion &&
		t.PromptVersion == other.PromptVersion &&
		t.Environment == other.Environment &&
		t.RunID == other.RunID &&
		t.CommitSHA == other.CommitSHA &&
		t.Metrics.TruePositives == other.Metrics.TruePositives &&
		t.Metrics.FalsePositives == other.Metrics.FalsePositives &&
		t.Metrics.FalseNegatives == other.Metrics.FalseNegatives
}

// Validate performs basic structural validation before a transaction
// enters the write path.
func (t *Transaction) Validate() error {
	if t.ID == uuid.Nil {
		return &ValidationError{Field: "id", Message: "transaction id is required"}
	}
	if t.ModelVersion == "" {
		return &ValidationError{Field: "model_version", Message: "model_version is required"}
	}
	if t.DatasetVersion == "" {
		return &ValidationError{Field: "dataset_version", Message: "dataset_version is required"}
	}
	if t.Environment == "" {
		return &ValidationError{Field: "environment", Message: "environment is required"}
	}
	if t.TriggeredBy == "" {
		return &ValidationError{Field: "triggered_by", Message: "triggered_by is required"}
	}
	return t.Metrics.Validate()
}

// Validate checks metric bounds. Counts must be non-negative and
// derived metrics must stay in [0, 1].
func (m *EvaluationResult) Validate() error {
	if m.TruePositives < 0 || m.FalsePositives < 0 || m.FalseNegatives < 0 {
		return &ValidationError{Field: "metrics", Message: "confusion counts must be non-negative"}
	}
	checks := []struct {
		name  string
		value float64
	}{
		{"precision", m.Precision},
		{"recall", m.Recall},
		{"f1", m.F1},
	}
	for _, c := range checks {
		if c.value < 0 || c.value > 1 {
			return &ValidationError{
				Field:   "metrics." + c.name,
				Message: fmt.Sprintf("must be in [0, 1], got %.4f", c.value),
			}
		}
	}
	return nil
}

// MetricValue returns a named metric from the result. Unknown names
// return false so callers can treat them as a detector misconfiguration
// rather than a zero reading.
func (m *EvaluationResult) MetricValue(name string) (float64, bool) {
	switch name {
	case "precision":
		return m.Precision, true
	case "recall":
		return m.Recall, true
	case "f1":
		return m.F1, true
	default:
		return 0, false
	}
}
