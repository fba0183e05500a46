package regression

import (
	"math"
	"testing"

	"github.com/claimlens/benchvault/internal/api"
)

func metrics(f1 float64) api.EvaluationResult {
	return api.EvaluationResult{F1: f1}
}

func TestDetectNoBaseline(t *testing.T) {
	d := NewDetector("f1", 0.05, 2.0)
	if alert := d.Detect(nil, metrics(0.10)); alert != nil {
		t.Errorf("first run for a key must not alert, got %+v", alert)
	}
}

func TestDetectThresholds(t *testing.T) {
	d := NewDetector("f1", 0.05, 2.0)

	tests := []struct {
		name     string
		baseline float64
		next     float64
		severity api.AlertSeverity // "" means no alert
	}{
		{"improvement", 0.40, 0.50, ""},
		{"flat", 0.40, 0.40, ""},
		{"small dip below threshold", 0.40, 0.36, ""},
		{"warning at exactly threshold", 0.40, 0.35, api.AlertWarning},
		{"warning between thresholds", 0.40, 0.33, api.AlertWarning},
		{"critical at twice threshold", 0.40, 0.30, api.AlertCritical},
		{"critical on collapse", 0.40, 0.00, api.AlertCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseline := metrics(tt.baseline)
			alert := d.Detect(&baseline, metrics(tt.next))

			if tt.severity == "" {
				if alert != nil {
					t.Fatalf("expected no alert, got %+v", alert)
				}
				return
			}
			if alert == nil {
				t.Fatal("expected an alert, got nil")
			}
			if alert.Severity != tt.severity {
				t.Errorf("severity = %s, want %s", alert.Severity, tt.severity)
			}
			if alert.Metric != "f1" {
				t.Errorf("metric = %s, want f1", alert.Metric)
			}
			wantDelta := tt.next - tt.baseline
			if math.Abs(alert.Delta-wantDelta) > 1e-9 {
				t.Errorf("delta = %.4f, want %.4f", alert.Delta, wantDelta)
			}
		})
	}
}

func TestDetectAlternateMetric(t *testing.T) {
	d := NewDetector("recall", 0.10, 2.0)

	baseline := api.EvaluationResult{Recall: 0.80, F1: 0.50}
	alert := d.Detect(&baseline, api.EvaluationResult{Recall: 0.65, F1: 0.50})

	if alert == nil {
		t.Fatal("expected a recall alert, got nil")
	}
	if alert.Metric != "recall" || alert.Severity != api.AlertWarning {
		t.Errorf("got metric=%s severity=%s, want recall/warning", alert.Metric, alert.Severity)
	}
}

func TestDetectSuppressesErrors(t *testing.T) {
	// Unknown metric: the write must proceed, so detection degrades to
	// "no alert" rather than failing.
	d := NewDetector("auprc", 0.05, 2.0)
	baseline := metrics(0.40)
	if alert := d.Detect(&baseline, metrics(0.10)); alert != nil {
		t.Errorf("malformed detector config must suppress alerts, got %+v", alert)
	}

	// NaN baseline: likewise suppressed.
	d = NewDetector("f1", 0.05, 2.0)
	nanBaseline := metrics(math.NaN())
	if alert := d.Detect(&nanBaseline, metrics(0.10)); alert != nil {
		t.Errorf("NaN baseline must suppress alerts, got %+v", alert)
	}
}
