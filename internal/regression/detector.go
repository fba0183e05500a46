package regression

import (
	"fmt"
	"log"
	"math"

	"github.com/claimlens/benchvault/internal/api"
)

// Detector compares a new snapshot's metrics against the previous
// current snapshot and raises a structured alert when the tracked
// metric drops past the configured threshold. Detection is best
// effort: a detector failure must never block a benchmark write, so
// internal errors are logged and reported as "no alert".
type Detector struct {
	metric             string
	warnThreshold      float64
	criticalMultiplier float64
}

// NewDetector creates a detector for the given primary metric.
// Out-of-range parameters fall back to the stock 5% warning threshold
// with critical at twice that.
func NewDetector(metric string, warnThreshold, criticalMultiplier float64) *Detector {
	if metric == "" {
		metric = "f1"
	}
	if warnThreshold <= 0 || warnThreshold > 1 {
		warnThreshold = 0.05
	}
	if criticalMultiplier < 1 {
		criticalMultiplier = 2.0
	}
	return &Detector{
		metric:             metric,
		warnThreshold:      warnThreshold,
		criticalMultiplier: criticalMultiplier,
	}
}

// Detect compares new metrics against the baseline captured before the
// snapshot flip. A nil baseline (first run for a key) yields no alert
// and no error. Delta is new minus old: delta <= -threshold raises a
// warning, delta <= -threshold*multiplier raises critical.
func (d *Detector) Detect(baseline *api.EvaluationResult, next api.EvaluationResult) *api.RegressionAlert {
	if baseline == nil {
		return nil
	}

	alert, err := d.detect(baseline, next)
	if err != nil {
		log.Printf("regression detection suppressed: %v", err)
		return nil
	}
	return alert
}

func (d *Detector) detect(baseline *api.EvaluationResult, next api.EvaluationResult) (*api.RegressionAlert, error) {
	prev, ok := baseline.MetricValue(d.metric)
	if !ok {
		return nil, fmt.Errorf("unknown metric %q in baseline", d.metric)
	}
	curr, ok := next.MetricValue(d.metric)
	if !ok {
		return nil, fmt.Errorf("unknown metric %q in new snapshot", d.metric)
	}
	if math.IsNaN(prev) || math.IsNaN(curr) {
		return nil, fmt.Errorf("metric %q is undefined (baseline %.4f, new %.4f)", d.metric, prev, curr)
	}

	delta := curr - prev
	if delta > -d.warnThreshold {
		return nil, nil
	}

	severity := api.AlertWarning
	if delta <= -d.warnThreshold*d.criticalMultiplier {
		severity = api.AlertCritical
	}

	return &api.RegressionAlert{
		Metric:        d.metric,
		PreviousValue: prev,
		CurrentValue:  curr,
		Delta:         delta,
		Threshold:     d.warnThreshold,
		Severity:      severity,
	}, nil
}
