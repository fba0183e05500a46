package eval

import (
	"fmt"
	"math"

	"github.com/claimlens/benchvault/internal/api"
)

// ZeroMetricMode selects how precision/recall/F1 behave when their
// denominator is zero. The stored default keeps them at 0.0 so
// downstream aggregation stays total and comparable; NaN mode is for
// in-process analysis where undefined readings should be excluded
// from averages rather than dragged to zero.
type ZeroMetricMode string

const (
	ZeroMetricZero ZeroMetricMode = "zero"
	ZeroMetricNaN  ZeroMetricMode = "nan"
)

// Evaluator matches detected issues against expected issues and
// computes confusion counts and derived metrics. Pure and lock-free;
// safe for concurrent use.
type Evaluator struct {
	zeroMode ZeroMetricMode
}

// NewEvaluator creates an evaluator. An empty mode falls back to
// ZeroMetricZero.
func NewEvaluator(zeroMode ZeroMetricMode) *Evaluator {
	if zeroMode == "" {
		zeroMode = ZeroMetricZero
	}
	return &Evaluator{zeroMode: zeroMode}
}

// Evaluate computes the per-scenario result for one document.
//
// Matching is type-only over normalized forms: each detected issue
// consumes at most one remaining occurrence of its canonical type from
// the considered expected set (should_detect=true only). Leftover
// expected occurrences become false negatives. Final counts are
// independent of detected-issue order; only which duplicate claims a
// slot varies.
//
// Absence of input is a valid zero-metric result, never an error.
// Malformed records (empty type) are skipped and surfaced as warnings
// so one bad ground-truth entry cannot abort a benchmark run.
func (e *Evaluator) Evaluate(detected []api.Issue, expected []api.ExpectedIssue) api.EvaluationResult {
	var result api.EvaluationResult

	// Multiset of canonical types from the considered expected set.
	remaining := make(map[string]int)
	for i, exp := range expected {
		if !exp.ShouldDetect {
			continue
		}
		canon := NormalizeType(exp.Type)
		if canon == "" {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("expected issue %d: empty type after normalization, skipped", i))
			continue
		}
		remaining[canon]++
	}

	for i, d := range detected {
		canon := NormalizeType(d.Type)
		if canon == "" {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("detected issue %d: empty type after normalization, skipped", i))
			continue
		}
		if remaining[canon] > 0 {
			remaining[canon]--
			result.TruePositives++
		} else {
			result.FalsePositives++
		}
	}

	for _, count := range remaining {
		result.FalseNegatives += count
	}

	e.derive(&result)
	return result
}

// derive fills precision, recall, and F1 from the confusion counts.
func (e *Evaluator) derive(m *api.EvaluationResult) {
	tp := float64(m.TruePositives)
	fp := float64(m.FalsePositives)
	fn := float64(m.FalseNegatives)

	m.Precision = e.ratio(tp, tp+fp)
	m.Recall = e.ratio(tp, tp+fn)

	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	} else {
		m.F1 = e.zero()
	}
}

func (e *Evaluator) ratio(num, denom float64) float64 {
	if denom > 0 {
		return num / denom
	}
	return e.zero()
}

func (e *Evaluator) zero() float64 {
	if e.zeroMode == ZeroMetricNaN {
		return math.NaN()
	}
	return 0.0
}
