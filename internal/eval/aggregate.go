package eval

import "github.com/claimlens/benchvault/internal/api"

// Scenario pairs one document's detected findings with its ground
// truth for run-level evaluation.
type Scenario struct {
	ID       string              `json:"id"`
	Detected []api.Issue         `json:"detected_issues"`
	Expected []api.ExpectedIssue `json:"expected_issues"`
}

// EvaluateRun evaluates every scenario and aggregates run-level
// metrics by summing TP/FP/FN across scenarios before deriving
// precision/recall/F1. Averaging per-scenario F1 would be misleading
// for small per-scenario counts, so it is never done here.
func (e *Evaluator) EvaluateRun(scenarios []Scenario) (api.EvaluationResult, []api.ScenarioResult) {
	results := make([]api.ScenarioResult, 0, len(scenarios))
	var total api.EvaluationResult

	for _, sc := range scenarios {
		m := e.Evaluate(sc.Detected, sc.Expected)
		results = append(results, api.ScenarioResult{ScenarioID: sc.ID, Metrics: m})

		total.TruePositives += m.TruePositives
		total.FalsePositives += m.FalsePositives
		total.FalseNegatives += m.FalseNegatives
		for _, w := range m.Warnings {
			total.Warnings = append(total.Warnings, sc.ID+": "+w)
		}
	}

	e.derive(&total)
	return total, results
}

// Aggregate sums already-computed scenario results into a run-level
// result. Used when per-scenario metrics arrive precomputed from a
// remote runner.
func (e *Evaluator) Aggregate(scenarios []api.ScenarioResult) api.EvaluationResult {
	var total api.EvaluationResult
	for _, sc := range scenarios {
		total.TruePositives += sc.Metrics.TruePositives
		total.FalsePositives += sc.Metrics.FalsePositives
		total.FalseNegatives += sc.Metrics.FalseNegatives
		for _, w := range sc.Metrics.Warnings {
			total.Warnings = append(total.Warnings, sc.ScenarioID+": "+w)
		}
	}
	e.derive(&total)
	return total
}
