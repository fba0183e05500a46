// Package groundtruth loads hand-authored benchmark datasets and
// detector output files. Malformed records are skipped with a warning
// rather than failing the load; a single bad annotation must not block
// a benchmark run.
package groundtruth

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/claimlens/benchvault/internal/api"
)

// Scenario is one annotated document in a dataset.
type Scenario struct {
	ScenarioID string              `json:"scenario_id"`
	Expected   []api.ExpectedIssue `json:"expected_issues"`
}

// Dataset is a versioned collection of annotated scenarios.
type Dataset struct {
	DatasetVersion string     `json:"dataset_version"`
	Scenarios      []Scenario `json:"scenarios"`

	// Warnings collects skipped-record notices from the load.
	Warnings []string `json:"-"`
}

// Detection is a detector's output for one scenario.
type Detection struct {
	ScenarioID string      `json:"scenario_id"`
	Issues     []api.Issue `json:"issues"`
}

// LoadDataset reads a dataset from a .json file (one Dataset document)
// or a .jsonl file (one Scenario per line, version derived from the
// file name).
func LoadDataset(path string) (*Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		return loadDatasetLines(path)
	case ".json":
		return loadDatasetDocument(path)
	default:
		return nil, &api.ValidationError{
			Field:   "dataset",
			Message: fmt.Sprintf("unsupported dataset format %q", filepath.Ext(path)),
		}
	}
}

func loadDatasetDocument(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to parse dataset: %w", err)
	}
	if ds.DatasetVersion == "" {
		return nil, &api.ValidationError{Field: "dataset_version", Message: "dataset_version is required"}
	}

	ds.Scenarios, ds.Warnings = vetScenarios(ds.Scenarios)
	return &ds, nil
}

func loadDatasetLines(path string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer file.Close()

	ds := &Dataset{
		// benchmark_v3.jsonl -> benchmark_v3
		DatasetVersion: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var sc Scenario
		if err := json.Unmarshal([]byte(line), &sc); err != nil {
			ds.Warnings = append(ds.Warnings, fmt.Sprintf("line %d: skipping malformed scenario: %v", lineNo, err))
			continue
		}
		ds.Scenarios = append(ds.Scenarios, sc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan dataset: %w", err)
	}

	ds.Scenarios, ds.Warnings = vetScenariosInto(ds.Scenarios, ds.Warnings)
	return ds, nil
}

func vetScenarios(in []Scenario) ([]Scenario, []string) {
	return vetScenariosInto(in, nil)
}

// vetScenariosInto drops scenarios without an id and deduplicates ids,
// keeping the first occurrence.
func vetScenariosInto(in []Scenario, warnings []string) ([]Scenario, []string) {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for i, sc := range in {
		if sc.ScenarioID == "" {
			warnings = append(warnings, fmt.Sprintf("scenario %d: skipping record without scenario_id", i))
			continue
		}
		if seen[sc.ScenarioID] {
			warnings = append(warnings, fmt.Sprintf("scenario %d: skipping duplicate scenario_id %q", i, sc.ScenarioID))
			continue
		}
		seen[sc.ScenarioID] = true
		out = append(out, sc)
	}
	return out, warnings
}

// LoadDetections reads detector output: a .json array of Detection
// documents or a .jsonl file with one Detection per line. Returns a
// map keyed by scenario id.
func LoadDetections(path string) (map[string][]api.Issue, []string, error) {
	var (
		detections []Detection
		warnings   []string
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read detections: %w", err)
		}
		if err := json.Unmarshal(data, &detections); err != nil {
			return nil, nil, fmt.Errorf("failed to parse detections: %w", err)
		}
	case ".jsonl":
		file, err := os.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open detections: %w", err)
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var d Detection
			if err := json.Unmarshal([]byte(line), &d); err != nil {
				warnings = append(warnings, fmt.Sprintf("line %d: skipping malformed detection: %v", lineNo, err))
				continue
			}
			detections = append(detections, d)
		}
		if err := scanner.Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to scan detections: %w", err)
		}
	default:
		return nil, nil, &api.ValidationError{
			Field:   "detections",
			Message: fmt.Sprintf("unsupported detections format %q", filepath.Ext(path)),
		}
	}

	byScenario := make(map[string][]api.Issue, len(detections))
	for i, d := range detections {
		if d.ScenarioID == "" {
			warnings = append(warnings, fmt.Sprintf("detection %d: skipping record without scenario_id", i))
			continue
		}
		byScenario[d.ScenarioID] = append(byScenario[d.ScenarioID], d.Issues...)
	}
	return byScenario, warnings, nil
}
