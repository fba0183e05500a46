package groundtruth

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDatasetDocument(t *testing.T) {
	path := writeFile(t, "dataset.json", `{
		"dataset_version": "benchmark_v3",
		"scenarios": [
			{"scenario_id": "s1", "expected_issues": [
				{"type": "Duplicate Charge", "cpt_code": "99213", "should_detect": true},
				{"type": "Unbundling", "should_detect": false}
			]},
			{"scenario_id": "s2", "expected_issues": []}
		]
	}`)

	ds, err := LoadDataset(path)
	if err != nil {
		t.Fatal(err)
	}
	if ds.DatasetVersion != "benchmark_v3" {
		t.Errorf("version = %s", ds.DatasetVersion)
	}
	if len(ds.Scenarios) != 2 {
		t.Fatalf("loaded %d scenarios, want 2", len(ds.Scenarios))
	}
	if len(ds.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", ds.Warnings)
	}
	first := ds.Scenarios[0]
	if first.ScenarioID != "s1" || len(first.Expected) != 2 || !first.Expected[0].ShouldDetect {
		t.Errorf("scenario s1 = %+v", first)
	}
}

func TestLoadDatasetLines(t *testing.T) {
	path := writeFile(t, "benchmark_v3.jsonl",
		`{"scenario_id":"s1","expected_issues":[{"type":"Duplicate Charge","should_detect":true}]}
not json at all
{"scenario_id":"","expected_issues":[]}
{"scenario_id":"s2","expected_issues":[]}
{"scenario_id":"s2","expected_issues":[]}
`)

	ds, err := LoadDataset(path)
	if err != nil {
		t.Fatal(err)
	}
	if ds.DatasetVersion != "benchmark_v3" {
		t.Errorf("version from file name = %s", ds.DatasetVersion)
	}
	if len(ds.Scenarios) != 2 {
		t.Fatalf("loaded %d scenarios, want 2 (bad records skipped)", len(ds.Scenarios))
	}
	// Malformed line, empty id, duplicate id: three warnings.
	if len(ds.Warnings) != 3 {
		t.Errorf("warnings = %v, want 3", ds.Warnings)
	}
}

func TestLoadDatasetMissingVersion(t *testing.T) {
	path := writeFile(t, "dataset.json", `{"scenarios": []}`)
	if _, err := LoadDataset(path); err == nil {
		t.Error("dataset without a version accepted")
	}
}

func TestLoadDatasetUnsupportedFormat(t *testing.T) {
	path := writeFile(t, "dataset.csv", "scenario_id,type\n")
	if _, err := LoadDataset(path); err == nil {
		t.Error("csv dataset accepted")
	}
}

func TestLoadDetections(t *testing.T) {
	path := writeFile(t, "detections.jsonl",
		`{"scenario_id":"s1","issues":[{"type":"duplicate_charge"},{"type":"upcoding"}]}
{"scenario_id":"s2","issues":[]}
{"scenario_id":"","issues":[{"type":"orphan"}]}
`)

	byScenario, warnings, err := LoadDetections(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(byScenario["s1"]) != 2 {
		t.Errorf("s1 has %d issues, want 2", len(byScenario["s1"]))
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %v, want 1 for the missing scenario_id", warnings)
	}
}
