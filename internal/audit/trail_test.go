package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/claimlens/benchvault/internal/api"
)

func findSegment(t *testing.T, baseDir string) string {
	t.Helper()
	var segment string
	err := filepath.Walk(baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".jsonl") {
			segment = path
		}
		return nil
	})
	if err != nil || segment == "" {
		t.Fatalf("no segment file found under %s: %v", baseDir, err)
	}
	return segment
}

func TestTrailAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	trail, err := NewTrail(dir)
	if err != nil {
		t.Fatal(err)
	}

	entries := []Entry{
		{
			Event:           EventRunCommitted,
			TransactionID:   "11111111-1111-1111-1111-111111111111",
			RunID:           "run-1",
			ModelVersion:    "gpt-5.2",
			DatasetVersion:  "benchmark_v3",
			Environment:     "staging",
			SnapshotVersion: 1,
			TriggeredBy:     "ci",
		},
		{
			Event:          EventCheckout,
			ModelVersion:   "gpt-5.2",
			DatasetVersion: "benchmark_v3",
			Environment:    "staging",
			TargetVersion:  1,
			SnapshotVersion: 2,
			TriggeredBy:    "oncall",
		},
	}
	for _, e := range entries {
		if err := trail.Append(e); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if err := trail.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadSegment(findSegment(t, dir))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d entries, want 2", len(got))
	}
	if got[0].Event != EventRunCommitted || got[1].Event != EventCheckout {
		t.Errorf("events = %s, %s", got[0].Event, got[1].Event)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("append must stamp the timestamp")
	}
	if got[0].EntryHash == "" || got[0].EntryHash == got[1].EntryHash {
		t.Error("each entry must carry its own hash")
	}
}

func TestTrailAlertSurvivesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	trail, err := NewTrail(dir)
	if err != nil {
		t.Fatal(err)
	}

	err = trail.Append(Entry{
		Event:          EventRunCommitted,
		ModelVersion:   "gpt-5.2",
		DatasetVersion: "benchmark_v3",
		Environment:    "production",
		Alert: &api.RegressionAlert{
			Metric:        "f1",
			PreviousValue: 0.40,
			CurrentValue:  0.30,
			Delta:         -0.10,
			Threshold:     0.05,
			Severity:      api.AlertCritical,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	trail.Close()

	got, err := ReadSegment(findSegment(t, dir))
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Alert == nil || got[0].Alert.Severity != api.AlertCritical {
		t.Errorf("alert did not survive the round trip: %+v", got[0].Alert)
	}
}

func TestVerifySegment(t *testing.T) {
	dir := t.TempDir()
	trail, err := NewTrail(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := trail.Append(Entry{Event: EventRunCommitted, ModelVersion: "m", DatasetVersion: "d", Environment: "staging"}); err != nil {
			t.Fatal(err)
		}
	}
	trail.Close()

	segment := findSegment(t, dir)
	if err := VerifySegment(segment); err != nil {
		t.Fatalf("intact segment failed verification: %v", err)
	}

	// Tamper with one byte of an entry field and expect detection.
	data, err := os.ReadFile(segment)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"environment":"staging"`, `"environment":"prodxxx"`, 1)
	if err := os.WriteFile(segment, []byte(tampered), 0644); err != nil {
		t.Fatal(err)
	}
	if err := VerifySegment(segment); err == nil {
		t.Error("tampered segment passed verification")
	}
}
