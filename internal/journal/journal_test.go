package journal

import (
	"bytes"
	"os"
	"testing"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	bodies := [][]byte{
		[]byte(`{"run_id":"run-1","model_version":"gpt-5.2"}`),
		[]byte("multi\nline\npayload"),
		[]byte(`{"run_id":"run-2"}`),
	}
	for _, b := range bodies {
		if err := j.Append(b); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	path := j.Path()
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := Replay(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(bodies) {
		t.Fatalf("replayed %d entries, want %d", len(entries), len(bodies))
	}
	for i, e := range entries {
		if !bytes.Equal(e.Body, bodies[i]) {
			t.Errorf("entry %d body = %q, want %q", i, e.Body, bodies[i])
		}
		if e.Timestamp.IsZero() {
			t.Errorf("entry %d has zero timestamp", i)
		}
	}
}

func TestReplaySkipsTruncatedLines(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Append([]byte(`{"run_id":"run-1"}`)); err != nil {
		t.Fatal(err)
	}
	path := j.Path()
	j.Close()

	// Simulate a crash mid-write: a partial trailing line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("2026-03-01T12:00:00Z|99|dHJ1bmNh")
	f.Close()

	entries, err := Replay(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("replayed %d entries, want 1 (truncated line skipped)", len(entries))
	}
}

func TestReplayMissingFile(t *testing.T) {
	entries, err := Replay("/nonexistent/path/runs.journal")
	if err != nil {
		t.Fatalf("missing journal must not error: %v", err)
	}
	if entries != nil {
		t.Errorf("missing journal returned %d entries", len(entries))
	}
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Append([]byte("before")); err != nil {
		t.Fatal(err)
	}

	next, oldPath, err := Rotate(dir, j)
	if err != nil {
		t.Fatal(err)
	}
	defer next.Close()

	entries, err := Replay(oldPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || string(entries[0].Body) != "before" {
		t.Errorf("rotated-out journal entries = %v", entries)
	}
}
