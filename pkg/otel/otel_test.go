package otel

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("benchvault")
	if cfg.ServiceName != "benchvault" {
		t.Errorf("service name = %s", cfg.ServiceName)
	}
	if cfg.SamplingRate != 1.0 {
		t.Errorf("sampling rate = %f, want 1.0", cfg.SamplingRate)
	}
}

func TestRunAttributes(t *testing.T) {
	attrs := RunAttributes("run-1", "gpt-5.2", "benchmark_v3", "staging")
	if len(attrs) != 4 {
		t.Fatalf("got %d attributes, want 4", len(attrs))
	}
	if string(attrs[0].Key) != "run.id" || attrs[0].Value.AsString() != "run-1" {
		t.Errorf("first attribute = %s=%s", attrs[0].Key, attrs[0].Value.AsString())
	}
}

func TestAlertAttributes(t *testing.T) {
	attrs := AlertAttributes("f1", "critical")
	if len(attrs) != 2 {
		t.Fatalf("got %d attributes, want 2", len(attrs))
	}
	if attrs[1].Value.AsString() != "critical" {
		t.Errorf("severity attribute = %s", attrs[1].Value.AsString())
	}
}
