package policy

import (
	"testing"

	"github.com/claimlens/benchvault/internal/eval"
)

func TestDefaultPolicyValidates(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy failed validation: %v", err)
	}
}

func TestPolicyValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"missing version", func(p *Policy) { p.Version = "" }},
		{"unknown metric", func(p *Policy) { p.PrimaryMetric = "accuracy" }},
		{"zero threshold", func(p *Policy) { p.WarnThreshold = 0 }},
		{"threshold above one", func(p *Policy) { p.WarnThreshold = 1.5 }},
		{"multiplier below one", func(p *Policy) { p.CriticalMultiplier = 0.5 }},
		{"unknown zero mode", func(p *Policy) { p.ZeroMetricMode = "null" }},
		{"nan mode without flag", func(p *Policy) { p.ZeroMetricMode = eval.ZeroMetricNaN }},
		{"audit disable forbidden", func(p *Policy) { p.Flags["disable_audit"] = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(p)
			if err := p.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestPolicyHashStableAcrossMetadata(t *testing.T) {
	a := DefaultPolicy()
	b := DefaultPolicy()
	b.Name = "renamed"
	b.Description = "different description"

	hashA, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	hashB, err := b.Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if hashA != hashB {
		t.Error("cosmetic metadata changed the policy hash")
	}

	b.WarnThreshold = 0.10
	hashC, err := b.Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if hashA == hashC {
		t.Error("parameter change did not change the policy hash")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	p := DefaultPolicy()

	if err := r.Register(p); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(p); err == nil {
		t.Error("expected duplicate version registration to fail")
	}

	if err := r.Promote("1.0.0"); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	active, err := r.GetActive()
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != "1.0.0" {
		t.Errorf("active version = %s, want 1.0.0", active.Version)
	}

	if err := r.Promote("9.9.9"); err == nil {
		t.Error("expected promoting an unknown version to fail")
	}
}
