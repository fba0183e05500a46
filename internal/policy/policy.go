package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/claimlens/benchvault/internal/api"
	"github.com/claimlens/benchvault/internal/eval"
)

// Policy captures the evaluation and regression parameters a run is
// scored under. The policy hash is stamped into every transaction so
// historical metrics stay interpretable after parameter changes.
type Policy struct {
	Version     string    `json:"version"` // Semantic version
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Active      bool      `json:"active"`

	// Regression detection parameters
	PrimaryMetric      string  `json:"primary_metric"`      // "f1", "precision", "recall"
	WarnThreshold      float64 `json:"warn_threshold"`      // delta <= -warn => warning
	CriticalMultiplier float64 `json:"critical_multiplier"` // delta <= -warn*mult => critical

	// Evaluator parameters
	ZeroMetricMode eval.ZeroMetricMode `json:"zero_metric_mode"`

	// Feature flags
	Flags map[string]bool `json:"flags,omitempty"`
}

// Validate performs structural validation before a policy can be
// registered.
func (p *Policy) Validate() error {
	if p.Version == "" {
		return &api.ValidationError{Field: "version", Message: "version is required"}
	}

	if _, ok := (&api.EvaluationResult{}).MetricValue(p.PrimaryMetric); !ok {
		return &api.ValidationError{
			Field:   "primary_metric",
			Message: fmt.Sprintf("unknown metric %q", p.PrimaryMetric),
		}
	}

	if p.WarnThreshold <= 0 || p.WarnThreshold > 1 {
		return &api.ValidationError{Field: "warn_threshold", Message: "must be in (0, 1]"}
	}
	if p.CriticalMultiplier < 1 {
		return &api.ValidationError{Field: "critical_multiplier", Message: "must be >= 1"}
	}

	switch p.ZeroMetricMode {
	case eval.ZeroMetricZero, eval.ZeroMetricNaN:
	default:
		return &api.ValidationError{
			Field:   "zero_metric_mode",
			Message: fmt.Sprintf("unknown mode %q", p.ZeroMetricMode),
		}
	}
	// NaN metrics cannot be persisted as JSON, so the stored pipeline
	// only accepts the zero mode.
	if p.ZeroMetricMode == eval.ZeroMetricNaN {
		if p.Flags == nil || !p.Flags["allow_nan_metrics"] {
			return &api.ValidationError{
				Field:   "zero_metric_mode",
				Message: "nan mode requires the allow_nan_metrics flag and an in-process pipeline",
			}
		}
	}

	if p.Flags != nil {
		if val, ok := p.Flags["disable_audit"]; ok && val {
			return &api.ValidationError{Field: "flags.disable_audit", Message: "disabling the audit trail is forbidden"}
		}
	}

	return nil
}

// Hash computes a stable hash of the policy parameters for lineage
// tracking. Metadata fields (name, description, timestamps) are
// excluded so cosmetic edits do not change the hash.
func (p *Policy) Hash() (string, error) {
	canonical := map[string]interface{}{
		"version":             p.Version,
		"primary_metric":      p.PrimaryMetric,
		"warn_threshold":      p.WarnThreshold,
		"critical_multiplier": p.CriticalMultiplier,
		"zero_metric_mode":    p.ZeroMetricMode,
	}

	jsonBytes, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to marshal policy for hashing: %w", err)
	}

	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:]), nil
}

// Registry manages versioned policies.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*Policy // version -> policy
	active   string
}

// NewRegistry creates a policy registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]*Policy)}
}

// Register adds a policy after validation. Versions are write-once.
func (r *Registry) Register(p *Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[p.Version]; exists {
		return fmt.Errorf("policy version %s already exists", p.Version)
	}
	r.policies[p.Version] = p
	return nil
}

// Promote activates a registered policy version.
func (r *Registry) Promote(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.policies[version]
	if !exists {
		return fmt.Errorf("policy version %s not found", version)
	}
	if !p.Active {
		return fmt.Errorf("policy version %s is not active", version)
	}
	r.active = version
	return nil
}

// GetActive returns the currently active policy.
func (r *Registry) GetActive() (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == "" {
		return nil, fmt.Errorf("no active policy")
	}
	p, exists := r.policies[r.active]
	if !exists {
		return nil, fmt.Errorf("active policy %s not found", r.active)
	}
	return p, nil
}

// Get retrieves a policy by version.
func (r *Registry) Get(version string) (*Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.policies[version]
	if !exists {
		return nil, fmt.Errorf("policy version %s not found", version)
	}
	return p, nil
}

// ListVersions returns all registered policy versions.
func (r *Registry) ListVersions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := make([]string, 0, len(r.policies))
	for v := range r.policies {
		versions = append(versions, v)
	}
	return versions
}

// DefaultPolicy returns the stock evaluation policy: F1 as the primary
// metric, 5% warning threshold, critical at twice that, and the total
// zero-denominator convention.
func DefaultPolicy() *Policy {
	return &Policy{
		Version:            "1.0.0",
		Name:               "default",
		Description:        "Default benchmark evaluation policy",
		CreatedAt:          time.Now(),
		Active:             true,
		PrimaryMetric:      "f1",
		WarnThreshold:      0.05,
		CriticalMultiplier: 2.0,
		ZeroMetricMode:     eval.ZeroMetricZero,
		Flags:              make(map[string]bool),
	}
}
