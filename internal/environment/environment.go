// Package environment maintains the registry of deployment
// environments a run may target. Snapshot keys are scoped per
// environment, so an unknown or retired environment is rejected before
// it can pollute the snapshot namespace.
package environment

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/claimlens/benchvault/internal/api"
)

var (
	ErrEnvironmentNotFound = errors.New("environment not found")
	ErrRateLimited         = errors.New("environment ingest rate exceeded")
)

// Environment is one deployment target runs are evaluated against.
type Environment struct {
	Name        string
	DisplayName string

	// Protected environments require an explicit actor on checkout,
	// CI-triggered rollbacks are refused.
	Protected bool

	// Ingest limits
	TokenRate int // submissions/second
	BurstRate int

	CreatedAt time.Time
	Active    bool
}

// Registry holds known environments and their ingest limiters.
type Registry struct {
	mu       sync.RWMutex
	envs     map[string]*Environment
	limiters map[string]*rate.Limiter
}

// NewRegistry creates an empty environment registry.
func NewRegistry() *Registry {
	return &Registry{
		envs:     make(map[string]*Environment),
		limiters: make(map[string]*rate.Limiter),
	}
}

// NewDefaultRegistry registers the three standard environments.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, env := range []*Environment{
		{Name: "dev", DisplayName: "Development", TokenRate: 50, BurstRate: 100, Active: true},
		{Name: "staging", DisplayName: "Staging", TokenRate: 20, BurstRate: 40, Active: true},
		{Name: "production", DisplayName: "Production", Protected: true, TokenRate: 10, BurstRate: 20, Active: true},
	} {
		r.Register(env)
	}
	return r
}

// Register adds or replaces an environment.
func (r *Registry) Register(env *Environment) error {
	if env.Name == "" {
		return &api.ValidationError{Field: "environment", Message: "environment name is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	r.envs[env.Name] = env
	r.limiters[env.Name] = rate.NewLimiter(rate.Limit(env.TokenRate), env.BurstRate)
	return nil
}

// Get returns an active environment by name.
func (r *Registry) Get(name string) (*Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	env, ok := r.envs[name]
	if !ok || !env.Active {
		return nil, ErrEnvironmentNotFound
	}
	return env, nil
}

// Validate rejects runs targeting unknown or inactive environments.
func (r *Registry) Validate(name string) error {
	if _, err := r.Get(name); err != nil {
		return &api.ValidationError{
			Field:   "environment",
			Message: "unknown environment: " + name,
		}
	}
	return nil
}

// Allow enforces the per-environment ingest rate.
func (r *Registry) Allow(ctx context.Context, name string) error {
	r.mu.RLock()
	limiter, ok := r.limiters[name]
	r.mu.RUnlock()

	if !ok {
		return ErrEnvironmentNotFound
	}
	if !limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}

// List returns all registered environments.
func (r *Registry) List() []*Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Environment, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env)
	}
	return out
}
