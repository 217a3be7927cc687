// Package health tracks liveness of the orchestrator's own subsystems (adapters,
// per-repo controllers) as ComponentHealth records, layering a circuit breaker over
// the consecutive-failure streak so a known-bad dependency stops being hammered.
package health

import (
	"sync"
	"time"

	"github.com/cuemby/fleetcore/pkg/types"
)

// Config controls the failure/backoff thresholds for one component's breaker.
type Config struct {
	// Retries is the number of consecutive failures before the component is
	// considered Unhealthy and its circuit opens.
	Retries int
	// OpenDuration is how long the circuit stays Open before allowing one
	// half-open probe.
	OpenDuration time.Duration
}

// DefaultConfig mirrors the reconciler's default health-check cadence.
func DefaultConfig() Config {
	return Config{Retries: 3, OpenDuration: 30 * time.Second}
}

// Registry tracks ComponentHealth for every registered component name. Safe
// for concurrent use: the health and state-sync loops probe different
// external adapters but share one registry.
type Registry struct {
	mu         sync.Mutex
	components map[string]*types.ComponentHealth
	cfg        Config
}

// NewRegistry creates an empty health registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{components: make(map[string]*types.ComponentHealth), cfg: cfg}
}

// Register adds a component in the Unknown state.
func (r *Registry) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[name] = &types.ComponentHealth{
		Name:    name,
		Status:  types.ComponentUnknown,
		Circuit: types.CircuitClosed,
	}
}

// RecordSuccess marks a successful check: resets the failure streak and closes
// the circuit if it was half-open.
func (r *Registry) RecordSuccess(name string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(name)
	c.ConsecutiveFailures = 0
	c.LastCheckAt = now
	c.Status = types.ComponentHealthy
	c.Circuit = types.CircuitClosed
}

// RecordFailure marks a failed check. Once ConsecutiveFailures reaches the
// configured Retries, the component becomes Unhealthy and the circuit opens
// until NextAttemptAt; a probe allowed through during that window (see
// AllowProbe) transitions the circuit to HalfOpen rather than re-opening blind.
func (r *Registry) RecordFailure(name string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(name)
	c.ConsecutiveFailures++
	c.LastCheckAt = now

	if c.ConsecutiveFailures >= r.cfg.Retries {
		c.Status = types.ComponentUnhealthy
		c.Circuit = types.CircuitOpen
		c.NextAttemptAt = now.Add(r.cfg.OpenDuration)
	} else if c.Status == types.ComponentHealthy {
		c.Status = types.ComponentDegraded
	}
}

// AllowProbe reports whether a health check should run now: always true when
// the circuit is Closed or HalfOpen; true (and transitions to HalfOpen) when
// an Open circuit's cooldown has elapsed; false otherwise.
func (r *Registry) AllowProbe(name string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.get(name)
	switch c.Circuit {
	case types.CircuitOpen:
		if now.Before(c.NextAttemptAt) {
			return false
		}
		c.Circuit = types.CircuitHalfOpen
		return true
	default:
		return true
	}
}

// Get returns a copy of the current status for name, registering it first if unseen.
func (r *Registry) Get(name string) types.ComponentHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.get(name)
}

// All returns a snapshot of every registered component.
func (r *Registry) All() []types.ComponentHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ComponentHealth, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, *c)
	}
	return out
}

func (r *Registry) get(name string) *types.ComponentHealth {
	c, ok := r.components[name]
	if !ok {
		c = &types.ComponentHealth{Name: name, Status: types.ComponentUnknown, Circuit: types.CircuitClosed}
		r.components[name] = c
	}
	return c
}
