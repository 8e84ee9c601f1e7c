// Package breaker implements the per-service circuit breaker of spec §4.B
// on top of github.com/sony/gobreaker, the way helixml-helix's dependency
// graph pulls in gobreaker for guarding external service calls.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/massingest/engine/internal/ingesterr"
)

// Config parameterizes one named breaker.
type Config struct {
	FailureThreshold uint32        // F: consecutive failures before opening
	RecoveryTimeout  time.Duration // T: time spent Open before probing Half-Open
	SuccessThreshold uint32        // S: consecutive Half-Open successes before Closing
}

// DefaultConfig matches spec §4.B's documented defaults.
var DefaultConfig = Config{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, SuccessThreshold: 2}

// Registry lazily creates and shares named circuit breakers: "reusing the
// same op_name across calls shares state" (spec §4.G).
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry constructs a Registry applying cfg to every breaker it creates.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig.RecoveryTimeout
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	return &Registry{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *Registry) breakerFor(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	threshold := r.cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: r.cfg.SuccessThreshold,
		Interval:    0, // never reset Closed-state counts on a timer; only consecutive failures matter
		Timeout:     r.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}

	b := gobreaker.NewCircuitBreaker(settings)
	r.breakers[name] = b
	return b
}

// Call invokes f under the named breaker's rules. When the breaker is Open
// and fallback is provided, fallback's result is returned without counting
// toward the breaker's statistics (spec §4.B). With no fallback, an Open
// breaker surfaces ingesterr.ErrCircuitOpen.
func Call[T any](r *Registry, name string, f func() (T, error), fallback func() (T, error)) (T, error) {
	b := r.breakerFor(name)

	result, err := b.Execute(func() (interface{}, error) {
		return f()
	})
	if err == nil {
		return result.(T), nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if fallback != nil {
			return fallback()
		}
		var zero T
		return zero, fmt.Errorf("breaker %q: %w", name, ingesterr.ErrCircuitOpen)
	}

	var zero T
	return zero, err
}

// State reports the current state name of the named breaker ("closed",
// "half-open", "open"), or "closed" if it has never been invoked.
func (r *Registry) State(name string) string {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return b.State().String()
}
