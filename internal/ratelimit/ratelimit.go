// Package ratelimit implements the per-service token bucket rate limiter of
// spec §4.A, built on golang.org/x/time/rate the way the teacher repository's
// internal/middleware.ipRateLimiter wraps rate.Limiter per visitor key.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/massingest/engine/internal/ingesterr"
)

// ServiceConfig describes one named service's bucket parameters.
type ServiceConfig struct {
	Rate  float64
	Burst int
}

// defaultService is used whenever a caller names a service with no
// configured bucket (spec §4.A: "fall back to a documented default").
var defaultService = ServiceConfig{Rate: 2.0, Burst: 5}

// ServiceStatus reports one service's current bucket state for observability.
type ServiceStatus struct {
	Rate        float64
	Burst       int
	Tokens      float64
	Utilization float64
}

// Limiter is a process-wide, per-service token bucket limiter. It is safe
// for concurrent use and is intended to be constructed once and shared by
// reference, mirroring the teacher's "process-scoped services initialized
// at startup" convention (spec §9 design notes).
type Limiter struct {
	mu       sync.Mutex
	services map[string]*bucket
	configs  map[string]ServiceConfig
}

type bucket struct {
	cfg     ServiceConfig
	limiter *rate.Limiter
}

// New constructs a Limiter from the named service configurations. Every
// configured rate must be > 0 and every burst must be >= 1 (fail-fast
// validation per spec §4.A).
func New(configs map[string]ServiceConfig) (*Limiter, error) {
	for name, cfg := range configs {
		if cfg.Rate <= 0 || cfg.Burst < 1 {
			return nil, fmt.Errorf("ratelimit: service %q: %w: rate must be > 0 and burst >= 1", name, ingesterr.ErrConfiguration)
		}
	}

	cloned := make(map[string]ServiceConfig, len(configs))
	for k, v := range configs {
		cloned[k] = v
	}

	return &Limiter{
		services: make(map[string]*bucket),
		configs:  cloned,
	}, nil
}

func (l *Limiter) bucketFor(service string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.services[service]; ok {
		return b
	}

	cfg, ok := l.configs[service]
	if !ok {
		cfg = defaultService
	}

	b := &bucket{cfg: cfg, limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)}
	l.services[service] = b
	return b
}

// Acquire attempts to immediately consume n tokens from service's bucket; it
// does not block.
func (l *Limiter) Acquire(service string, n int) bool {
	return l.bucketFor(service).limiter.AllowN(time.Now(), n)
}

// Wait blocks until n tokens are available on service's bucket, the timeout
// elapses, or ctx is cancelled. It returns false (never an error) on
// timeout, matching spec §4.A's "returns false on timeout" contract; callers
// that need a typed error should use WaitErr.
func (l *Limiter) Wait(ctx context.Context, service string, n int, timeout time.Duration) bool {
	err := l.WaitErr(ctx, service, n, timeout)
	return err == nil
}

// WaitErr is the typed-error counterpart to Wait, returning
// ingesterr.ErrRateLimitTimeout on timeout so callers building retry
// pipelines (spec §4.H: "a timeout surfaces as a retryable transport error")
// can classify it.
func (l *Limiter) WaitErr(ctx context.Context, service string, n int, timeout time.Duration) error {
	b := l.bucketFor(service)

	deadline := time.Now().Add(timeout)
	for {
		if b.limiter.AllowN(time.Now(), n) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("ratelimit: service %q: %w", service, ingesterr.ErrRateLimitTimeout)
		}

		sleep := time.Duration(float64(n)/b.cfg.Rate*float64(time.Second)) - 0
		if sleep <= 0 {
			sleep = 10 * time.Millisecond
		}
		if sleep > time.Second {
			sleep = time.Second
		}
		if sleep > remaining {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Status reports the current state of every service bucket that has been
// touched so far.
func (l *Limiter) Status() map[string]ServiceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]ServiceStatus, len(l.services))
	for name, b := range l.services {
		tokens := b.limiter.TokensAt(time.Now())
		util := 0.0
		if b.cfg.Burst > 0 {
			util = (float64(b.cfg.Burst) - tokens) / float64(b.cfg.Burst) * 100
			if util < 0 {
				util = 0
			}
		}
		out[name] = ServiceStatus{
			Rate:        b.cfg.Rate,
			Burst:       b.cfg.Burst,
			Tokens:      tokens,
			Utilization: util,
		}
	}
	return out
}
