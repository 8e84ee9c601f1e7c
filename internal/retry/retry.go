// Package retry implements the exponential-backoff retry engine of spec
// §4.C on top of github.com/avast/retry-go/v4, the retry library already
// wired into the helixml-helix dependency graph.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	retrygo "github.com/avast/retry-go/v4"
)

// Jitter selects whether delays are randomized.
type Jitter int

const (
	JitterOff Jitter = iota
	JitterUniform
)

// Config parameterizes one Engine.
type Config struct {
	MaxRetries       uint // M
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	ExponentialBase  float64
	Jitter           Jitter
}

// DefaultConfig: three retries, a 1s base delay doubling up to 60s, with
// uniform jitter.
var DefaultConfig = Config{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second, ExponentialBase: 2.0, Jitter: JitterUniform}

// Engine executes functions with exponential backoff and an optional
// retryability predicate, matching spec §4.C's retry(f, should_retry, on_retry).
type Engine struct {
	cfg Config
	// rand is overridable by tests to make jittered delays deterministic.
	rand func() float64
}

// New constructs an Engine, filling unset fields from DefaultConfig.
func New(cfg Config) *Engine {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.ExponentialBase <= 0 {
		cfg.ExponentialBase = DefaultConfig.ExponentialBase
	}
	return &Engine{cfg: cfg, rand: rand.Float64}
}

// Delay returns the backoff for the given zero-based attempt index,
// min(base * exponentialBase^attempt, maxDelay), optionally jittered to
// 0.5x-1.5x (spec §4.C).
func (e *Engine) Delay(attempt uint) time.Duration {
	raw := float64(e.cfg.BaseDelay) * math.Pow(e.cfg.ExponentialBase, float64(attempt))
	if raw > float64(e.cfg.MaxDelay) {
		raw = float64(e.cfg.MaxDelay)
	}
	if e.cfg.Jitter == JitterUniform {
		raw *= 0.5 + e.rand()
	}
	return time.Duration(raw)
}

// Do executes f up to MaxRetries+1 times. If shouldRetry is non-nil and
// returns false for an error, that error is returned immediately without
// further attempts. onRetry, if non-nil, is invoked between attempts with
// the error that triggered the retry and the 1-based attempt number that is
// about to run.
func (e *Engine) Do(ctx context.Context, f func() error, shouldRetry func(error) bool, onRetry func(err error, attempt int)) error {
	opts := []retrygo.Option{
		retrygo.Attempts(e.cfg.MaxRetries + 1),
		retrygo.LastErrorOnly(true),
		retrygo.Context(ctx),
		retrygo.DelayType(func(n uint, _ error, _ *retrygo.Config) time.Duration {
			return e.Delay(n)
		}),
	}

	if shouldRetry != nil {
		opts = append(opts, retrygo.RetryIf(shouldRetry))
	}
	if onRetry != nil {
		opts = append(opts, retrygo.OnRetry(func(n uint, err error) {
			onRetry(err, int(n)+1)
		}))
	}

	return retrygo.Do(f, opts...)
}
