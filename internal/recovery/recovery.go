// Package recovery implements the Recovery Manager of spec §4.G: it owns
// the circuit breaker registry, retry engine and dead-letter queue and
// dispatches a call under a named strategy. It holds no rate limiter,
// transaction or checkpoint store; those are used directly by their callers.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/massingest/engine/internal/breaker"
	"github.com/massingest/engine/internal/deadletter"
	"github.com/massingest/engine/internal/ingesterr"
	"github.com/massingest/engine/internal/models"
	"github.com/massingest/engine/internal/retry"
)

// Strategy names the recovery strategy dispatched by Manager.With.
type Strategy string

const (
	StrategyCircuitBreaker Strategy = "circuit_breaker"
	StrategyRetryBackoff   Strategy = "retry_backoff"
	StrategyRetryImmediate Strategy = "retry_immediate"
	StrategyFallback       Strategy = "fallback"
	StrategySkip           Strategy = "skip"
)

// Manager owns the breaker registry, retry engine and dead-letter queue and
// dispatches calls through a named strategy (spec §4.G).
type Manager struct {
	breakers *breaker.Registry
	backoff  *retry.Engine
	dlq      *deadletter.Queue
	logger   *slog.Logger
}

// New constructs a Manager over the provided collaborators.
func New(breakers *breaker.Registry, backoff *retry.Engine, dlq *deadletter.Queue, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{breakers: breakers, backoff: backoff, dlq: dlq, logger: logger}
}

// With dispatches f under the named strategy for the given operation name.
// On unhandled failure, {operation, payload} is enqueued to the dead-letter
// queue before the error propagates, except for StrategyCircuitBreaker
// rejections, which the breaker itself never routes to the DLQ (spec §4.G,
// §7).
func With[T any](m *Manager, opName string, payload any, strategy Strategy, f func() (T, error), fallback func() (T, error)) (T, error) {
	switch strategy {
	case StrategyCircuitBreaker:
		result, err := breaker.Call[T](m.breakers, opName, f, fallback)
		if err != nil && !ingesterrIsCircuitOpen(err) {
			m.enqueue(opName, payload, err)
		}
		return result, err

	case StrategyRetryBackoff:
		var result T
		err := m.backoff.Do(context.Background(), func() error {
			v, err := f()
			result = v
			return err
		}, nil, func(err error, attempt int) {
			m.logger.Warn("retrying operation", "operation", opName, "attempt", attempt, "error", err)
		})
		if err != nil {
			m.enqueue(opName, payload, err)
		}
		return result, err

	case StrategyRetryImmediate:
		var result T
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			result, err = f()
			if err == nil {
				return result, nil
			}
		}
		m.enqueue(opName, payload, err)
		return result, err

	case StrategyFallback:
		result, err := f()
		if err == nil {
			return result, nil
		}
		if fallback != nil {
			return fallback()
		}
		m.enqueue(opName, payload, err)
		return result, err

	case StrategySkip:
		result, err := f()
		if err != nil {
			m.logger.Warn("operation failed, skipping", "operation", opName, "error", err)
			var zero T
			return zero, nil
		}
		return result, nil

	default:
		var zero T
		return zero, fmt.Errorf("recovery: unknown strategy %q", strategy)
	}
}

func (m *Manager) enqueue(opName string, payload any, err error) {
	if m.dlq == nil || err == nil {
		return
	}
	ctx := models.ErrorContext{
		ErrorType:    string(ingesterr.Classify(err)),
		ErrorMessage: err.Error(),
		Timestamp:    time.Now().UTC(),
		Operation:    opName,
	}
	if dlqErr := m.dlq.Add(payload, ctx); dlqErr != nil {
		m.logger.Error("failed to enqueue to dead-letter queue", "operation", opName, "error", dlqErr)
	}
}

func ingesterrIsCircuitOpen(err error) bool {
	return ingesterr.Classify(err) == ingesterr.KindCircuitOpen
}
