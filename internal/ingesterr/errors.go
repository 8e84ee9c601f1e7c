// Package ingesterr enumerates the abstract error taxonomy of spec §7 as
// sentinel errors and small typed wrappers, in the style of the teacher
// repository's internal/repositories/errors.go and internal/videos/errors.go.
package ingesterr

import "errors"

var (
	// ErrValidation indicates an invariant violation at construction time
	// (bad channel URL, bad email, wrong video_id width).
	ErrValidation = errors.New("validation error")
	// ErrConfiguration indicates missing or malformed required configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransport indicates the external extractor exited non-zero, timed
	// out, produced empty output, or returned unparseable JSON. Retryable.
	ErrTransport = errors.New("transport error")
	// ErrRateLimitTimeout indicates a blocking rate-limiter acquire exceeded
	// its timeout. Retryable.
	ErrRateLimitTimeout = errors.New("rate limit wait timed out")
	// ErrCircuitOpen is returned when a circuit breaker rejects a call
	// outright. Retryable via fallback or after the recovery timeout.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrDependencyMissing indicates the external extractor binary is not
	// installed. Fatal at startup.
	ErrDependencyMissing = errors.New("required external dependency missing")
	// ErrPersistence indicates a constraint violation or storage I/O error.
	// Retryable with backoff.
	ErrPersistence = errors.New("persistence error")
	// ErrNotFound indicates a channel is missing or private. Non-retryable
	// per channel; callers downgrade this to an empty enumeration.
	ErrNotFound = errors.New("not found")
	// ErrCancelled is surfaced on shutdown or timeout.
	ErrCancelled = errors.New("cancelled")
)

// Kind classifies an error against the spec §7 taxonomy for logging and
// dead-letter bookkeeping.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindConfiguration     Kind = "configuration"
	KindTransport         Kind = "transport"
	KindRateLimitTimeout  Kind = "rate_limit_timeout"
	KindCircuitOpen       Kind = "circuit_open"
	KindDependencyMissing Kind = "dependency_missing"
	KindPersistence       Kind = "persistence"
	KindNotFound          Kind = "not_found"
	KindCancelled         Kind = "cancelled"
	KindUnknown           Kind = "unknown"
)

// Classify maps an error to its taxonomy Kind by walking errors.Is against
// the sentinels above. Unrecognized errors classify as KindUnknown, which
// callers treat as retryable (fail-safe default, matching spec §8 boundary
// behavior for unclassified transport errors).
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrRateLimitTimeout):
		return KindRateLimitTimeout
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrDependencyMissing):
		return KindDependencyMissing
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// Retryable reports whether the spec's propagation policy treats errors of
// this kind as retryable.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransport, KindRateLimitTimeout, KindCircuitOpen, KindPersistence, KindUnknown:
		return true
	default:
		return false
	}
}
