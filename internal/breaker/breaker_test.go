package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_OpensAfterThreshold(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Millisecond, SuccessThreshold: 2})

	boom := errors.New("boom")
	failing := func() (int, error) { return 0, boom }

	for i := 0; i < 3; i++ {
		_, err := Call[int](reg, "svc", failing, nil)
		require.ErrorIs(t, err, boom)
	}

	_, err := Call[int](reg, "svc", failing, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, boom, "4th call should be rejected by the open breaker, not re-invoke f")
}

func TestRegistry_FallbackOnOpen(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, SuccessThreshold: 1})

	boom := errors.New("boom")
	failing := func() (string, error) { return "", boom }
	fallback := func() (string, error) { return "fallback", nil }

	_, err := Call[string](reg, "svc", failing, nil)
	require.ErrorIs(t, err, boom)

	got, err := Call[string](reg, "svc", failing, fallback)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)
}

func TestRegistry_ClosesAfterSuccessesInHalfOpen(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, SuccessThreshold: 2})

	boom := errors.New("boom")
	_, err := Call[int](reg, "svc", func() (int, error) { return 0, boom }, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "open", reg.State("svc"))

	time.Sleep(30 * time.Millisecond)

	ok := func() (int, error) { return 1, nil }
	for i := 0; i < 2; i++ {
		v, err := Call[int](reg, "svc", ok, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	}

	assert.Equal(t, "closed", reg.State("svc"))
}

func TestRegistry_SharesStateAcrossCallsWithSameName(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, SuccessThreshold: 1})

	boom := errors.New("boom")
	_, _ = Call[int](reg, "shared", func() (int, error) { return 0, boom }, nil)
	_, err := Call[int](reg, "shared", func() (int, error) { return 0, boom }, nil)
	require.ErrorIs(t, err, boom)

	_, err = Call[int](reg, "shared", func() (int, error) { return 0, nil }, nil)
	require.Error(t, err, "breaker should already be open from the previous two failures")
}
