package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	e := New(Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, ExponentialBase: 2, Jitter: JitterOff})

	attempts := 0
	err := e.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustsRetriesAndReturnsLastError(t *testing.T) {
	e := New(Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, ExponentialBase: 2, Jitter: JitterOff})

	boom := errors.New("boom")
	attempts := 0
	err := e.Do(context.Background(), func() error {
		attempts++
		return boom
	}, nil, nil)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts) // M retries + the initial attempt
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	e := New(Config{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, ExponentialBase: 2, Jitter: JitterOff})

	fatal := errors.New("fatal")
	attempts := 0
	err := e.Do(context.Background(), func() error {
		attempts++
		return fatal
	}, func(err error) bool { return false }, nil)

	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestDo_InvokesOnRetryBetweenAttempts(t *testing.T) {
	e := New(Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, ExponentialBase: 2, Jitter: JitterOff})

	var seenAttempts []int
	boom := errors.New("boom")
	_ = e.Do(context.Background(), func() error { return boom }, nil, func(err error, attempt int) {
		seenAttempts = append(seenAttempts, attempt)
	})

	assert.Equal(t, []int{1, 2}, seenAttempts)
}

func TestDelay_IsCappedAtMaxDelay(t *testing.T) {
	e := New(Config{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 2 * time.Second, ExponentialBase: 2, Jitter: JitterOff})
	assert.Equal(t, 2*time.Second, e.Delay(10))
}
