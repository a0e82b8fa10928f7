package remd

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollUntil_ConditionAlreadyTrue_ReturnsImmediately(t *testing.T) {
	calls := 0
	err := PollUntil(context.Background(), time.Hour, time.Hour, func() (bool, error) {
		calls++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPollUntil_NeverTrue_TimesOutNotBeforeDeadline(t *testing.T) {
	// GIVEN a condition that never holds and a 60ms bound
	timeout := 60 * time.Millisecond
	start := time.Now()

	// WHEN polling every 7ms
	err := PollUntil(context.Background(), 7*time.Millisecond, timeout, func() (bool, error) {
		return false, nil
	})

	// THEN the timeout fires at or after the bound, never before
	assert.ErrorIs(t, err, ErrPollTimeout)
	assert.GreaterOrEqual(t, time.Since(start), timeout)
}

func TestPollUntil_BecomesTrue(t *testing.T) {
	var n atomic.Int32
	err := PollUntil(context.Background(), time.Millisecond, time.Second, func() (bool, error) {
		return n.Add(1) >= 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), n.Load())
}

func TestPollUntil_ConditionError_Aborts(t *testing.T) {
	boom := errors.New("boom")
	err := PollUntil(context.Background(), time.Millisecond, time.Second, func() (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestPollUntil_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	err := PollUntil(ctx, 2*time.Millisecond, time.Hour, func() (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.Canceled)
}
