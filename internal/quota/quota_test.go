package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kyeong6/EATceed-AI/internal/apperr"
)

func newTestTracker(t *testing.T, limit int) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tracker, err := New(rdb, limit, "UTC")
	require.NoError(t, err)

	// Pin both clocks so EXPIREAT and the key's date agree.
	fixed := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	mr.SetTime(fixed)
	return tracker.WithNow(func() time.Time { return fixed }), mr
}

func TestCheckAndIncrement_CountsDown(t *testing.T) {
	tracker, _ := newTestTracker(t, 5)
	ctx := context.Background()

	for want := 4; want >= 0; want-- {
		remaining, err := tracker.CheckAndIncrement(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, want, remaining)
	}
}

func TestCheckAndIncrement_SixthCallRejected(t *testing.T) {
	tracker, _ := newTestTracker(t, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := tracker.CheckAndIncrement(ctx, 1)
		require.NoError(t, err)
	}

	_, err := tracker.CheckAndIncrement(ctx, 1)
	require.Error(t, err)
	assert.True(t, apperr.IsQuotaExceeded(err))

	// The rejected call must not have consumed anything.
	remaining, err := tracker.Peek(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestCheckAndIncrement_PerMemberIsolation(t *testing.T) {
	tracker, _ := newTestTracker(t, 2)
	ctx := context.Background()

	_, err := tracker.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)
	_, err = tracker.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)
	_, err = tracker.CheckAndIncrement(ctx, 1)
	assert.True(t, apperr.IsQuotaExceeded(err))

	remaining, err := tracker.Peek(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestCheckAndIncrement_ConcurrentCallsNeverExceedCap(t *testing.T) {
	tracker, _ := newTestTracker(t, 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	granted := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tracker.CheckAndIncrement(ctx, 1); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	var n int
	for range granted {
		n++
	}
	assert.Equal(t, 5, n)

	remaining, err := tracker.Peek(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestExpiryIsSetAtFirstIncrement(t *testing.T) {
	tracker, mr := newTestTracker(t, 5)
	ctx := context.Background()

	_, err := tracker.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)

	key := "rate_limit:1:2026-08-26"
	require.True(t, mr.Exists(key))
	// Fixed clock is 10:00 UTC; the key must die at the next midnight.
	assert.Equal(t, 14*time.Hour, mr.TTL(key))
}

func TestMidnightReset(t *testing.T) {
	tracker, _ := newTestTracker(t, 2)
	ctx := context.Background()

	_, err := tracker.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)
	_, err = tracker.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)
	_, err = tracker.CheckAndIncrement(ctx, 1)
	assert.True(t, apperr.IsQuotaExceeded(err))

	// Next day: the key carries the new date, so the budget is fresh even
	// before the old key's TTL fires.
	nextDay := time.Date(2026, 8, 27, 0, 0, 1, 0, time.UTC)
	tracker.WithNow(func() time.Time { return nextDay })

	remaining, err := tracker.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func TestPeek_DoesNotConsume(t *testing.T) {
	tracker, _ := newTestTracker(t, 5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		remaining, err := tracker.Peek(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 5, remaining)
	}

	_, err := tracker.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)

	remaining, err := tracker.Peek(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, remaining)
}

func TestRefund_RestoresConsumedUnit(t *testing.T) {
	tracker, _ := newTestTracker(t, 5)
	ctx := context.Background()

	_, err := tracker.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, tracker.Refund(ctx, 1))

	remaining, err := tracker.Peek(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)
}

func TestRefund_ReopensBudgetAtTheCap(t *testing.T) {
	tracker, _ := newTestTracker(t, 2)
	ctx := context.Background()

	_, err := tracker.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)
	_, err = tracker.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)
	_, err = tracker.CheckAndIncrement(ctx, 1)
	assert.True(t, apperr.IsQuotaExceeded(err))

	require.NoError(t, tracker.Refund(ctx, 1))

	remaining, err := tracker.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestRefund_WithoutConsumeNeverGoesNegative(t *testing.T) {
	tracker, _ := newTestTracker(t, 5)
	ctx := context.Background()

	require.NoError(t, tracker.Refund(ctx, 1))

	remaining, err := tracker.Peek(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)

	// The floored counter behaves like a fresh day.
	remaining, err = tracker.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, remaining)
}

func TestNew_InvalidTimezone(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	_, err := New(rdb, 5, "Not/AZone")
	assert.Error(t, err)
}
