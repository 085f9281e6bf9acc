package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

func TestRedisLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	a := NewRedisLocker(rdb, "pm")
	b := NewRedisLocker(rdb, "pm")

	release, err := a.Acquire(ctx, "approval_expiry", time.Minute)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, "approval_expiry", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release(ctx))
	release, err = b.Acquire(ctx, "approval_expiry", time.Minute)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestRedisLocker_ExpiredLockReleaseIsQuiet(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	release, err := NewRedisLocker(rdb, "pm").Acquire(ctx, "audit_archive", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	assert.NoError(t, release(ctx))
}

func TestRunner_RunOnce(t *testing.T) {
	r := NewRunner(NewLocalLocker(), time.Minute, nil, logger.Nop())
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	var order []string
	var seen time.Time
	r.Add(Job{Name: "first", Interval: time.Hour, Run: func(_ context.Context, now time.Time) error {
		order = append(order, "first")
		seen = now
		return errors.New("sink down")
	}})
	r.Add(Job{Name: "second", Interval: time.Hour, Run: func(context.Context, time.Time) error {
		order = append(order, "second")
		return nil
	}})

	err := r.RunOnce(context.Background())
	assert.EqualError(t, err, "sink down")
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, fixed, seen)
}

func TestRunner_SkipsLockedJob(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "approval_expiry", time.Minute)
	require.NoError(t, err)
	defer release(context.Background())

	r := NewRunner(locker, time.Minute, nil, logger.Nop())
	ran := false
	r.Add(Job{Name: "approval_expiry", Interval: time.Hour, Run: func(context.Context, time.Time) error {
		ran = true
		return nil
	}})

	require.NoError(t, r.RunOnce(context.Background()))
	assert.False(t, ran)
}

func TestRunner_StartStopsOnCancel(t *testing.T) {
	r := NewRunner(NewLocalLocker(), time.Minute, nil, logger.Nop())
	ticks := make(chan struct{}, 10)
	r.Add(Job{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context, time.Time) error {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()
	r.Wait()
}
