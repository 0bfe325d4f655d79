package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnlimitedDoesNotBlock(t *testing.T) {
	l := New(0, 0)
	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), Download, 64<<20))
	require.NoError(t, l.Acquire(context.Background(), Upload, 64<<20))
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Equal(t, int64(0), l.Rate(Download))
}

func TestWindowBound(t *testing.T) {
	const bps = 64 * 1024
	l := New(bps, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()

	var total atomic.Int64
	counts := make([]int64, 4)
	var wg sync.WaitGroup
	start := time.Now()
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for l.Acquire(ctx, Download, Burst) == nil {
				total.Add(Burst)
				counts[i] += Burst
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	limit := int64(float64(bps)*elapsed.Seconds()) + Burst
	require.LessOrEqual(t, total.Load(), limit)
	require.Greater(t, total.Load(), int64(bps/2))

	// Reservations are granted in arrival order, so every consumer
	// makes progress.
	for i, c := range counts {
		require.Positive(t, c, "consumer %d starved", i)
	}
}

func TestDirectionsAreIndependent(t *testing.T) {
	l := New(1024, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Acquire(ctx, Upload, 1<<20))
	require.NoError(t, l.Acquire(ctx, Download, Burst))
	require.ErrorIs(t, l.Acquire(ctx, Download, Burst), context.DeadlineExceeded)
}

func TestSetRateWakesWaiters(t *testing.T) {
	l := New(1024, 0)
	require.NoError(t, l.Acquire(context.Background(), Download, Burst))

	done := make(chan error, 1)
	go func() {
		done <- l.Acquire(context.Background(), Download, Burst)
	}()

	time.Sleep(50 * time.Millisecond)
	l.SetRate(Download, 0)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released by SetRate")
	}
	require.Equal(t, int64(0), l.Rate(Download))

	l.SetRate(Download, 2048)
	require.Equal(t, int64(2048), l.Rate(Download))
}

func TestAcquireSplitsLargeRequests(t *testing.T) {
	l := New(4*Burst, 0)
	start := time.Now()
	// One burst is available up front, the remaining three take ~0.75s.
	require.NoError(t, l.Acquire(context.Background(), Download, 4*Burst))
	require.GreaterOrEqual(t, time.Since(start), 600*time.Millisecond)
}
