package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// Direction selects one of the two independent buckets.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Burst bounds how far a transfer can run ahead of the configured rate.
const Burst = 16 * 1024

var bytesAcquired = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swarmd_ratelimit_bytes_total",
		Help: "Bytes granted by the rate limiter",
	},
	[]string{"direction"},
)

// Limiter is the process-wide throttle shared by every swarm. Waiters are
// served in arrival order because x/time/rate hands out reservations
// sequentially, so no connection can starve the others.
type Limiter struct {
	buckets [2]*bucket
}

type bucket struct {
	lim *rate.Limiter

	mu        sync.RWMutex
	unlimited bool
	bps       int64
	changed   chan struct{}
}

// New creates a limiter; a rate of 0 means unlimited.
func New(downloadBytesPerSec, uploadBytesPerSec int64) *Limiter {
	l := &Limiter{}
	for i := range l.buckets {
		l.buckets[i] = &bucket{
			lim:     rate.NewLimiter(rate.Limit(Burst), Burst),
			changed: make(chan struct{}),
		}
	}
	l.SetRate(Download, downloadBytesPerSec)
	l.SetRate(Upload, uploadBytesPerSec)
	return l
}

// SetRate takes effect immediately, including for callers already waiting.
func (l *Limiter) SetRate(dir Direction, bytesPerSec int64) {
	b := l.buckets[dir]
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bps = bytesPerSec
	b.unlimited = bytesPerSec <= 0
	if !b.unlimited {
		b.lim.SetLimit(rate.Limit(bytesPerSec))
		b.lim.SetBurst(Burst)
	}
	close(b.changed)
	b.changed = make(chan struct{})
}

// Rate reports the configured bytes per second, 0 when unlimited.
func (l *Limiter) Rate(dir Direction) int64 {
	b := l.buckets[dir]
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.unlimited {
		return 0
	}
	return b.bps
}

// Acquire blocks until n bytes may be transferred in direction dir.
func (l *Limiter) Acquire(ctx context.Context, dir Direction, n int) error {
	if n <= 0 {
		return nil
	}
	b := l.buckets[dir]
	for n > 0 {
		chunk := n
		if chunk > Burst {
			chunk = Burst
		}
		if err := b.wait(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
		bytesAcquired.WithLabelValues(dir.String()).Add(float64(chunk))
	}
	return nil
}

func (b *bucket) wait(ctx context.Context, n int) error {
	for {
		b.mu.RLock()
		unlimited, changed := b.unlimited, b.changed
		b.mu.RUnlock()

		if unlimited {
			return nil
		}

		r := b.lim.ReserveN(time.Now(), n)
		if !r.OK() {
			return fmt.Errorf("ratelimit: cannot reserve %d bytes", n)
		}
		delay := r.Delay()
		if delay == 0 {
			return nil
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
			return nil
		case <-changed:
			t.Stop()
			r.Cancel()
		case <-ctx.Done():
			t.Stop()
			r.Cancel()
			return ctx.Err()
		}
	}
}
