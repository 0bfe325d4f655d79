package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

var (
	sourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmd_discovery_errors_total",
			Help: "Failed discovery queries by source kind",
		},
		[]string{"source"},
	)

	peersFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmd_discovery_peers_total",
			Help: "Candidate peer addresses returned by source kind",
		},
		[]string{"source"},
	)
)

// BreakerSettings configures the circuit breaker around each source.
type BreakerSettings struct {
	MaxRequests    uint32
	Interval       time.Duration
	Timeout        time.Duration
	MinRequests    uint32
	ErrorThreshold float64
}

// Options tunes a Finder.
type Options struct {
	Interval   time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Timeout    time.Duration
	Breaker    BreakerSettings
}

type guardedSource struct {
	Source
	kind string
	cb   *gobreaker.CircuitBreaker
}

// Finder turns a set of sources into a lazy, restartable stream of peer
// candidates. Rounds that find nothing back off exponentially.
type Finder struct {
	sources  []guardedSource
	announce func() Announce
	opts     Options
	log      zerolog.Logger

	mu      sync.Mutex
	backoff time.Duration
	wake    chan struct{}
}

func NewFinder(sources []Source, announce func() Announce, opts Options, log zerolog.Logger) *Finder {
	f := &Finder{
		announce: announce,
		opts:     opts,
		log:      log.With().Str("component", "discovery").Logger(),
		backoff:  opts.MinBackoff,
		wake:     make(chan struct{}, 1),
	}
	for _, s := range sources {
		f.sources = append(f.sources, guardedSource{
			Source: s,
			kind:   kindOf(s),
			cb:     newBreaker(s.Name(), opts.Breaker, f.log),
		})
	}
	return f
}

func kindOf(s Source) string {
	switch s.(type) {
	case *HTTPTracker:
		return "http"
	case *UDPTracker:
		return "udp"
	case *dhtSource:
		return "dht"
	case Static:
		return "static"
	default:
		return "other"
	}
}

func newBreaker(name string, bs BreakerSettings, log zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bs.MinRequests || counts.Requests == 0 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= bs.ErrorThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info().Str("source", name).Str("from", from.String()).Str("to", to.String()).Msg("Discovery source breaker changed state")
		},
	})
}

// Run queries every source each round and sends non-empty results to out
// until ctx is done.
func (f *Finder) Run(ctx context.Context, out chan<- []string) error {
	for {
		peers := f.Round(ctx)

		var wait time.Duration
		if len(peers) > 0 {
			select {
			case out <- peers:
			case <-ctx.Done():
				return ctx.Err()
			}
			wait = f.opts.Interval
		} else {
			wait = f.nextBackoff()
			f.log.Debug().Dur("wait", wait).Msg("No peers discovered, backing off")
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-f.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Round performs one query of every source concurrently and returns the
// deduplicated union of their answers.
func (f *Finder) Round(ctx context.Context) []string {
	req := f.announce()
	results := make([][]string, len(f.sources))

	var g errgroup.Group
	for i, s := range f.sources {
		i, s := i, s
		g.Go(func() error {
			peers, err := f.query(ctx, s, req)
			if err != nil {
				sourceErrors.WithLabelValues(s.kind).Inc()
				f.log.Debug().Err(err).Str("source", s.Name()).Msg("Discovery query failed")
				return nil
			}
			peersFound.WithLabelValues(s.kind).Add(float64(len(peers)))
			results[i] = peers
			return nil
		})
	}
	g.Wait()

	seen := make(map[string]bool)
	var out []string
	for _, r := range results {
		for _, p := range r {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func (f *Finder) query(ctx context.Context, s guardedSource, req Announce) ([]string, error) {
	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.Peers(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreachable, s.Name(), err)
	}
	peers, _ := v.([]string)
	return peers, nil
}

func (f *Finder) nextBackoff() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.backoff
	f.backoff *= 2
	if f.backoff > f.opts.MaxBackoff {
		f.backoff = f.opts.MaxBackoff
	}
	if f.backoff <= 0 {
		f.backoff = f.opts.MinBackoff
	}
	return d
}

// ResetBackoff returns the backoff to its minimum, typically after a
// successful peer connection.
func (f *Finder) ResetBackoff() {
	f.mu.Lock()
	f.backoff = f.opts.MinBackoff
	f.mu.Unlock()
}

// Trigger starts the next round immediately.
func (f *Finder) Trigger() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Backoff reports the delay the next empty round will wait.
func (f *Finder) Backoff() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backoff
}
