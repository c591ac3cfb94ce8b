// Package ratelimit implements the windowed request limiter shared by all
// outbound calls of one client instance. The Intra API enforces a per-second
// request quota; the limiter keeps one slot in reserve and stretches the
// window slightly past one second to absorb clock skew against the server.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limiting.
var (
	rateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intra_rate_limit_waits_total",
		Help: "Total number of requests that queued for a rate limit slot",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intra_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a rate limit slot",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	rateLimitInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intra_rate_limit_in_flight",
		Help: "Number of requests currently holding a rate limit slot",
	})
)

// DefaultWindow is slightly over one second so a full window of requests
// never lands inside a single server-side per-second quota period.
const DefaultWindow = 1100 * time.Millisecond

// Limiter admits requests at a bounded rate with bounded concurrency.
// Given a rate of R requests per window, at most max(R-1, 1) requests may be
// in flight at once, and at most R may start within one window. Excess
// callers queue in FIFO order; a release hands its slot to the head of the
// queue as long as the window's start budget allows.
type Limiter struct {
	capacity  int
	perWindow int
	window    time.Duration
	logger    zerolog.Logger

	mu        sync.Mutex
	inFlight  int
	started   int // grants handed out in the current window
	windowEnd time.Time
	waiters   []chan struct{}
	rollTimer *time.Timer
}

// New creates a limiter for the given rate per window. A non-positive window
// falls back to DefaultWindow.
func New(rate int, window time.Duration, logger zerolog.Logger) *Limiter {
	capacity := rate - 1
	if capacity < 1 {
		capacity = 1
	}
	perWindow := rate
	if perWindow < capacity {
		perWindow = capacity
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		capacity:  capacity,
		perWindow: perWindow,
		window:    window,
		logger:    logger,
	}
}

// Capacity returns the number of concurrent slots.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// InFlight returns the number of slots currently held.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// Acquire blocks until a slot is free in the current or a following window,
// then returns a release function. Release must be called exactly once, when
// the guarded call completes. Acquire returns the context error if the
// caller gives up while queued.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	start := time.Now()

	l.mu.Lock()
	if len(l.waiters) == 0 && l.tryGrantLocked(start) {
		l.mu.Unlock()
		rateLimitInFlight.Inc()
		return l.release, nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	if l.inFlight < l.capacity {
		// Queued against the window quota, not concurrency; a timer has to
		// wake the queue because no release is pending.
		l.armRollTimerLocked()
	}
	l.mu.Unlock()

	rateLimitWaitsTotal.Inc()
	l.logger.Debug().
		Int("capacity", l.capacity).
		Msg("Request queued for rate limit slot")

	select {
	case <-ready:
		rateLimitWaitSeconds.Observe(time.Since(start).Seconds())
		rateLimitInFlight.Inc()
		return l.release, nil
	case <-ctx.Done():
		l.mu.Lock()
		granted := true
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				granted = false
				break
			}
		}
		if granted {
			// The grant raced the cancellation; hand the slot back.
			l.inFlight--
			l.wakeLocked(time.Now())
		}
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (l *Limiter) release() {
	rateLimitInFlight.Dec()
	l.mu.Lock()
	l.inFlight--
	l.wakeLocked(time.Now())
	l.mu.Unlock()
}

// tryGrantLocked rolls the window if it has elapsed and reserves a slot if
// both the concurrency and window quotas allow it.
func (l *Limiter) tryGrantLocked(now time.Time) bool {
	if now.After(l.windowEnd) {
		l.started = 0
		l.windowEnd = now.Add(l.window)
	}
	if l.inFlight >= l.capacity || l.started >= l.perWindow {
		return false
	}
	l.inFlight++
	l.started++
	return true
}

// wakeLocked grants slots to queued callers in FIFO order.
func (l *Limiter) wakeLocked(now time.Time) {
	for len(l.waiters) > 0 && l.tryGrantLocked(now) {
		close(l.waiters[0])
		l.waiters = l.waiters[1:]
	}
	if len(l.waiters) > 0 && l.inFlight < l.capacity {
		l.armRollTimerLocked()
	}
}

func (l *Limiter) armRollTimerLocked() {
	d := time.Until(l.windowEnd)
	if d < 0 {
		d = 0
	}
	if l.rollTimer != nil {
		l.rollTimer.Stop()
	}
	l.rollTimer = time.AfterFunc(d+time.Millisecond, func() {
		l.mu.Lock()
		l.wakeLocked(time.Now())
		l.mu.Unlock()
	})
}
