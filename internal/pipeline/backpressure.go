package pipeline

import (
	"context"
	"sync"
	"time"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
)

const (
	defaultSubmitThreshold = 0.10
	defaultSubmitWindow    = 10 * time.Minute
)

type submitAttempt struct {
	at     time.Time
	failed bool
}

// submitGate bounds concurrent rule-engine submissions and adapts the bound
// to the engine's recent transient failure rate.
//
// Above the threshold the limit is halved. With no failures it doubles;
// below half the threshold it grows by half, and up to the threshold by
// one. Only transient failures count against the engine; a rejected
// request says nothing about its health.
type submitGate struct {
	max, min  int
	threshold float64
	window    time.Duration
	now       func() time.Time

	mu       sync.Mutex
	limit    int
	inflight int
	attempts []submitAttempt
	wake     chan struct{}
}

func newSubmitGate(max int) *submitGate {
	if max <= 0 {
		max = 1
	}
	return &submitGate{
		max:       max,
		min:       1,
		threshold: defaultSubmitThreshold,
		window:    defaultSubmitWindow,
		now:       time.Now,
		limit:     max,
		wake:      make(chan struct{}),
	}
}

// acquire blocks until a submission slot is free. The returned func
// releases it and must be called exactly once.
func (g *submitGate) acquire(ctx context.Context) (func(), error) {
	for {
		g.mu.Lock()
		if g.inflight < g.limit {
			g.inflight++
			g.mu.Unlock()
			var once sync.Once
			return func() { once.Do(g.release) }, nil
		}
		wake := g.wake
		g.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *submitGate) release() {
	g.mu.Lock()
	g.inflight--
	g.broadcastLocked()
	g.mu.Unlock()
}

func (g *submitGate) broadcastLocked() {
	close(g.wake)
	g.wake = make(chan struct{})
}

// record notes the outcome of one submission.
func (g *submitGate) record(err error) {
	if err != nil && !cferrors.IsRetryable(err) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts = append(g.attempts, submitAttempt{at: g.now(), failed: err != nil})
}

// failureRateLocked prunes the window and returns the failure rate in it.
func (g *submitGate) failureRateLocked() float64 {
	cutoff := g.now().Add(-g.window)
	i := 0
	for i < len(g.attempts) && g.attempts[i].at.Before(cutoff) {
		i++
	}
	g.attempts = g.attempts[i:]

	if len(g.attempts) == 0 {
		return 0
	}
	failures := 0
	for _, a := range g.attempts {
		if a.failed {
			failures++
		}
	}
	return float64(failures) / float64(len(g.attempts))
}

// adjust recalculates the limit. Called on every sweep.
func (g *submitGate) adjust() {
	g.mu.Lock()
	defer g.mu.Unlock()

	rate := g.failureRateLocked()
	next := g.limit
	switch {
	case rate > g.threshold:
		next = g.limit / 2
	case rate == 0 && len(g.attempts) > 0:
		next = g.limit * 2
	case rate < g.threshold/2:
		delta := g.limit / 2
		if delta < 1 {
			delta = 1
		}
		next = g.limit + delta
	case rate <= g.threshold:
		next = g.limit + 1
	}
	if next < g.min {
		next = g.min
	}
	if next > g.max {
		next = g.max
	}
	if next > g.limit {
		g.broadcastLocked()
	}
	g.limit = next
}

// Limit returns the current submission bound.
func (g *submitGate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}
