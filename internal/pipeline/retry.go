package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = time.Hour

// Backoff returns base * 2^retries, capped at maxBackoff.
func Backoff(base time.Duration, retries int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Exhausted reports whether a failed run can no longer be retried: its
// error is not transient or the retry budget is used up.
func Exhausted(run *types.PipelineRun, budget int) bool {
	if run.State != types.StateFailed {
		return false
	}
	return run.ErrorClass != string(cferrors.ClassTransient) || run.Retries >= budget
}

// Finished reports whether a run will not execute any more stages.
func Finished(run *types.PipelineRun, budget int) bool {
	return run.State == types.StateCompleted || Exhausted(run, budget)
}

// largeLimiter bounds the aggregate weight of concurrent large conversions.
// A file weighs one unit per threshold, capped at the capacity, so one huge
// file can occupy every slot but never deadlock.
type largeLimiter struct {
	sem       *semaphore.Weighted
	threshold int64
	capacity  int64
}

func newLargeLimiter(threshold int64, capacity int) *largeLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &largeLimiter{
		sem:       semaphore.NewWeighted(int64(capacity)),
		threshold: threshold,
		capacity:  int64(capacity),
	}
}

// weight returns the number of slots a file of size bytes takes.
func (l *largeLimiter) weight(size int64) int64 {
	if l.threshold <= 0 || size < l.threshold {
		return 0
	}
	w := size / l.threshold
	if w > l.capacity {
		w = l.capacity
	}
	return w
}

// acquire blocks until size fits. The returned func releases the slots.
func (l *largeLimiter) acquire(ctx context.Context, size int64) (func(), error) {
	w := l.weight(size)
	if w == 0 {
		return func() {}, nil
	}
	if err := l.sem.Acquire(ctx, w); err != nil {
		return nil, err
	}
	return func() { l.sem.Release(w) }, nil
}
