// Package limiter bounds how many worker processes run at once across the
// whole process.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/metrics"
)

// Limiter is a fair (FIFO) counting semaphore. Construct one per process and
// pass it to every execution path that launches workers.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
}

// Permit is one unit of capacity. Release is idempotent.
type Permit struct {
	l    *Limiter
	once sync.Once
}

func New(capacity int) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(capacity)), capacity: capacity}
}

// Acquire waits up to timeout for a permit. It returns an error wrapping
// common.ErrConcurrencySlotTimeout when the timeout elapses, or the parent
// context's error when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) (*Permit, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.IncSlotTimeout()
			return nil, fmt.Errorf("%w: no permit within %s (capacity %d)", common.ErrConcurrencySlotTimeout, timeout, l.capacity)
		}
		return nil, err
	}
	metrics.ObserveSlotWait(time.Since(start))
	metrics.SetActiveProcesses(int(l.inUse.Add(1)))
	return &Permit{l: l}, nil
}

// Release returns the permit. Calling it more than once is a no-op.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		metrics.SetActiveProcesses(int(p.l.inUse.Add(-1)))
		p.l.sem.Release(1)
	})
}

// Do runs fn while holding a permit. The permit is released on every exit
// path of fn, including panics.
func (l *Limiter) Do(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	permit, err := l.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	defer permit.Release()
	return fn(ctx)
}

// InUse reports permits currently held (the active worker process count).
func (l *Limiter) InUse() int { return int(l.inUse.Load()) }

func (l *Limiter) Capacity() int { return l.capacity }
