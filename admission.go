package apiclient

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// admission bounds the number of in-flight requests of one client.
type admission struct {
	sem     *semaphore.Weighted // nil when unbounded
	limiter *rate.Limiter       // nil when pacing is off
	pending atomic.Int64
}

func newAdmission(threads int, rps float64, burst int) *admission {
	a := &admission{}
	if threads > 0 {
		a.sem = semaphore.NewWeighted(int64(threads))
	}
	if rps > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return a
}

// acquire blocks until the call may proceed. The returned release must be
// called once the call completes; extra calls are no-ops.
func (a *admission) acquire(ctx context.Context) (func(), error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if a.sem != nil {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	a.pending.Add(1)

	var once sync.Once
	return func() {
		once.Do(a.release)
	}, nil
}

func (a *admission) release() {
	for {
		n := a.pending.Load()
		if n <= 0 {
			break
		}
		if a.pending.CompareAndSwap(n, n-1) {
			break
		}
	}
	if a.sem != nil {
		a.sem.Release(1)
	}
}

// inFlight returns the number of admitted, not yet released calls.
func (a *admission) inFlight() int64 {
	return a.pending.Load()
}
