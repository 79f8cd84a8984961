package anchoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// sharedCalls coalesces concurrent calls per key. The shared call runs on a
// context detached from its callers, bounded by a budget, and cancelled once
// every caller waiting on it has returned.
type sharedCalls struct {
	group singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// abandonedError marks a shared call that stopped because all of its callers
// left before it finished.
type abandonedError struct{ err error }

func (e *abandonedError) Error() string { return e.err.Error() }
func (e *abandonedError) Unwrap() error { return e.err }

func (c *sharedCalls) do(ctx context.Context, key string, budget time.Duration, fn func(context.Context) (any, error)) (any, error) {
	for {
		f := c.join(ctx, key, budget)
		ch := c.group.DoChan(key, func() (any, error) {
			v, err := fn(f.ctx)
			if err != nil && errors.Is(f.ctx.Err(), context.Canceled) {
				err = &abandonedError{err: err}
			}
			return v, err
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			c.leave(key, f)
			return nil, ctx.Err()
		case res = <-ch:
		}
		c.leave(key, f)

		var ab *abandonedError
		if !errors.As(res.Err, &ab) {
			return res.Val, res.Err
		}
		// Joined a call its own callers gave up on; start a fresh one.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (c *sharedCalls) join(ctx context.Context, key string, budget time.Duration) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flights == nil {
		c.flights = make(map[string]*flight)
	}
	f, ok := c.flights[key]
	if !ok {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	return f
}

func (c *sharedCalls) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}
