package pagecache

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/cursorpage/fetch"
	"github.com/unkn0wn-root/cursorpage/logging"
)

// flight is one in-progress computation. waiters is guarded by Cache.mu;
// page and err are written once before done is closed.
type flight[T any] struct {
	done    chan struct{}
	cancel  context.CancelFunc
	waiters int

	page Page[T]
	err  error
}

func (c *Cache[T]) join(ctx context.Context, key string, fp Fingerprint, compute ComputeFunc[T], ttl time.Duration, store bool) (Page[T], error) {
	c.mu.Lock()
	f, ok := c.flights[key]
	if ok {
		f.waiters++
		c.mu.Unlock()
		c.hk.Coalesced(fp.Identity)
	} else {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight[T]{done: make(chan struct{}), cancel: cancel, waiters: 1}
		c.flights[key] = f
		c.mu.Unlock()
		go c.run(fctx, key, fp, f, compute, ttl, store)
	}

	select {
	case <-f.done:
		return f.page.clone(), f.err
	case <-ctx.Done():
	}
	// the result may have landed together with the deadline
	select {
	case <-f.done:
		return f.page.clone(), f.err
	default:
	}
	c.leave(key, f)
	return Page[T]{}, fmt.Errorf("%w: waiting for page: %w", fetch.ErrUpstreamTimeout, ctx.Err())
}

// leave drops one waiter; the last one out cancels the computation and
// unregisters it so later callers start afresh.
func (c *Cache[T]) leave(key string, f *flight[T]) {
	c.mu.Lock()
	f.waiters--
	last := f.waiters == 0
	if last && c.flights[key] == f {
		delete(c.flights, key)
	}
	c.mu.Unlock()
	if last {
		f.cancel()
	}
}

func (c *Cache[T]) run(ctx context.Context, key string, fp Fingerprint, f *flight[T], compute ComputeFunc[T], ttl time.Duration, store bool) {
	defer f.cancel()

	page, err := c.safeCompute(ctx, compute)
	if err == nil && store && ctx.Err() == nil {
		c.store(ctx, key, fp, page, ttl)
	}

	c.mu.Lock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	f.page, f.err = page, err
	close(f.done)
	c.mu.Unlock()
}

func (c *Cache[T]) safeCompute(ctx context.Context, compute ComputeFunc[T]) (pg Page[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("page computation panicked", logging.Fields{"panic": r})
			err = fmt.Errorf("pagecache: compute panic: %v", r)
		}
	}()
	return compute(ctx)
}

// inflight reports the number of registered computations.
func (c *Cache[T]) inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}
