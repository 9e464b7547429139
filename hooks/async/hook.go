// Package asynchook moves hook delivery off the hot path. Events go into a
// bounded queue drained by worker goroutines; when the queue is full they
// are dropped, never blocking a page request.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery: 10, // sample logs: ~every 10th self-heal
//	    RetryEvery:    5,
//	})
//	hk := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hk.Close()
//
//	svc, _ := cursorpage.New[Follower](cursorpage.Options[Follower]{
//	    Spec:   followerSpec,
//	    Secret: secret,
//	    Source: src,
//	    Keys:   followerKeys,
//	    Hooks:  hk, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/cursorpage/hooks"
)

type Hooks struct {
	inner   hooks.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards closed against sends on q
	closed  bool
	dropped atomic.Uint64
}

var _ hooks.Hooks = (*Hooks)(nil)

func New(inner hooks.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: hooks.OrNop(inner), q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded on a full queue or after Close.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(k, r string) { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) CacheSoftFailure(op string, err error) {
	h.try(func() { h.inner.CacheSoftFailure(op, err) })
}
func (h *Hooks) ProviderSetRejected(k string) { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) Coalesced(id string)          { h.try(func() { h.inner.Coalesced(id) }) }
func (h *Hooks) InvalidateOutage(id string, be, de error) {
	h.try(func() { h.inner.InvalidateOutage(id, be, de) })
}
func (h *Hooks) RetryScheduled(target string, attempt int, wait time.Duration, err error) {
	h.try(func() { h.inner.RetryScheduled(target, attempt, wait, err) })
}
func (h *Hooks) BreakerStateChange(target, from, to string) {
	h.try(func() { h.inner.BreakerStateChange(target, from, to) })
}
