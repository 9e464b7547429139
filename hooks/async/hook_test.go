package asynchook

import (
	"sync"
	"testing"

	"github.com/unkn0wn-root/cursorpage/hooks"
)

type recorder struct {
	hooks.NopHooks
	mu     sync.Mutex
	events []string
	block  chan struct{}
}

func (r *recorder) Coalesced(id string) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.events = append(r.events, "coalesced:"+id)
	r.mu.Unlock()
}

func (r *recorder) BreakerStateChange(target, from, to string) {
	r.mu.Lock()
	r.events = append(r.events, "breaker:"+target+":"+from+"->"+to)
	r.mu.Unlock()
}

func TestDeliversAndDrainsOnClose(t *testing.T) {
	rec := &recorder{}
	h := New(rec, 2, 16)
	h.Coalesced("followers:1")
	h.BreakerStateChange("followers", "closed", "open")
	h.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 2 {
		t.Fatalf("events=%v want 2", rec.events)
	}
}

func TestDropsWhenFullAndAfterClose(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	h := New(rec, 1, 1)

	// worker blocks on the first event, queue holds one more
	for i := 0; i < 10; i++ {
		h.Coalesced("x")
	}
	close(rec.block)
	h.Close()
	h.Coalesced("late")

	if h.Dropped() < 8 {
		t.Fatalf("dropped=%d want >= 8", h.Dropped())
	}
}
