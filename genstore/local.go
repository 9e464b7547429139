package genstore

import (
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/cursorpage/clock"
)

type localGenEntry struct {
	Gen       uint64
	UpdatedAt time.Time
}

// LocalGenStore keeps generations in-process (default).
// Optional cleanup loop to prune long-inactive entries.
//
// A pruned identity reads as generation 0 again, so retention must be longer
// than the longest page TTL or pages cached before the first bump could
// become visible again.
type LocalGenStore struct {
	mu     sync.RWMutex
	gens   map[string]localGenEntry
	clk    clock.Clock
	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup

	retention time.Duration
}

var _ GenStore = (*LocalGenStore)(nil)

// NewLocalGenStore returns an in-process store. clk may be nil (wall clock).
func NewLocalGenStore(cleanupInterval, retention time.Duration, clk clock.Clock) *LocalGenStore {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &LocalGenStore{
		gens:      make(map[string]localGenEntry),
		clk:       clk,
		retention: retention,
	}
	if cleanupInterval > 0 && retention > 0 {
		s.ticker = time.NewTicker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *LocalGenStore) Snapshot(_ context.Context, identity string) (uint64, error) {
	s.mu.RLock()
	e, ok := s.gens[identity]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	return e.Gen, nil
}

func (s *LocalGenStore) Bump(_ context.Context, identity string) (uint64, error) {
	now := s.clk.Now()
	s.mu.Lock()
	e := s.gens[identity]
	e.Gen++
	e.UpdatedAt = now
	s.gens[identity] = e
	s.mu.Unlock()
	return e.Gen, nil
}

func (s *LocalGenStore) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := s.clk.Now().Add(-retention)

	s.mu.Lock()
	for k, e := range s.gens {
		if !e.UpdatedAt.IsZero() && e.UpdatedAt.Before(cutoff) {
			delete(s.gens, k)
		}
	}
	s.mu.Unlock()
}

// Len reports how many identities carry a generation.
func (s *LocalGenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.gens)
}

func (s *LocalGenStore) Close(_ context.Context) error {
	if s.stopCh != nil {
		close(s.stopCh)
		if s.ticker != nil {
			s.ticker.Stop() // stop ticker before waiting
		}
		s.wg.Wait()
	}
	return nil
}
