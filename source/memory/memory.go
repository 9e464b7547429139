// Package memory is an in-process DataSource. Rows are kept per listing
// identity and scanned on every fetch, so it suits tests, demos and small
// reference listings.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/cursorpage/fetch"
	"github.com/unkn0wn-root/cursorpage/keyset"
	"github.com/unkn0wn-root/cursorpage/sortkey"
)

// MatchFunc reports whether item passes the request filters.
type MatchFunc[T any] func(item T, filters map[string]any) bool

// Source is safe for concurrent use.
type Source[T any] struct {
	spec  sortkey.Spec
	keys  func(T) sortkey.Tuple
	match MatchFunc[T]

	mu    sync.RWMutex
	lists map[string][]T
	calls atomic.Int64
}

var _ fetch.DataSource[struct{}] = (*Source[struct{}])(nil)

// New returns an empty source. match may be nil (filters ignored).
func New[T any](spec sortkey.Spec, keys func(T) sortkey.Tuple, match MatchFunc[T]) *Source[T] {
	return &Source[T]{spec: spec, keys: keys, match: match, lists: make(map[string][]T)}
}

// Put appends items to the listing.
func (s *Source[T]) Put(identity string, items ...T) {
	s.mu.Lock()
	s.lists[identity] = append(s.lists[identity], items...)
	s.mu.Unlock()
}

// Remove drops the items of identity for which drop returns true.
func (s *Source[T]) Remove(identity string, drop func(T) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.lists[identity])
	s.lists[identity] = slices.DeleteFunc(s.lists[identity], drop)
	return before - len(s.lists[identity])
}

// Len reports the size of a listing.
func (s *Source[T]) Len(identity string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lists[identity])
}

// Calls reports how many times FetchRange ran.
func (s *Source[T]) Calls() int64 { return s.calls.Load() }

type keyed[T any] struct {
	item T
	keys sortkey.Tuple
}

func (s *Source[T]) FetchRange(ctx context.Context, fs keyset.FetchSpec) ([]T, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	list := slices.Clone(s.lists[fs.Identity])
	s.mu.RUnlock()

	rows := make([]keyed[T], 0, len(list))
	for i, it := range list {
		if s.match != nil && !s.match(it, fs.Filters) {
			continue
		}
		k, err := s.spec.Normalize(s.keys(it))
		if err != nil {
			return nil, fetch.Permanent(fmt.Errorf("memory: row %d: %w", i, err))
		}
		if fs.Admits(k) {
			rows = append(rows, keyed[T]{item: it, keys: k})
		}
	}
	slices.SortFunc(rows, func(a, b keyed[T]) int { return fs.Compare(a.keys, b.keys) })
	if fs.Limit > 0 && len(rows) > fs.Limit {
		rows = rows[:fs.Limit]
	}

	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = r.item
	}
	return out, nil
}
