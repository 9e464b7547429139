package cursorpage

import (
	"context"
	"time"

	"github.com/unkn0wn-root/cursorpage/clock"
	"github.com/unkn0wn-root/cursorpage/cursor"
	"github.com/unkn0wn-root/cursorpage/fetch"
	"github.com/unkn0wn-root/cursorpage/pagecache"
	"github.com/unkn0wn-root/cursorpage/sortkey"
)

// PageResult is one page of a listing. Items are always in forward sort
// order; an empty cursor means there is nothing in that direction.
type PageResult[T any] = pagecache.Page[T]

// Direction of navigation.
type Direction = cursor.Direction

const (
	Forward  = cursor.Forward
	Backward = cursor.Backward
)

// PageRequest asks for one page of a listing.
type PageRequest struct {
	// Identity names the logical listing, e.g. "followers:42". Pages are
	// cached and invalidated per identity.
	Identity string
	// Filters narrow the listing; they are passed to the DataSource and are
	// part of the cache fingerprint.
	Filters map[string]any
	// Cursor continues from a previous page. Empty => first page.
	Cursor string
	Limit  int
	// Direction applies to first pages only: Backward returns the last page.
	// A cursor carries its own direction.
	Direction Direction
}

// Service serves stable keyset pages over one DataSource.
type Service[T any] interface {
	Page(ctx context.Context, req PageRequest) (PageResult[T], error)
	// Invalidate drops every cached page of identity. Call it on writes.
	Invalidate(ctx context.Context, identity string) error
	Close(ctx context.Context) error
}

// Options configure a Service. Spec, Secret, Source and Keys are required.
type Options[T any] struct {
	// Required
	Spec   sortkey.Spec        // total order of the listing
	Secret []byte              // cursor signing key, >= 16 bytes
	Source fetch.DataSource[T] // where rows come from
	Keys   func(T) sortkey.Tuple

	MaxLimit     int           // 0 => 100
	DefaultTTL   time.Duration // page TTL; 0 => 60s
	PrefetchNext bool          // warm the next page after a forward miss

	// Fetch and Cache tune the inner layers. Clock, Logger and Hooks left
	// nil there inherit the values below.
	Fetch fetch.Options
	Cache pagecache.Options[T]

	Clock  clock.Clock // nil => wall clock
	Logger Logger      // nil => NopLogger
	Hooks  Hooks       // nil => NopHooks
}

func New[T any](opts Options[T]) (Service[T], error) {
	s, err := newService(opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}
