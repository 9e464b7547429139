package cursorpage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/unkn0wn-root/cursorpage/clock"
	"github.com/unkn0wn-root/cursorpage/cursor"
	"github.com/unkn0wn-root/cursorpage/fetch"
	"github.com/unkn0wn-root/cursorpage/hooks"
	"github.com/unkn0wn-root/cursorpage/keyset"
	"github.com/unkn0wn-root/cursorpage/logging"
	"github.com/unkn0wn-root/cursorpage/pagecache"
	"github.com/unkn0wn-root/cursorpage/sortkey"
)

type service[T any] struct {
	codec    *cursor.Codec
	spec     sortkey.Spec
	keys     func(T) sortkey.Tuple
	maxLimit int
	prefetch bool
	cache    *pagecache.Cache[T]
	client   *fetch.Client[T]
	log      Logger

	// background prefetches; mu guards closed against wg.Add
	bg     context.Context
	stopBg context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newService[T any](opts Options[T]) (*service[T], error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("cursorpage: source is required")
	}
	if opts.Keys == nil {
		return nil, fmt.Errorf("cursorpage: keys func is required")
	}
	if opts.MaxLimit < 0 {
		return nil, fmt.Errorf("cursorpage: max limit must be >= 0, got %d", opts.MaxLimit)
	}
	codec, err := cursor.New(opts.Spec, opts.Secret)
	if err != nil {
		return nil, fmt.Errorf("cursorpage: %w", err)
	}

	clk := coalesce[clock.Clock](opts.Clock, clock.Real{})
	log := logging.OrNop(opts.Logger)
	hk := hooks.OrNop(opts.Hooks)

	fo := opts.Fetch
	fo.Clock = coalesce[clock.Clock](fo.Clock, clk)
	fo.Logger = coalesce[logging.Logger](fo.Logger, log)
	fo.Hooks = coalesce[hooks.Hooks](fo.Hooks, hk)

	co := opts.Cache
	co.Clock = coalesce[clock.Clock](co.Clock, clk)
	co.Logger = coalesce[logging.Logger](co.Logger, log)
	co.Hooks = coalesce[hooks.Hooks](co.Hooks, hk)
	co.DefaultTTL = coalesce(co.DefaultTTL, coalesce(opts.DefaultTTL, defaultTTL))

	pc, err := pagecache.New(co)
	if err != nil {
		return nil, err
	}

	bg, stop := context.WithCancel(context.Background())
	return &service[T]{
		codec:    codec,
		spec:     opts.Spec,
		keys:     opts.Keys,
		maxLimit: coalesce(opts.MaxLimit, defaultMaxLimit),
		prefetch: opts.PrefetchNext,
		cache:    pc,
		client:   fetch.New(opts.Source, fo),
		log:      log,
		bg:       bg,
		stopBg:   stop,
	}, nil
}

func (s *service[T]) Page(ctx context.Context, req PageRequest) (PageResult[T], error) {
	return s.page(ctx, req, s.prefetch)
}

func (s *service[T]) page(ctx context.Context, req PageRequest, prefetch bool) (PageResult[T], error) {
	if req.Limit < 1 || req.Limit > s.maxLimit {
		return PageResult[T]{}, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidLimit, req.Limit, s.maxLimit)
	}
	if req.Identity == "" {
		return PageResult[T]{}, fmt.Errorf("%w: empty identity", ErrInvalidRequest)
	}
	if req.Direction != Forward && req.Direction != Backward {
		return PageResult[T]{}, fmt.Errorf("%w: direction %d", ErrInvalidRequest, req.Direction)
	}

	var (
		pos   *cursor.Position
		canon []byte
	)
	dir := req.Direction
	if req.Cursor != "" {
		p, err := s.codec.Decode(req.Cursor)
		if err != nil {
			return PageResult[T]{}, fmt.Errorf("cursorpage: %w", err)
		}
		if canon, err = s.codec.Canonical(p); err != nil {
			return PageResult[T]{}, fmt.Errorf("cursorpage: %w: %w", ErrInvalidCursorFormat, err)
		}
		pos, dir = &p, p.Direction
	}

	filters := req.Filters
	if len(filters) == 0 {
		filters = nil
	}
	fp, err := pagecache.NewFingerprint(req.Identity, filters, s.spec.String(), canon, req.Limit, uint8(dir))
	if err != nil {
		return PageResult[T]{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	return s.cache.GetOrCompute(ctx, fp, func(cctx context.Context) (PageResult[T], error) {
		pg, err := s.build(cctx, req, pos)
		if err == nil && prefetch && dir == Forward && pg.NextCursor != "" {
			s.prefetchNext(req, pg.NextCursor)
		}
		return pg, err
	}, 0)
}

// build runs the miss path: plan, fetch, trim, sign cursors.
func (s *service[T]) build(ctx context.Context, req PageRequest, pos *cursor.Position) (PageResult[T], error) {
	fs, err := keyset.Plan(s.spec, req.Identity, req.Filters, keyset.Request{
		Position:  pos,
		Direction: req.Direction,
		Limit:     req.Limit,
	})
	if err != nil {
		return PageResult[T]{}, fmt.Errorf("cursorpage: %w: %w", ErrInvalidCursorFormat, err)
	}

	rows, err := s.client.Fetch(ctx, fs)
	if err != nil {
		return PageResult[T]{}, err
	}
	if err := s.checkRows(fs, rows); err != nil {
		return PageResult[T]{}, err
	}

	items, hasMore := keyset.Finalize(fs, rows)
	pg := PageResult[T]{Items: items, HasMore: hasMore}
	if len(items) == 0 {
		return pg, nil
	}

	first, last := items[0], items[len(items)-1]
	forward := !fs.Backward
	// hasMore looks ahead in the navigation direction; the opposite side
	// exists whenever the page was reached through a cursor.
	if (forward && hasMore) || (!forward && pos != nil) {
		if pg.NextCursor, err = s.sign(last, cursor.Forward); err != nil {
			return PageResult[T]{}, err
		}
	}
	if (!forward && hasMore) || (forward && pos != nil) {
		if pg.PrevCursor, err = s.sign(first, cursor.Backward); err != nil {
			return PageResult[T]{}, err
		}
	}

	s.log.Debug("page built", logging.Fields{
		"identity": req.Identity, "items": len(items), "hasMore": hasMore, "backward": fs.Backward,
	})
	return pg, nil
}

// checkRows rejects sources that ignore the boundary or the order: served
// pages must be strictly ordered and never repeat the cursor row.
func (s *service[T]) checkRows(fs keyset.FetchSpec, rows []T) error {
	var prev sortkey.Tuple
	for i, r := range rows {
		k, err := s.spec.Normalize(s.keys(r))
		if err != nil {
			return fmt.Errorf("%w: row %d keys: %w", ErrUpstreamError, i, err)
		}
		if !fs.Admits(k) {
			return fmt.Errorf("%w: row %d is not after the cursor", ErrUpstreamError, i)
		}
		if prev != nil && fs.Compare(prev, k) >= 0 {
			return fmt.Errorf("%w: row %d out of order", ErrUpstreamError, i)
		}
		prev = k
	}
	return nil
}

func (s *service[T]) sign(item T, dir cursor.Direction) (string, error) {
	tok, err := s.codec.Encode(cursor.Position{Values: s.keys(item), Direction: dir})
	if err != nil {
		return "", fmt.Errorf("cursorpage: sign cursor: %w", err)
	}
	return tok, nil
}

func (s *service[T]) prefetchNext(req PageRequest, next string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	req.Cursor = next
	go func() {
		defer s.wg.Done()
		if _, err := s.page(s.bg, req, false); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Debug("prefetch failed", logging.Fields{"identity": req.Identity, "err": err})
		}
	}()
}

func (s *service[T]) Invalidate(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty identity", ErrInvalidRequest)
	}
	return s.cache.Invalidate(ctx, identity)
}

// Close stops prefetching and closes the cache. Safe to call twice.
func (s *service[T]) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopBg()
	s.wg.Wait()
	return s.cache.Close(ctx)
}

// breakerState reports the fetch breaker state for an identity.
func (s *service[T]) breakerState(identity string) string {
	return s.client.BreakerState(s.client.Target(keyset.FetchSpec{Identity: identity}))
}
