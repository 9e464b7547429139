// Package pagecache stores built pages keyed by request fingerprint.
//
// Misses are single-flighted per fingerprint: concurrent callers share one
// computation, which runs on a context detached from any of them and is
// canceled only when the last waiter leaves. Entries carry their insertion
// time and TTL, checked against the injected clock on every read. Each
// listing identity has a generation (see genstore); it is part of every
// storage key, so Invalidate orphans all pages of a listing in O(1).
//
// The backing store is best-effort. Any get/set/decode/generation failure is
// logged, reported to Hooks, and the request falls through to computing the
// page directly.
package pagecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/cursorpage/clock"
	"github.com/unkn0wn-root/cursorpage/codec"
	"github.com/unkn0wn-root/cursorpage/genstore"
	"github.com/unkn0wn-root/cursorpage/hooks"
	"github.com/unkn0wn-root/cursorpage/internal/util"
	"github.com/unkn0wn-root/cursorpage/internal/wire"
	"github.com/unkn0wn-root/cursorpage/logging"
	"github.com/unkn0wn-root/cursorpage/provider"
	"github.com/unkn0wn-root/cursorpage/provider/lru"
)

const (
	defaultNamespace    = "default"
	defaultTTL          = time.Minute
	defaultEntries      = 10_000
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

type Options[T any] struct {
	// Namespace isolates keys in a shared backing store. Default "default".
	Namespace string

	// Provider is the backing byte store. Default: provider/lru with
	// 10k entries on Clock. The cache owns and closes it either way.
	Provider provider.Provider

	// Codec encodes page items. Default: JSON.
	Codec codec.Codec[T]

	// GenStore holds per-identity generations. Default: in-process store
	// with hourly cleanup and 30d retention.
	GenStore genstore.GenStore

	// DefaultTTL applies when GetOrCompute gets ttl <= 0. Default 60s.
	DefaultTTL time.Duration

	// Disabled turns the cache into a pure single-flight layer.
	Disabled bool

	Clock  clock.Clock
	Logger logging.Logger
	Hooks  hooks.Hooks
}

// Cache is safe for concurrent use.
type Cache[T any] struct {
	ns      string
	p       provider.Provider
	codec   codec.Codec[T]
	gen     genstore.GenStore
	ttl     time.Duration
	enabled bool
	clk     clock.Clock
	log     logging.Logger
	hk      hooks.Hooks

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu      sync.Mutex
	flights map[string]*flight[T]
}

func New[T any](opts Options[T]) (*Cache[T], error) {
	c := &Cache[T]{
		ns:      coalesce(opts.Namespace, defaultNamespace),
		codec:   opts.Codec,
		ttl:     coalesce(opts.DefaultTTL, defaultTTL),
		enabled: !opts.Disabled,
		clk:     coalesce[clock.Clock](opts.Clock, clock.Real{}),
		log:     logging.OrNop(opts.Logger),
		hk:      hooks.OrNop(opts.Hooks),
		flights: make(map[string]*flight[T]),
	}
	if c.codec == nil {
		c.codec = codec.JSONCodec[T]{}
	}
	if opts.Provider != nil {
		c.p = opts.Provider
	} else {
		p, err := lru.New(lru.Config{Size: defaultEntries, Clock: c.clk})
		if err != nil {
			return nil, fmt.Errorf("pagecache: default provider: %w", err)
		}
		c.p = p
	}
	if opts.GenStore != nil {
		c.gen = opts.GenStore
	} else {
		c.gen = genstore.NewLocalGenStore(defaultSweep, defaultGenRetention, c.clk)
	}
	return c, nil
}

// GetOrCompute returns the cached page for fp or builds it with compute.
// ttl <= 0 uses the default TTL. Compute errors are returned to every waiter
// and never cached. A caller whose ctx ends before the page is ready gets
// fetch.ErrUpstreamTimeout; the computation continues for other waiters.
func (c *Cache[T]) GetOrCompute(ctx context.Context, fp Fingerprint, compute ComputeFunc[T], ttl time.Duration) (Page[T], error) {
	if c.closed.Load() {
		return Page[T]{}, ErrClosed
	}
	if fp.Identity == "" || fp.Key == "" {
		return Page[T]{}, ErrEmptyIdentity
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	// flight key; storage is skipped when the generation is unknown
	key, store := "nogen:"+fp.Identity+"#"+fp.Key, false
	if c.enabled {
		gen, err := c.gen.Snapshot(ctx, fp.Identity)
		if err != nil {
			c.softFailure("gen_snapshot", fp, err)
		} else {
			key, store = util.PageKey(c.ns, fp.Identity, gen, fp.Key), true
			if pg, ok := c.lookup(ctx, key, fp); ok {
				return pg, nil
			}
		}
	}
	return c.join(ctx, key, fp, compute, ttl, store)
}

// lookup returns a live page for key. Corrupt, foreign and undecodable
// entries are deleted.
func (c *Cache[T]) lookup(ctx context.Context, key string, fp Fingerprint) (Page[T], bool) {
	raw, ok, err := c.p.Get(ctx, key)
	if err != nil {
		c.softFailure("get", fp, err)
		return Page[T]{}, false
	}
	if !ok {
		return Page[T]{}, false
	}

	fr, err := wire.DecodePage(raw)
	if err != nil {
		c.selfHeal(ctx, key, "corrupt")
		return Page[T]{}, false
	}
	if fr.Fingerprint != fp.Key {
		c.selfHeal(ctx, key, "fingerprint_mismatch")
		return Page[T]{}, false
	}
	if !c.clk.Now().Before(time.Unix(0, fr.InsertedAt).Add(time.Duration(fr.TTL))) {
		// expired; the next store overwrites it
		return Page[T]{}, false
	}

	pg := Page[T]{
		Items:      make([]T, 0, len(fr.Items)),
		NextCursor: fr.Next,
		PrevCursor: fr.Prev,
		HasMore:    fr.HasMore,
	}
	for _, b := range fr.Items {
		v, err := c.codec.Decode(b)
		if err != nil {
			c.selfHeal(ctx, key, "value_decode")
			return Page[T]{}, false
		}
		pg.Items = append(pg.Items, v)
	}
	c.log.Debug("page cache hit", logging.Fields{"identity": fp.Identity, "fingerprint": fp.Key})
	return pg, true
}

func (c *Cache[T]) store(ctx context.Context, key string, fp Fingerprint, pg Page[T], ttl time.Duration) {
	fr := wire.Page{
		Fingerprint: fp.Key,
		InsertedAt:  c.clk.Now().UnixNano(),
		TTL:         int64(ttl),
		HasMore:     pg.HasMore,
		Next:        pg.NextCursor,
		Prev:        pg.PrevCursor,
		Items:       make([][]byte, 0, len(pg.Items)),
	}
	for _, it := range pg.Items {
		b, err := c.codec.Encode(it)
		if err != nil {
			c.softFailure("encode", fp, err)
			return
		}
		fr.Items = append(fr.Items, b)
	}
	b, err := wire.EncodePage(fr)
	if err != nil {
		c.softFailure("encode", fp, err)
		return
	}
	ok, err := c.p.Set(ctx, key, b, int64(len(b)), ttl)
	if err != nil {
		c.softFailure("set", fp, err)
		return
	}
	if !ok {
		c.hk.ProviderSetRejected(key)
		c.log.Debug("page store rejected by provider (pressure)", logging.Fields{"identity": fp.Identity})
	}
}

// Invalidate drops every cached page of identity. The generation bump alone
// is sufficient; providers implementing provider.PrefixDeleter also delete
// the old entries eagerly. An error is returned only when neither succeeded.
func (c *Cache[T]) Invalidate(ctx context.Context, identity string) error {
	if identity == "" {
		return ErrEmptyIdentity
	}
	if !c.enabled {
		return nil
	}

	newGen, bumpErr := c.gen.Bump(ctx, identity)

	delErr := errors.New("provider cannot delete by prefix")
	removed := 0
	if pd, ok := c.p.(provider.PrefixDeleter); ok {
		removed, delErr = pd.DelPrefix(ctx, util.IdentityPrefix(c.ns, identity))
	}

	switch {
	case bumpErr != nil && delErr != nil:
		c.hk.InvalidateOutage(identity, bumpErr, delErr)
		c.log.Error("invalidate failed", logging.Fields{"identity": identity, "bump_err": bumpErr, "del_err": delErr})
		return &InvalidateError{Identity: identity, BumpErr: bumpErr, DelErr: delErr}
	case bumpErr != nil:
		c.log.Warn("gen bump failed, pages deleted eagerly", logging.Fields{"identity": identity, "err": bumpErr, "removed": removed})
	default:
		c.log.Debug("invalidated listing", logging.Fields{"identity": identity, "newGen": newGen, "removed": removed})
	}
	return nil
}

// Close closes the generation store and the provider. In-flight
// computations are not waited for. Safe to call twice.
func (c *Cache[T]) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.gen.Close(ctx) // best effort
		c.closeErr = c.p.Close(ctx)
	})
	return c.closeErr
}

func (c *Cache[T]) selfHeal(ctx context.Context, key, reason string) {
	_ = c.p.Del(ctx, key)
	c.hk.SelfHeal(key, reason)
	c.log.Warn("dropped bad cache entry", logging.Fields{"key": key, "reason": reason})
}

func (c *Cache[T]) softFailure(op string, fp Fingerprint, err error) {
	c.hk.CacheSoftFailure(op, err)
	c.log.Warn("page cache backend failure; computing directly", logging.Fields{
		"op": op, "identity": fp.Identity, "err": err,
	})
}

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
