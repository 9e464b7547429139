// Package ristretto backs the page cache with dgraph-io/ristretto, a
// cost-bounded admission cache. Writes may be dropped under pressure; the
// page cache reports those through Hooks.ProviderSetRejected.
package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/cursorpage/provider"
)

type Provider struct {
	c       *rc.Cache
	maxItem int64
}

var _ pr.Provider = (*Provider)(nil)

// Config sizes the cache in bytes. Each entry costs its encoded page frame
// plus its key; ristretto's own per-item overhead is not counted.
type Config struct {
	NumCounters int64
	MaxCost     int64 // total bytes
	BufferItems int64
	Metrics     bool
	// MaxItemCost rejects single pages above this many bytes, so one huge
	// listing page cannot evict hundreds of small ones. 0 => MaxCost.
	MaxItemCost int64
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters:        cfg.NumCounters,
		MaxCost:            cfg.MaxCost,
		BufferItems:        cfg.BufferItems,
		Metrics:            cfg.Metrics,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	maxItem := cfg.MaxItemCost
	if maxItem <= 0 || maxItem > cfg.MaxCost {
		maxItem = cfg.MaxCost
	}
	return &Provider{c: c, maxItem: maxItem}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		// self-heal: drop unexpected entry shape
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

// Set charges cost bytes plus the key. A cost <= 0 is replaced by the value
// length. ok=false means the page was too large or lost admission.
func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	c := entryCost(key, value, cost)
	if c > p.maxItem {
		return false, nil
	}
	return p.c.SetWithTTL(key, value, c, ttl), nil
}

func entryCost(key string, value []byte, cost int64) int64 {
	if cost <= 0 {
		cost = int64(len(value))
	}
	return cost + int64(len(key))
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

// Wait blocks until buffered writes are applied. Sets are asynchronous in
// ristretto, so tests and warmup code call this before reading back.
func (p *Provider) Wait() { p.c.Wait() }

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics exposes ristretto's counters when Config.Metrics is set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
