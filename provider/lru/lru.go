// Package lru is a bounded in-process provider on hashicorp/golang-lru.
// It is the default backing store: entry count is capped and the least
// recently used page is evicted first.
package lru

import (
	"context"
	"errors"
	"strings"
	"time"

	hlru "github.com/hashicorp/golang-lru"

	"github.com/unkn0wn-root/cursorpage/clock"
	pr "github.com/unkn0wn-root/cursorpage/provider"
)

type entry struct {
	val []byte
	exp time.Time // zero = no expiry
}

type Provider struct {
	c   *hlru.Cache
	clk clock.Clock
}

var (
	_ pr.Provider      = (*Provider)(nil)
	_ pr.PrefixDeleter = (*Provider)(nil)
)

type Config struct {
	Size  int         // max entries; required
	Clock clock.Clock // nil => wall clock
}

func New(cfg Config) (*Provider, error) {
	if cfg.Size <= 0 {
		return nil, errors.New("lru: size must be > 0")
	}
	c, err := hlru.New(cfg.Size)
	if err != nil {
		return nil, err
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Provider{c: c, clk: clk}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	e, ok := v.(entry)
	if !ok {
		p.c.Remove(key)
		return nil, false, nil
	}
	if !e.exp.IsZero() && !p.clk.Now().Before(e.exp) {
		p.c.Remove(key)
		return nil, false, nil
	}
	return e.val, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	e := entry{val: value}
	if ttl > 0 {
		e.exp = p.clk.Now().Add(ttl)
	}
	p.c.Add(key, e)
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Remove(key)
	return nil
}

func (p *Provider) DelPrefix(_ context.Context, prefix string) (int, error) {
	n := 0
	for _, k := range p.c.Keys() {
		s, ok := k.(string)
		if ok && strings.HasPrefix(s, prefix) && p.c.Remove(s) {
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored entries, expired ones included.
func (p *Provider) Len() int { return p.c.Len() }

func (p *Provider) Close(_ context.Context) error {
	p.c.Purge()
	return nil
}
