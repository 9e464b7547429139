package bigcache

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{LifeWindow: time.Minute, Shards: 4, MaxEntriesInWindow: 64, MaxEntrySize: 256})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestSetGetDel(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	if ok, err := p.Set(ctx, "k", []byte("v"), 1, 0); err != nil || !ok {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}
	b, ok, err := p.Get(ctx, "k")
	if err != nil || !ok || !bytes.Equal(b, []byte("v")) {
		t.Fatalf("Get: b=%q ok=%v err=%v", b, ok, err)
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := p.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("expected clean miss after Del, ok=%v err=%v", ok, err)
	}
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("Del of missing key should be nil, got %v", err)
	}
}

func TestDelPrefix(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	for _, k := range []string{"page:ns:aa:g0:1", "page:ns:aa:g1:2", "page:ns:bb:g0:1"} {
		if _, err := p.Set(ctx, k, []byte("x"), 1, 0); err != nil {
			t.Fatal(err)
		}
	}
	n, err := p.DelPrefix(ctx, "page:ns:aa:")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("removed=%d want 2", n)
	}
	if _, ok, _ := p.Get(ctx, "page:ns:bb:g0:1"); !ok {
		t.Fatalf("unrelated key must survive")
	}
}
