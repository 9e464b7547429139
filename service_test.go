package cursorpage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/cursorpage/clock"
	"github.com/unkn0wn-root/cursorpage/fetch"
	"github.com/unkn0wn-root/cursorpage/keyset"
	"github.com/unkn0wn-root/cursorpage/source/memory"
	"github.com/unkn0wn-root/cursorpage/sortkey"
)

type record struct {
	At int64 `json:"at"`
	ID int64 `json:"id"`
}

var (
	recordSpec = sortkey.MustNew(
		sortkey.Field{Name: "at", Order: sortkey.Desc, Kind: sortkey.Int},
		sortkey.Field{Name: "id", Order: sortkey.Asc, Kind: sortkey.Int, Unique: true},
	)
	testSecret = []byte("0123456789abcdef0123456789abcdef")
)

type coalesceCounter struct {
	NopHooks
	n atomic.Int64
}

func (c *coalesceCounter) Coalesced(string) { c.n.Add(1) }

func recordKeys(r record) sortkey.Tuple { return sortkey.Tuple{r.At, r.ID} }

type harness struct {
	svc *service[record]
	src *memory.Source[record]
	clk *clock.Manual
}

func newHarness(t *testing.T, src fetch.DataSource[record], mutate func(*Options[record])) harness {
	t.Helper()
	mem, _ := src.(*memory.Source[record])
	h := harness{src: mem, clk: clock.NewManual(time.Unix(1_700_000_000, 0))}
	opts := Options[record]{
		Spec:       recordSpec,
		Secret:     testSecret,
		Source:     src,
		Keys:       recordKeys,
		MaxLimit:   50,
		DefaultTTL: 60 * time.Second,
		Clock:      h.clk,
		Fetch:      fetch.Options{MaxRetries: -1},
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := newService(opts)
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	h.svc = svc
	return h
}

// five records, newest first: ids 1..5
func fiveRecords() *memory.Source[record] {
	src := memory.New(recordSpec, recordKeys, nil)
	for i := int64(1); i <= 5; i++ {
		src.Put("feed:1", record{At: 100 - i, ID: i})
	}
	return src
}

func pageIDs(p PageResult[record]) []int64 {
	out := make([]int64, len(p.Items))
	for i, r := range p.Items {
		out[i] = r.ID
	}
	return out
}

func sameIDs(a, b []int64) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func TestFiveRecordWalk(t *testing.T) {
	h := newHarness(t, fiveRecords(), nil)
	ctx := context.Background()
	req := PageRequest{Identity: "feed:1", Limit: 2}

	p1, err := h.svc.Page(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(pageIDs(p1), []int64{1, 2}) || !p1.HasMore || p1.NextCursor == "" || p1.PrevCursor != "" {
		t.Fatalf("page1: ids=%v hasMore=%v next=%q prev=%q", pageIDs(p1), p1.HasMore, p1.NextCursor, p1.PrevCursor)
	}

	req.Cursor = p1.NextCursor
	p2, err := h.svc.Page(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(pageIDs(p2), []int64{3, 4}) || !p2.HasMore || p2.PrevCursor == "" {
		t.Fatalf("page2: ids=%v hasMore=%v prev=%q", pageIDs(p2), p2.HasMore, p2.PrevCursor)
	}

	req.Cursor = p2.NextCursor
	p3, err := h.svc.Page(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(pageIDs(p3), []int64{5}) || p3.HasMore || p3.NextCursor != "" {
		t.Fatalf("page3: ids=%v hasMore=%v next=%q", pageIDs(p3), p3.HasMore, p3.NextCursor)
	}

	// and back again
	req.Cursor = p3.PrevCursor
	back, err := h.svc.Page(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(pageIDs(back), []int64{3, 4}) || !back.HasMore || back.NextCursor == "" {
		t.Fatalf("back: ids=%v hasMore=%v next=%q", pageIDs(back), back.HasMore, back.NextCursor)
	}
	req.Cursor = back.PrevCursor
	first, err := h.svc.Page(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(pageIDs(first), []int64{1, 2}) || first.HasMore || first.PrevCursor != "" {
		t.Fatalf("first via back: ids=%v hasMore=%v prev=%q", pageIDs(first), first.HasMore, first.PrevCursor)
	}
}

func TestLastPageWhenBackwardWithoutCursor(t *testing.T) {
	h := newHarness(t, fiveRecords(), nil)
	p, err := h.svc.Page(context.Background(), PageRequest{Identity: "feed:1", Limit: 2, Direction: Backward})
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(pageIDs(p), []int64{4, 5}) || !p.HasMore || p.PrevCursor == "" || p.NextCursor != "" {
		t.Fatalf("last page: ids=%v hasMore=%v prev=%q next=%q", pageIDs(p), p.HasMore, p.PrevCursor, p.NextCursor)
	}
}

func TestForwardTraversalIsComplete(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	src := memory.New(recordSpec, recordKeys, nil)
	const n = 257
	for i := int64(1); i <= n; i++ {
		// few distinct timestamps so the id tiebreaker matters
		src.Put("feed:1", record{At: rng.Int63n(10), ID: i})
	}
	h := newHarness(t, src, nil)
	ctx := context.Background()

	for _, limit := range []int{1, 7, 50} {
		seen := make(map[int64]bool, n)
		var prev *record
		req := PageRequest{Identity: "feed:1", Limit: limit}
		for pages := 0; ; pages++ {
			if pages > n+1 {
				t.Fatalf("limit %d: traversal does not terminate", limit)
			}
			p, err := h.svc.Page(ctx, req)
			if err != nil {
				t.Fatal(err)
			}
			for i := range p.Items {
				r := p.Items[i]
				if seen[r.ID] {
					t.Fatalf("limit %d: duplicate id %d", limit, r.ID)
				}
				seen[r.ID] = true
				if prev != nil && sortkey.Compare(recordSpec.Fields(), recordKeys(*prev), recordKeys(r)) >= 0 {
					t.Fatalf("limit %d: out of order at id %d", limit, r.ID)
				}
				prev = &r
			}
			if !p.HasMore {
				break
			}
			req.Cursor = p.NextCursor
		}
		if len(seen) != n {
			t.Fatalf("limit %d: saw %d of %d", limit, len(seen), n)
		}
	}
}

func TestInvalidLimit(t *testing.T) {
	h := newHarness(t, fiveRecords(), nil)
	for _, l := range []int{0, -1, 51} {
		_, err := h.svc.Page(context.Background(), PageRequest{Identity: "feed:1", Limit: l})
		if !errors.Is(err, ErrInvalidLimit) || Code(err) != "invalid_limit" {
			t.Fatalf("limit %d: got %v (%s)", l, err, Code(err))
		}
	}
	if h.src.Calls() != 0 {
		t.Fatalf("source called for invalid request")
	}
}

func TestTamperedCursorRejected(t *testing.T) {
	h := newHarness(t, fiveRecords(), nil)
	ctx := context.Background()
	p1, err := h.svc.Page(ctx, PageRequest{Identity: "feed:1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	tok := []byte(p1.NextCursor)
	if tok[3] == 'A' {
		tok[3] = 'B'
	} else {
		tok[3] = 'A'
	}
	for _, c := range []string{string(tok), "!!!", p1.NextCursor + "x"} {
		_, err := h.svc.Page(ctx, PageRequest{Identity: "feed:1", Limit: 2, Cursor: c})
		if Code(err) != "invalid_cursor" {
			t.Fatalf("cursor %q: got %v (%s)", c, err, Code(err))
		}
	}
}

func TestEmptyIdentityRejected(t *testing.T) {
	h := newHarness(t, fiveRecords(), nil)
	_, err := h.svc.Page(context.Background(), PageRequest{Limit: 2})
	if Code(err) != "invalid_request" {
		t.Fatalf("got %v", err)
	}
}

func TestConcurrentIdenticalRequestsHitSourceOnce(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int64
	mem := fiveRecords()
	src := fetch.DataSourceFunc[record](func(ctx context.Context, fs keyset.FetchSpec) ([]record, error) {
		calls.Add(1)
		<-gate
		return mem.FetchRange(ctx, fs)
	})
	hk := &coalesceCounter{}
	h := newHarness(t, src, func(o *Options[record]) { o.Hooks = hk })

	const K = 16
	var wg sync.WaitGroup
	results := make(chan []int64, K)
	for i := 0; i < K; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := h.svc.Page(context.Background(), PageRequest{Identity: "feed:1", Limit: 2})
			if err != nil {
				t.Error(err)
				return
			}
			results <- pageIDs(p)
		}()
	}
	// let every caller register before the fetch completes
	deadline := time.Now().Add(5 * time.Second)
	for hk.n.Load() < K-1 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d callers coalesced", hk.n.Load())
		}
		time.Sleep(time.Millisecond)
	}
	close(gate)
	wg.Wait()
	close(results)

	for ids := range results {
		if !sameIDs(ids, []int64{1, 2}) {
			t.Fatalf("got %v", ids)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("source calls=%d want 1", calls.Load())
	}
}

func TestCacheTTLScenario(t *testing.T) {
	h := newHarness(t, fiveRecords(), nil)
	ctx := context.Background()
	req := PageRequest{Identity: "feed:1", Limit: 2}

	_, _ = h.svc.Page(ctx, req) // t=0
	h.clk.Advance(30 * time.Second)
	_, _ = h.svc.Page(ctx, req) // t=30
	if h.src.Calls() != 1 {
		t.Fatalf("t=30 calls=%d want 1", h.src.Calls())
	}
	h.clk.Advance(31 * time.Second)
	_, _ = h.svc.Page(ctx, req) // t=61
	if h.src.Calls() != 2 {
		t.Fatalf("t=61 calls=%d want 2", h.src.Calls())
	}
}

func TestInvalidateAfterWrite(t *testing.T) {
	h := newHarness(t, fiveRecords(), nil)
	ctx := context.Background()
	req := PageRequest{Identity: "feed:1", Limit: 2}

	_, _ = h.svc.Page(ctx, req)
	h.src.Put("feed:1", record{At: 1000, ID: 99})
	stale, _ := h.svc.Page(ctx, req)
	if stale.Items[0].ID != 1 {
		t.Fatalf("expected cached page before invalidation")
	}
	if err := h.svc.Invalidate(ctx, "feed:1"); err != nil {
		t.Fatal(err)
	}
	fresh, err := h.svc.Page(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Items[0].ID != 99 {
		t.Fatalf("invalidation not visible: %v", pageIDs(fresh))
	}
}

func TestBreakerFailsFastThroughService(t *testing.T) {
	var calls atomic.Int64
	src := fetch.DataSourceFunc[record](func(context.Context, keyset.FetchSpec) ([]record, error) {
		calls.Add(1)
		return nil, &fetch.StatusError{Code: 503}
	})
	h := newHarness(t, src, func(o *Options[record]) {
		o.Fetch.BreakerThreshold = 2
		o.Fetch.BreakerCooldown = time.Hour
	})
	ctx := context.Background()
	req := PageRequest{Identity: "feed:1", Limit: 2}

	for i := 0; i < 2; i++ {
		if _, err := h.svc.Page(ctx, req); Code(err) != "upstream_unavailable" {
			t.Fatalf("call %d: got %v", i, err)
		}
	}
	if h.svc.breakerState("feed:1") != "open" {
		t.Fatalf("breaker state=%s want open", h.svc.breakerState("feed:1"))
	}
	_, err := h.svc.Page(ctx, req)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("open breaker still called the source: calls=%d", calls.Load())
	}
}

func TestNonTransientUpstreamError(t *testing.T) {
	src := fetch.DataSourceFunc[record](func(context.Context, keyset.FetchSpec) ([]record, error) {
		return nil, fetch.Permanent(errors.New("bad filter"))
	})
	h := newHarness(t, src, nil)
	_, err := h.svc.Page(context.Background(), PageRequest{Identity: "feed:1", Limit: 2})
	if Code(err) != "upstream_error" {
		t.Fatalf("got %v (%s)", err, Code(err))
	}
}

func TestMisbehavingSourceIsRejected(t *testing.T) {
	src := fetch.DataSourceFunc[record](func(context.Context, keyset.FetchSpec) ([]record, error) {
		return []record{{At: 1, ID: 1}, {At: 5, ID: 2}}, nil // ascending in a desc listing
	})
	h := newHarness(t, src, nil)
	_, err := h.svc.Page(context.Background(), PageRequest{Identity: "feed:1", Limit: 5})
	if !errors.Is(err, ErrUpstreamError) {
		t.Fatalf("got %v", err)
	}
}

type named struct {
	Name string `json:"name"`
}

func TestOversizedSortKeyIsUpstreamError(t *testing.T) {
	src := fetch.DataSourceFunc[named](func(context.Context, keyset.FetchSpec) ([]named, error) {
		return []named{{Name: strings.Repeat("n", sortkey.MaxValueLen+1)}}, nil
	})
	svc, err := New(Options[named]{
		Spec:   sortkey.MustNew(sortkey.Field{Name: "name", Kind: sortkey.String, Unique: true}),
		Secret: testSecret,
		Source: src,
		Keys:   func(n named) sortkey.Tuple { return sortkey.Tuple{n.Name} },
		Fetch:  fetch.Options{MaxRetries: -1},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close(context.Background())

	_, err = svc.Page(context.Background(), PageRequest{Identity: "names", Limit: 5})
	if !errors.Is(err, ErrUpstreamError) || Code(err) != "upstream_error" {
		t.Fatalf("got %v (code %s)", err, Code(err))
	}
}

type stamped struct {
	At time.Time `json:"at"`
	ID int64     `json:"id"`
}

func TestWalkAcrossExtremeTimestamps(t *testing.T) {
	spec := sortkey.MustNew(
		sortkey.Field{Name: "at", Kind: sortkey.Time},
		sortkey.Field{Name: "id", Kind: sortkey.Int, Unique: true},
	)
	keys := func(s stamped) sortkey.Tuple { return sortkey.Tuple{s.At, s.ID} }
	src := memory.New(spec, keys, nil)
	src.Put("log",
		stamped{At: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), ID: 4},
		stamped{At: time.Time{}, ID: 1},
		stamped{At: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), ID: 3},
		stamped{At: time.Date(1500, 1, 1, 0, 0, 0, 0, time.UTC), ID: 2},
	)
	svc, err := New(Options[stamped]{Spec: spec, Secret: testSecret, Source: src, Keys: keys})
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close(context.Background())

	var got []int64
	req := PageRequest{Identity: "log", Limit: 1}
	for {
		p, err := svc.Page(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		for _, s := range p.Items {
			got = append(got, s.ID)
		}
		if p.NextCursor == "" {
			break
		}
		req.Cursor = p.NextCursor
	}
	if !sameIDs(got, []int64{1, 2, 3, 4}) {
		t.Fatalf("walk order %v", got)
	}
}

func TestPrefetchWarmsNextPage(t *testing.T) {
	h := newHarness(t, fiveRecords(), func(o *Options[record]) { o.PrefetchNext = true })
	ctx := context.Background()

	p1, err := h.svc.Page(ctx, PageRequest{Identity: "feed:1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.src.Calls() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("prefetch did not run")
		}
		time.Sleep(time.Millisecond)
	}
	h.svc.wg.Wait()

	p2, err := h.svc.Page(ctx, PageRequest{Identity: "feed:1", Limit: 2, Cursor: p1.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(pageIDs(p2), []int64{3, 4}) {
		t.Fatalf("got %v", pageIDs(p2))
	}
	if h.src.Calls() != 2 {
		t.Fatalf("prefetched page not served from cache: calls=%d", h.src.Calls())
	}
}

func TestNewValidatesOptions(t *testing.T) {
	base := Options[record]{Spec: recordSpec, Secret: testSecret, Source: fiveRecords(), Keys: recordKeys}
	cases := map[string]func(*Options[record]){
		"no source":    func(o *Options[record]) { o.Source = nil },
		"no keys":      func(o *Options[record]) { o.Keys = nil },
		"short secret": func(o *Options[record]) { o.Secret = []byte("short") },
		"empty spec":   func(o *Options[record]) { o.Spec = sortkey.Spec{} },
	}
	for name, mutate := range cases {
		o := base
		mutate(&o)
		if _, err := New(o); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestCodeTable(t *testing.T) {
	cases := map[string]error{
		"":                     nil,
		"invalid_cursor":       fmt.Errorf("x: %w", ErrCursorChecksumMismatch),
		"upstream_timeout":     fmt.Errorf("x: %w", ErrUpstreamTimeout),
		"cache_backend":        &InvalidateError{Identity: "a", BumpErr: errors.New("b")},
		"internal":             errors.New("other"),
		"upstream_unavailable": ErrUpstreamUnavailable,
	}
	for want, err := range cases {
		if got := Code(err); got != want {
			t.Fatalf("Code(%v)=%q want %q", err, got, want)
		}
	}
}
