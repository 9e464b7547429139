package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/unkn0wn-root/cursorpage/clock"
	"github.com/unkn0wn-root/cursorpage/keyset"
)

var errBoom = errors.New("boom")

type countingSource struct {
	calls atomic.Int32
	fn    func(ctx context.Context, n int32) ([]int, error)
}

func (s *countingSource) FetchRange(ctx context.Context, _ keyset.FetchSpec) ([]int, error) {
	n := s.calls.Add(1)
	return s.fn(ctx, n)
}

func fastOpts() Options {
	return Options{
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func spec(identity string) keyset.FetchSpec {
	return keyset.FetchSpec{Identity: identity, Limit: 3}
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	src := &countingSource{fn: func(_ context.Context, n int32) ([]int, error) {
		if n < 3 {
			return nil, Transient(errBoom)
		}
		return []int{1, 2}, nil
	}}
	c := New[int](src, fastOpts())

	rows, err := c.Fetch(context.Background(), spec("feed"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(rows) != 2 || src.calls.Load() != 3 {
		t.Fatalf("rows=%v calls=%d", rows, src.calls.Load())
	}
}

func TestNonTransientIsNotRetried(t *testing.T) {
	src := &countingSource{fn: func(context.Context, int32) ([]int, error) {
		return nil, &StatusError{Code: 404, Msg: "no such listing"}
	}}
	c := New[int](src, fastOpts())

	_, err := c.Fetch(context.Background(), spec("feed"))
	if !errors.Is(err, ErrUpstreamError) {
		t.Fatalf("want ErrUpstreamError, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 404 {
		t.Fatalf("cause lost: %v", err)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", src.calls.Load())
	}
}

func TestExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	src := &countingSource{fn: func(context.Context, int32) ([]int, error) {
		return nil, &StatusError{Code: 503}
	}}
	c := New[int](src, fastOpts())

	_, err := c.Fetch(context.Background(), spec("feed"))
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("want ErrUpstreamUnavailable, got %v", err)
	}
	if got := src.calls.Load(); got != 4 {
		t.Fatalf("calls=%d want 4 (1 + 3 retries)", got)
	}
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	src := &countingSource{fn: func(context.Context, int32) ([]int, error) {
		return nil, Transient(errBoom)
	}}
	opts := fastOpts()
	opts.MaxRetries = -1
	opts.BreakerThreshold = 3
	opts.BreakerCooldown = time.Minute
	c := New[int](src, opts)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Fetch(ctx, spec("feed:1")); !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("call %d: want ErrUpstreamUnavailable, got %v", i, err)
		}
	}
	if st := c.BreakerState("feed"); st != "open" {
		t.Fatalf("breaker state=%s want open", st)
	}

	before := src.calls.Load()
	for i := 0; i < 5; i++ {
		if _, err := c.Fetch(ctx, spec("feed:2")); !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("want fail-fast ErrUpstreamUnavailable, got %v", err)
		}
	}
	if src.calls.Load() != before {
		t.Fatalf("open breaker must not call the source: %d -> %d", before, src.calls.Load())
	}

	// other targets are unaffected
	ok := New[int](DataSourceFunc[int](func(context.Context, keyset.FetchSpec) ([]int, error) {
		return []int{1}, nil
	}), opts)
	if _, err := ok.Fetch(ctx, spec("other")); err != nil {
		t.Fatalf("independent client failed: %v", err)
	}
}

func TestNonTransientDoesNotTripBreaker(t *testing.T) {
	src := &countingSource{fn: func(context.Context, int32) ([]int, error) {
		return nil, Permanent(errBoom)
	}}
	opts := fastOpts()
	opts.BreakerThreshold = 2
	c := New[int](src, opts)

	for i := 0; i < 5; i++ {
		if _, err := c.Fetch(context.Background(), spec("feed")); !errors.Is(err, ErrUpstreamError) {
			t.Fatalf("want ErrUpstreamError, got %v", err)
		}
	}
	if st := c.BreakerState("feed"); st != "closed" {
		t.Fatalf("breaker state=%s want closed", st)
	}
}

func TestAttemptTimeoutConsumesRetries(t *testing.T) {
	src := &countingSource{fn: func(ctx context.Context, _ int32) ([]int, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	opts := fastOpts()
	opts.MaxRetries = 1
	opts.AttemptTimeout = 10 * time.Millisecond
	c := New[int](src, opts)

	_, err := c.Fetch(context.Background(), spec("slow"))
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("want ErrUpstreamTimeout, got %v", err)
	}
	if src.calls.Load() != 2 {
		t.Fatalf("calls=%d want 2", src.calls.Load())
	}
}

func TestCanceledCallerIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &countingSource{fn: func(context.Context, int32) ([]int, error) {
		cancel()
		return nil, Transient(errBoom)
	}}
	c := New[int](src, fastOpts())

	_, err := c.Fetch(ctx, spec("feed"))
	if !errors.Is(err, ErrUpstreamTimeout) || !errors.Is(err, context.Canceled) {
		t.Fatalf("want ErrUpstreamTimeout wrapping Canceled, got %v", err)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", src.calls.Load())
	}

	if _, err := c.Fetch(ctx, spec("feed")); !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("already-canceled ctx: got %v", err)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("already-canceled ctx must not reach the source")
	}
}

func TestBackoffWaitsOnClock(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	src := &countingSource{fn: func(_ context.Context, n int32) ([]int, error) {
		if n == 1 {
			return nil, io.ErrUnexpectedEOF
		}
		return []int{7}, nil
	}}
	opts := fastOpts()
	opts.BaseBackoff = time.Minute
	opts.MaxBackoff = time.Minute
	opts.Clock = clk
	c := New[int](src, opts)

	type result struct {
		rows []int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		rows, err := c.Fetch(context.Background(), spec("feed"))
		done <- result{rows, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("fetch never entered backoff")
		}
		time.Sleep(time.Millisecond)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("retried before the clock moved")
	}
	clk.Advance(2 * time.Minute)

	select {
	case r := <-done:
		if r.err != nil || len(r.rows) != 1 {
			t.Fatalf("rows=%v err=%v", r.rows, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch did not resume after advance")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errBoom, false},
		{Transient(errBoom), true},
		{Permanent(Transient(errBoom)), false},
		{&StatusError{Code: 500}, true},
		{&StatusError{Code: 429}, true},
		{&StatusError{Code: 400}, false},
		{fmt.Errorf("wrapped: %w", syscall.ECONNRESET), true},
		{io.ErrUnexpectedEOF, true},
		{timeoutErr{}, true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
	}
	for i, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("case %d (%v): got %v want %v", i, tc.err, got, tc.want)
		}
	}
}
