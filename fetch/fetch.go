// Package fetch wraps a DataSource with retries, backoff and per-target
// circuit breaking.
//
// Each Fetch runs a small state machine driven by a clock.Clock:
//
//	Attempting -> Done
//	Attempting -> BackoffWait -> Retrying -> ... -> Exhausted
//
// Only transient failures (see IsTransient) move to BackoffWait; anything
// else leaves the machine at once. Attempts go through a sony/gobreaker
// breaker keyed by upstream target; while it is open calls fail fast with
// ErrUpstreamUnavailable without touching the DataSource.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/unkn0wn-root/cursorpage/clock"
	"github.com/unkn0wn-root/cursorpage/hooks"
	"github.com/unkn0wn-root/cursorpage/keyset"
	"github.com/unkn0wn-root/cursorpage/logging"
)

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamError       = errors.New("upstream error")
)

// DataSource returns the rows of a bounded range, in fs.Order, at most
// fs.Limit of them. It must not mutate upstream state.
type DataSource[T any] interface {
	FetchRange(ctx context.Context, fs keyset.FetchSpec) ([]T, error)
}

// DataSourceFunc adapts a function to DataSource.
type DataSourceFunc[T any] func(ctx context.Context, fs keyset.FetchSpec) ([]T, error)

func (f DataSourceFunc[T]) FetchRange(ctx context.Context, fs keyset.FetchSpec) ([]T, error) {
	return f(ctx, fs)
}

// Options tune retries and breaking. Zero values get defaults.
type Options struct {
	// Target names the upstream for breaker accounting. Empty => derived
	// from the listing identity (text before the first ':').
	Target string

	MaxRetries     int           // 0 => 3; negative disables retries
	BaseBackoff    time.Duration // 0 => 50ms
	MaxBackoff     time.Duration // 0 => 2s
	JitterPercent  uint64        // 0 => 20
	AttemptTimeout time.Duration // 0 => 2s

	BreakerThreshold   uint32        // consecutive failures to trip; 0 => 5
	BreakerMinRequests uint32        // 0 => 10
	BreakerRatio       float64       // 0 => 0.6
	BreakerInterval    time.Duration // rolling window in closed state; 0 => 60s
	BreakerCooldown    time.Duration // open duration; 0 => 30s
	BreakerProbes      uint32        // half-open probe budget; 0 => 1

	Clock  clock.Clock
	Logger logging.Logger
	Hooks  hooks.Hooks
}

// Client is the resilient fetch path. Safe for concurrent use.
type Client[T any] struct {
	src  DataSource[T]
	opts Options
	clk  clock.Clock
	log  logging.Logger
	hk   hooks.Hooks

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New wraps src.
func New[T any](src DataSource[T], opts Options) *Client[T] {
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = 3
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	opts.BaseBackoff = coalesce(opts.BaseBackoff, 50*time.Millisecond)
	opts.MaxBackoff = coalesce(opts.MaxBackoff, 2*time.Second)
	opts.JitterPercent = coalesce(opts.JitterPercent, 20)
	opts.AttemptTimeout = coalesce(opts.AttemptTimeout, 2*time.Second)
	opts.BreakerThreshold = coalesce(opts.BreakerThreshold, 5)
	opts.BreakerMinRequests = coalesce(opts.BreakerMinRequests, 10)
	opts.BreakerRatio = coalesce(opts.BreakerRatio, 0.6)
	opts.BreakerInterval = coalesce(opts.BreakerInterval, time.Minute)
	opts.BreakerCooldown = coalesce(opts.BreakerCooldown, 30*time.Second)
	opts.BreakerProbes = coalesce(opts.BreakerProbes, 1)

	return &Client[T]{
		src:      src,
		opts:     opts,
		clk:      coalesce[clock.Clock](opts.Clock, clock.Real{}),
		log:      logging.OrNop(opts.Logger),
		hk:       hooks.OrNop(opts.Hooks),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

type state uint8

const (
	attempting state = iota
	backoffWait
	retrying
	exhausted
)

// Fetch runs fs against the DataSource with retries and breaking.
// Errors wrap ErrUpstreamUnavailable, ErrUpstreamTimeout or ErrUpstreamError.
func (c *Client[T]) Fetch(ctx context.Context, fs keyset.FetchSpec) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	target := c.target(fs)
	cb := c.breaker(target)
	bo := c.backoff()

	var (
		st       = attempting
		attempts int
		lastErr  error
	)
	for {
		switch st {
		case attempting, retrying:
			attempts++
			rows, err := c.attempt(ctx, cb, fs)
			if err == nil {
				if attempts > 1 {
					c.log.Debug("upstream recovered after retry", logging.Fields{"target": target, "attempts": attempts})
				}
				return rows, nil
			}
			lastErr = err
			switch {
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				return nil, fmt.Errorf("%w: %s: circuit %s", ErrUpstreamUnavailable, target, cb.State())
			case ctx.Err() != nil:
				return nil, fmt.Errorf("%w: %w", ErrUpstreamTimeout, ctx.Err())
			case !IsTransient(err):
				return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamError, target, err)
			}
			st = backoffWait

		case backoffWait:
			wait, stop := bo.Next()
			if stop {
				st = exhausted
				continue
			}
			c.hk.RetryScheduled(target, attempts, wait, lastErr)
			c.log.Debug("upstream transient failure, backing off", logging.Fields{
				"target": target, "attempt": attempts, "wait": wait, "err": lastErr,
			})
			select {
			case <-c.clk.After(wait):
				st = retrying
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrUpstreamTimeout, ctx.Err())
			}

		case exhausted:
			c.log.Warn("upstream retries exhausted", logging.Fields{"target": target, "attempts": attempts, "err": lastErr})
			if isTimeout(lastErr) {
				return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrUpstreamTimeout, target, attempts, lastErr)
			}
			return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrUpstreamUnavailable, target, attempts, lastErr)
		}
	}
}

func (c *Client[T]) attempt(ctx context.Context, cb *gobreaker.CircuitBreaker, fs keyset.FetchSpec) ([]T, error) {
	actx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	out, err := cb.Execute(func() (interface{}, error) {
		rows, err := c.src.FetchRange(actx, fs)
		if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			err = &attemptTimeout{err: err}
		}
		return rows, err
	})
	if err != nil {
		return nil, err
	}
	rows, _ := out.([]T)
	return rows, nil
}

// BreakerState reports the breaker state for target ("closed" if unknown).
func (c *Client[T]) BreakerState(target string) string {
	c.mu.Lock()
	cb, ok := c.breakers[target]
	c.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// Target returns the breaker key used for fs.
func (c *Client[T]) Target(fs keyset.FetchSpec) string { return c.target(fs) }

func (c *Client[T]) target(fs keyset.FetchSpec) string {
	if c.opts.Target != "" {
		return c.opts.Target
	}
	if i := strings.IndexByte(fs.Identity, ':'); i > 0 {
		return fs.Identity[:i]
	}
	if fs.Identity == "" {
		return "default"
	}
	return fs.Identity
}

func (c *Client[T]) breaker(target string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[target]; ok {
		return cb
	}
	o := c.opts
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: o.BreakerProbes,
		Interval:    o.BreakerInterval,
		Timeout:     o.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= o.BreakerThreshold {
				return true
			}
			if counts.Requests < o.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= o.BreakerRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.hk.BreakerStateChange(name, from.String(), to.String())
			c.log.Warn("circuit breaker state change", logging.Fields{"target": name, "from": from.String(), "to": to.String()})
		},
		// non-transient failures say nothing about upstream health
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	})
	c.breakers[target] = cb
	return cb
}

func (c *Client[T]) backoff() retry.Backoff {
	o := c.opts
	b := retry.NewExponential(o.BaseBackoff)
	b = retry.WithCappedDuration(o.MaxBackoff, b)
	b = retry.WithJitterPercent(o.JitterPercent, b)
	return retry.WithMaxRetries(uint64(o.MaxRetries), b)
}

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
