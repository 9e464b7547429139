// Package hooks defines lightweight callbacks for high-signal events.
// The cache and the fetch client call them on hot paths, so implementations
// MUST be cheap and non-blocking.
package hooks

import "time"

type Hooks interface {
	// A cached page was deleted on read.
	// reason ∈ {"corrupt", "fingerprint_mismatch", "value_decode"}
	SelfHeal(storageKey, reason string)

	// The backing store or generation store failed; the request fell
	// through to direct computation. op ∈ {"get", "set", "gen_snapshot"}
	CacheSoftFailure(op string, err error)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// A request joined an in-flight computation for the same fingerprint.
	Coalesced(identity string)

	// Both gen bump and eager delete failed during Invalidate.
	InvalidateOutage(identity string, bumpErr, delErr error)

	// A transient upstream failure will be retried after wait.
	RetryScheduled(target string, attempt int, wait time.Duration, err error)

	// A circuit breaker changed state ("closed", "half-open", "open").
	BreakerStateChange(target, from, to string)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)                           {}
func (NopHooks) CacheSoftFailure(string, error)                    {}
func (NopHooks) ProviderSetRejected(string)                        {}
func (NopHooks) Coalesced(string)                                  {}
func (NopHooks) InvalidateOutage(string, error, error)             {}
func (NopHooks) RetryScheduled(string, int, time.Duration, error) {}
func (NopHooks) BreakerStateChange(string, string, string)         {}

// OrNop returns h, or NopHooks when h is nil.
func OrNop(h Hooks) Hooks {
	if h == nil {
		return NopHooks{}
	}
	return h
}
