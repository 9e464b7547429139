// Package sloghooks logs hook events to log/slog with per-event sampling.
// Storage keys are redacted since they embed listing identities.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/cursorpage/hooks"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery  uint64
	CoalescedEvery uint64
	RetryEvery     uint64
	SoftFailEvery  uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr  atomic.Uint64
	coalescedCtr atomic.Uint64
	retryCtr     atomic.Uint64
	softFailCtr  atomic.Uint64
}

var _ hooks.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("cursorpage.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) CacheSoftFailure(op string, err error) {
	if h.l == nil || !sample(h.opts.SoftFailEvery, &h.softFailCtr) {
		return
	}
	h.l.Warn("cursorpage.cache_soft_failure",
		"op", op,
		"err", err)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("cursorpage.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) Coalesced(identity string) {
	if h.l == nil || !sample(h.opts.CoalescedEvery, &h.coalescedCtr) {
		return
	}
	h.l.Debug("cursorpage.coalesced",
		"identity", h.redact(identity))
}

func (h *Hooks) InvalidateOutage(identity string, bumpErr, delErr error) {
	if h.l == nil {
		return
	}
	h.l.Error("cursorpage.invalidate_outage",
		"identity", h.redact(identity),
		"bump_err", bumpErr,
		"del_err", delErr)
}

func (h *Hooks) RetryScheduled(target string, attempt int, wait time.Duration, err error) {
	if h.l == nil || !sample(h.opts.RetryEvery, &h.retryCtr) {
		return
	}
	h.l.Info("cursorpage.retry_scheduled",
		"target", target,
		"attempt", attempt,
		"wait", wait,
		"err", err)
}

func (h *Hooks) BreakerStateChange(target, from, to string) {
	if h.l == nil {
		return
	}
	h.l.Warn("cursorpage.breaker_state_change",
		"target", target,
		"from", from,
		"to", to)
}
