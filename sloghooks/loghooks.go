// Package sloghooks writes atomcache hook events to a log/slog logger.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/atomcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery     uint64
	DeduplicatedEvery uint64
	// Log every bulk call at debug level.
	LogBatches bool
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	dedupCtr    atomic.Uint64
}

var _ atomcache.Hooks = (*Hooks)(nil)

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
	h.l.Debug("atomcache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("atomcache.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) FetchFailed(kind atomcache.Kind, keyHash uint32, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("atomcache.fetch_failed",
		"kind", kind.String(),
		"key_hash", keyHash,
		"err", err)
}

func (h *Hooks) Deduplicated(kind atomcache.Kind, keyHash uint32) {
	if h.l == nil || !sample(h.opts.DeduplicatedEvery, &h.dedupCtr) {
		return
	}
	h.l.Debug("atomcache.deduplicated",
		"kind", kind.String(),
		"key_hash", keyHash)
}

func (h *Hooks) BatchDispatched(groupHash uint32, size int) {
	if h.l == nil || !h.opts.LogBatches {
		return
	}
	h.l.Debug("atomcache.batch_dispatched",
		"group_hash", groupHash,
		"size", size)
}

func (h *Hooks) ListenerFailed(event atomcache.EventName, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("atomcache.listener_failed",
		"event", string(event),
		"err", err)
}
