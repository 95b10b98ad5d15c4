package biaslock

import (
	"sync/atomic"
	"time"

	"github.com/llxisdsh/biaslock/internal/opt"
)

// Klass is per-type metadata: the prototype header new instances start with
// and the bias revocation heuristics for the type. The prototype of a
// biasable klass carries the bias pattern and the type's current epoch in
// its epoch field, so a single load yields both "is biasing still permitted"
// and "what is the current epoch".
//
// The prototype is read concurrently by every fast-path entry but mutated
// only under safepoint coordination; the mutators demand the *Safepoint
// token so the exclusivity requirement is a signature-level guarantee, not a
// convention.
type Klass struct {
	_         noCopy
	name      string
	prototype atomic.Uint64 // MarkWord

	// Revocation heuristics, see Runtime.updateHeuristics. revocations is
	// decayed rather than reset so unrelated bursts spread over a long run
	// don't add up to a bulk revoke.
	revocations    atomic.Uint32
	lastBulkRevoke atomic.Int64 // unix nanos of the last bulk operation
}

// Name returns the klass name.
func (k *Klass) Name() string {
	return k.name
}

// PrototypeHeader returns the header word new instances of this klass start
// with. For a biasable klass it is anonymously biased at the current epoch.
//
//go:nosplit
func (k *Klass) PrototypeHeader() MarkWord {
	return MarkWord(k.prototype.Load())
}

// BiasingEnabled reports whether new instances of this klass may still be
// biased. It becomes permanently false after a bulk revoke.
func (k *Klass) BiasingEnabled() bool {
	return k.PrototypeHeader().HasBiasPattern()
}

// BiasEpoch returns the type's current epoch. Fast-path checks always read
// it fresh, never a cached value: a bulk rebias may run concurrently with an
// in-flight entry, and the entry's CAS resolves that race.
func (k *Klass) BiasEpoch() uint32 {
	proto := k.PrototypeHeader()
	if !proto.HasBiasPattern() {
		return 0
	}
	return proto.BiasEpoch()
}

// IncrementEpoch advances the type's epoch, instantly invalidating every
// outstanding bias of this klass. Requires safepoint context.
func (k *Klass) IncrementEpoch(sp *Safepoint) {
	if opt.Checks_ {
		opt.Assert_(sp != nil, "biaslock: IncrementEpoch outside safepoint")
	}
	proto := k.PrototypeHeader()
	if !proto.HasBiasPattern() {
		return
	}
	k.prototype.Store(uint64(proto.IncrBiasEpoch()))
}

// SetPrototypeHeader replaces the prototype, used by bulk revoke to disable
// biasing for the type. Requires safepoint context.
func (k *Klass) SetPrototypeHeader(sp *Safepoint, m MarkWord) {
	if opt.Checks_ {
		opt.Assert_(sp != nil, "biaslock: SetPrototypeHeader outside safepoint")
	}
	k.prototype.Store(uint64(m))
}

// updateHeuristics decides how to react to one more revocation of an
// instance of this klass: revoke just the one bias, bulk-rebias the type, or
// give up on biasing the type entirely. Thresholds and the decay interval
// come from the runtime configuration; the protocol's correctness never
// depends on the values.
func (k *Klass) updateHeuristics(cfg *Config, now time.Time) bulkAction {
	if !k.BiasingEnabled() {
		return bulkNone
	}

	// Decay: a quiet period since the last bulk operation resets the count,
	// so the type gets a fresh allowance instead of creeping toward a bulk
	// revoke forever.
	last := k.lastBulkRevoke.Load()
	if last != 0 && now.UnixNano()-last > cfg.HeuristicsDecay().Nanoseconds() {
		if k.lastBulkRevoke.CompareAndSwap(last, 0) {
			k.revocations.Store(0)
		}
	}

	n := k.revocations.Add(1)
	switch {
	case n >= cfg.BulkRevokeThreshold:
		return bulkRevoke
	case n == cfg.BulkRebiasThreshold:
		return bulkRebias
	default:
		return bulkNone
	}
}

// noteBulkOperation records that a bulk rebias/revoke just ran, for the
// decay logic above. Requires safepoint context (called from within one).
func (k *Klass) noteBulkOperation(now time.Time) {
	k.lastBulkRevoke.Store(now.UnixNano())
}

// bulkAction is the escalation level chosen by updateHeuristics.
type bulkAction uint8

const (
	bulkNone   bulkAction = iota // revoke the single instance only
	bulkRebias                   // increment the type's epoch at a safepoint
	bulkRevoke                   // disable biasing for the type entirely
)
