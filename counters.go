package biaslock

import (
	"sync/atomic"
	"unsafe"

	"github.com/llxisdsh/biaslock/internal/opt"
)

// paddedCounter is a monotonically increasing counter padded to a cache
// line so the independent statistics never false-share.
type paddedCounter struct {
	n atomic.Uint64
	_ [(opt.CacheLineSize_ - unsafe.Sizeof(struct {
		n atomic.Uint64
	}{})%opt.CacheLineSize_) % opt.CacheLineSize_]byte
}

// Counters collects the observability statistics of the biased locking
// engine. All counters only ever increase; readers take a Snapshot.
type Counters struct {
	_            noCopy
	totalEntries paddedCounter
	biased       paddedCounter
	anonBiased   paddedCounter
	rebiased     paddedCounter
	revoked      paddedCounter
	handshakes   paddedCounter
	fastPath     paddedCounter
	slowPath     paddedCounter
}

// CountersSnapshot is a point-in-time copy of the engine counters.
type CountersSnapshot struct {
	TotalEntries             uint64
	BiasedEntries            uint64
	AnonymouslyBiasedEntries uint64
	RebiasedEntries          uint64
	RevokedEntries           uint64
	Handshakes               uint64
	FastPathEntries          uint64
	SlowPathEntries          uint64
}

// Snapshot returns a copy of the current counter values. The counters are
// sampled individually, so a snapshot taken under load is approximate
// across fields but each field is exact and monotonic.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		TotalEntries:             c.totalEntries.n.Load(),
		BiasedEntries:            c.biased.n.Load(),
		AnonymouslyBiasedEntries: c.anonBiased.n.Load(),
		RebiasedEntries:          c.rebiased.n.Load(),
		RevokedEntries:           c.revoked.n.Load(),
		Handshakes:               c.handshakes.n.Load(),
		FastPathEntries:          c.fastPath.n.Load(),
		SlowPathEntries:          c.slowPath.n.Load(),
	}
}
