package biaslock

import (
	"sync/atomic"
	"time"

	"github.com/llxisdsh/pb"
	"github.com/tliron/commonlog"

	"github.com/llxisdsh/biaslock/internal/opt"
)

// unusedMark is the displaced value stored into a LockRecord to indicate
// the acquisition rides a heavyweight monitor rather than the record
// itself.
const unusedMark = MarkWord(markedValue)

// maxBiasAttempts bounds how often a single entry re-runs the bias decision
// after a revocation before giving up on the biased tiers. The conventional
// path below it retries unboundedly, so the bound affects latency only.
const maxBiasAttempts = 4

// Runtime implements store-free biased locking over [Object] headers.
//
// The scheme: a type's instances start anonymously biased. The first thread
// to lock such an instance CASes its handle in; from then on that thread
// locks and unlocks the object with no memory write and no atomic operation
// at all: the entire fast path is one header load and compare. Contention
// from another thread revokes the bias (via a handshake with the owner, or
// a safepoint when the owner is gone) and the object falls back to the
// conventional CAS stack lock, inflating to a [Monitor] when that contends
// too.
//
// Per-object revocations are aggregated per type: past one threshold the
// type's epoch is incremented at a safepoint, instantly staling every
// outstanding bias without touching a single object (they rebias lazily
// with one CAS); past a second threshold biasing is disabled for the type
// entirely by resetting its prototype.
//
// No operation returns an error. CAS failures, stale epochs and the
// inflation sentinel are absorbed by falling back to a strictly-correct
// slower tier; a handshake that cannot be issued degrades to a safepoint.
type Runtime struct {
	_   noCopy
	cfg Config
	log commonlog.Logger

	coord    *Coordinator
	counters Counters

	klasses  pb.MapOf[string, *Klass]
	threads  pb.MapOf[Owner, *Thread]
	records  pb.MapOf[RecordRef, *LockRecord]
	monitors pb.MapOf[MonitorRef, *Monitor]

	nextOwner   atomic.Uintptr
	nextRecord  atomic.Uintptr
	nextMonitor atomic.Uintptr
	hashState   atomic.Uint64
}

// NewRuntime creates a runtime with the given tunables.
func NewRuntime(cfg Config) *Runtime {
	cfg.normalize()
	rt := &Runtime{
		cfg:   cfg,
		log:   commonlog.GetLogger("biaslock"),
		coord: newCoordinator(),
	}
	rt.hashState.Store(uint64(time.Now().UnixNano()) | 1)
	return rt
}

// Config returns the runtime's tunables.
func (rt *Runtime) Config() Config {
	return rt.cfg
}

// Coordinator returns the safepoint/handshake coordinator.
func (rt *Runtime) Coordinator() *Coordinator {
	return rt.coord
}

// Counters returns a snapshot of the engine statistics.
func (rt *Runtime) Counters() CountersSnapshot {
	return rt.counters.Snapshot()
}

// NewKlass registers (or returns the existing) type metadata under name.
// With biasing enabled its instances start anonymously biased.
func (rt *Runtime) NewKlass(name string) *Klass {
	k, _ := rt.klasses.LoadOrStoreFn(name, func() *Klass {
		k := &Klass{name: name}
		if rt.cfg.EnableBiasing {
			k.prototype.Store(uint64(BiasedPrototype()))
		} else {
			k.prototype.Store(uint64(Prototype()))
		}
		return k
	})
	return k
}

// NewThread registers a new thread handle. The caller binds it to one
// worker goroutine; all lock operations take it explicitly.
func (rt *Runtime) NewThread(name string) *Thread {
	t := &Thread{
		rt:    rt,
		name:  name,
		owner: Owner(rt.nextOwner.Add(BiasAlignment)),
	}
	rt.threads.Store(t.owner, t)
	rt.coord.register(t)
	return t
}

// NewObject allocates an object of klass k with the klass's prototype
// header.
func (rt *Runtime) NewObject(k *Klass) *Object {
	obj := &Object{klass: k}
	obj.header.Store(uint64(k.PrototypeHeader()))
	return obj
}

func (rt *Runtime) newRecordRef() RecordRef {
	return RecordRef(rt.nextRecord.Add(4))
}

func (rt *Runtime) newMonitor(obj *Object) *Monitor {
	mon := &Monitor{ref: MonitorRef(rt.nextMonitor.Add(4)), obj: obj}
	rt.monitors.Store(mon.ref, mon)
	return mon
}

// nextHash draws a fresh nonzero identity hash from a shared xorshift
// state, masked to the 31-bit hash field.
func (rt *Runtime) nextHash() uint32 {
	for {
		old := rt.hashState.Load()
		x := old
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		if rt.hashState.CompareAndSwap(old, x) {
			if h := uint32(x) & hashMask; h != noHash {
				return h
			}
		}
	}
}

// Enter locks obj on behalf of self. If obj is biased toward self at the
// type's current epoch this performs no memory write at all.
func (rt *Runtime) Enter(obj *Object, self *Thread) {
	rt.coord.beginOp(self)
	rt.counters.totalEntries.n.Add(1)
	if !rt.enterBiased(obj, self) {
		rt.counters.slowPath.n.Add(1)
		rt.enterConventional(obj, self)
	}
	rt.coord.endOp(self)
}

// Exit unlocks obj on behalf of self. A biased unlock is the symmetric
// zero-write fast path: the bias persists across lock/unlock cycles by
// design.
func (rt *Runtime) Exit(obj *Object, self *Thread) {
	rt.coord.beginOp(self)
	rt.exit(obj, self)
	rt.coord.endOp(self)
}

// biasAction is the outcome of the pure fast-path decision. The CAS attempt
// is the only side-effecting step, so the tiering is testable without
// concurrency.
type biasAction uint8

const (
	biasFallthrough biasAction = iota // not biased: conventional path
	biasOwned                         // biased to self at current epoch: done
	biasAcquire                       // anonymously biased: CAS own handle in
	biasRebias                        // stale epoch: CAS a fresh bias in
	biasRevoke                        // biased elsewhere (or type disabled): revoke
)

// decideBias maps (current word, type prototype, requester) to the fast
// path tier and, for the CAS tiers, the word to install. Pure.
func decideBias(mark, proto MarkWord, self Owner) (biasAction, MarkWord) {
	if !mark.HasBiasPattern() {
		return biasFallthrough, 0
	}
	if !proto.HasBiasPattern() {
		// Biasing was bulk-disabled for the type after this instance was
		// created; its leftover bias must be revoked.
		return biasRevoke, 0
	}
	epoch := proto.BiasEpoch()
	if mark.BiasEpoch() != epoch {
		// Bulk-invalidated bias: grab it directly with a CAS, no safepoint.
		return biasRebias, EncodeBiased(self, mark.Age(), epoch)
	}
	switch mark.BiasedOwner() {
	case self:
		return biasOwned, mark
	case 0:
		return biasAcquire, EncodeBiased(self, mark.Age(), epoch)
	default:
		return biasRevoke, 0
	}
}

// enterBiased runs the biased tiers of the entry state machine. It returns
// false when the caller must take the conventional stack-lock path. The
// epoch is re-read from the klass on every attempt, never cached: a bulk
// rebias may land mid-flight and the CAS resolves the race.
func (rt *Runtime) enterBiased(obj *Object, self *Thread) bool {
	for range maxBiasAttempts {
		mark := obj.Mark()
		action, next := decideBias(mark, obj.klass.PrototypeHeader(), self.owner)
		switch action {
		case biasOwned:
			// The zero-write fast path. The record push below is
			// thread-private bookkeeping so revocation can reconstruct the
			// recursion structure; the shared word is not touched.
			self.pushRecord(obj)
			rt.counters.biased.n.Add(1)
			rt.counters.fastPath.n.Add(1)
			return true
		case biasAcquire:
			if obj.casMark(mark, next) {
				self.pushRecord(obj)
				rt.counters.biased.n.Add(1)
				rt.counters.anonBiased.n.Add(1)
				rt.counters.fastPath.n.Add(1)
				return true
			}
			// Lost the race for the anonymous bias; take the slow path.
			return false
		case biasRebias:
			if obj.casMark(mark, next) {
				self.pushRecord(obj)
				rt.counters.biased.n.Add(1)
				rt.counters.rebiased.n.Add(1)
				rt.counters.fastPath.n.Add(1)
				return true
			}
			return false
		case biasRevoke:
			rt.revokeBias(obj, self)
			// Re-examine: a bulk rebias may have made the word rebiasable,
			// or it is neutral now.
			continue
		default:
			return false
		}
	}
	return false
}

// enterConventional is the CAS stack-lock path, inflating to a monitor when
// it contends. All failure is absorbed here; the loop only ends with the
// lock held.
func (rt *Runtime) enterConventional(obj *Object, self *Thread) {
	rec := self.pushRecord(obj)
	var spins int
	for {
		mark := obj.Mark()
		switch {
		case mark.IsBeingInflated():
			// Transient sentinel; never decode it, just retry.
			delay(&spins)

		case mark.HasBiasPattern():
			rt.revokeBias(obj, self)

		case mark.IsNeutral():
			rec.displaced = mark
			if obj.casMark(mark, EncodeLockRecord(rec.ref)) {
				return
			}

		case mark.HasLocker():
			if rt.recordOwner(mark) == self {
				rec.displaced = 0 // recursive: unlock is a no-op
				return
			}
			rec.displaced = unusedMark
			rt.inflate(obj, self).enter(self)
			return

		default: // monitor
			rec.displaced = unusedMark
			rt.inflate(obj, self).enter(self)
			return
		}
	}
}

func (rt *Runtime) exit(obj *Object, self *Thread) {
	mark := obj.Mark()
	if mark.HasBiasPattern() {
		// Zero-write biased unlock; the bias persists.
		if opt.Checks_ {
			opt.Assert_(mark.BiasedOwner() == self.owner, "biaslock: biased unlock by non-owner")
		}
		rec := self.innermostRecordFor(obj)
		if opt.Checks_ {
			opt.Assert_(rec != nil, "biaslock: unlock of unheld object")
		}
		if rec != nil {
			self.popRecord(rec)
		}
		return
	}

	rec := self.innermostRecordFor(obj)
	if opt.Checks_ {
		opt.Assert_(rec != nil, "biaslock: unlock of unheld object")
	}
	if rec == nil {
		return
	}
	displaced := rec.displaced
	self.popRecord(rec)

	switch {
	case displaced == 0:
		// Recursive acquisition (or one zeroed by revocation): no-op.

	case displaced == unusedMark:
		// This acquisition went through the monitor.
		rt.inflate(obj, self).exit(self)

	default:
		// Restore the displaced header. A failed CAS means the lock was
		// concurrently inflated over our record, classified from the CAS
		// result, never from re-reading the live word, which may have
		// changed again.
		if !obj.casMark(EncodeLockRecord(rec.ref), displaced) {
			rt.inflate(obj, self).exit(self)
		}
	}
}

// recordOwner resolves the thread owning the stack lock record a Locked
// word references, nil if unknown.
func (rt *Runtime) recordOwner(mark MarkWord) *Thread {
	if rec, ok := rt.records.Load(mark.LockRecord()); ok {
		return rec.owner
	}
	return nil
}

// inflate promotes obj's lock to a heavyweight monitor, or returns the
// existing one. The zero sentinel claims the word while the displaced
// header is moved into the monitor, and is replaced promptly; concurrent
// observers spin on it.
func (rt *Runtime) inflate(obj *Object, self *Thread) *Monitor {
	var spins int
	for {
		mark := obj.Mark()
		switch {
		case mark.HasMonitor():
			if mon, ok := rt.monitors.Load(mark.Monitor()); ok {
				return mon
			}
			if opt.Checks_ {
				opt.Assert_(false, "biaslock: unknown monitor ref")
			}

		case mark.IsBeingInflated():
			delay(&spins)

		case mark.HasBiasPattern():
			rt.revokeBias(obj, self)

		case mark.HasLocker():
			// Inflating over a live stack lock: claim the word with the
			// sentinel, then move the displaced header and the ownership
			// into the monitor.
			if obj.casMark(mark, Inflating()) {
				rec, _ := rt.records.Load(mark.LockRecord())
				mon := rt.newMonitor(obj)
				mon.adoptStackLock(rec.owner, rec.displaced)
				obj.setMark(EncodeMonitor(mon.ref))
				return mon
			}

		default: // neutral
			mon := rt.newMonitor(obj)
			mon.header.Store(uint64(mark))
			if obj.casMark(mark, EncodeMonitor(mon.ref)) {
				return mon
			}
			rt.monitors.Delete(mon.ref) // lost the race
		}
	}
}

// Hash returns obj's identity hash without assigning one: 0 (the no-hash
// sentinel) when none has been assigned yet. It never changes any lock
// state; in particular a biased object reports 0, since the biased layout
// has no hash field.
func (rt *Runtime) Hash(obj *Object) uint32 {
	var spins int
	for {
		mark := obj.Mark()
		switch {
		case mark.HasBiasPattern():
			return noHash
		case mark.IsBeingInflated():
			delay(&spins)
		case mark.HasMonitor():
			if mon, ok := rt.monitors.Load(mark.Monitor()); ok {
				return mon.Header().Hash()
			}
			return noHash
		case mark.HasLocker():
			if rec, ok := rt.records.Load(mark.LockRecord()); ok {
				if d := rec.displaced; d.IsNeutral() {
					return d.Hash()
				}
			}
			return noHash
		default:
			return mark.Hash()
		}
	}
}

// IdentityHash returns obj's identity hash, assigning one first if needed.
// Assigning a hash to a biased object forces the bias to be dropped: the
// biased layout has no room for a hash, so the object reverts to the
// conventional scheme first and the hash is then installed with a CAS.
func (rt *Runtime) IdentityHash(obj *Object, self *Thread) uint32 {
	rt.coord.beginOp(self)
	h := rt.identityHash(obj, self)
	rt.coord.endOp(self)
	return h
}

func (rt *Runtime) identityHash(obj *Object, self *Thread) uint32 {
	var spins int
	for {
		mark := obj.Mark()
		switch {
		case mark.HasBiasPattern():
			if mark.IsBiasedAnonymously() {
				// No owner to coordinate with; one CAS drops the bias.
				obj.casMark(mark, Prototype().WithAge(mark.Age()))
			} else {
				rt.revokeBias(obj, self)
			}

		case mark.IsBeingInflated():
			delay(&spins)

		case mark.IsNeutral():
			if h := mark.Hash(); h != noHash {
				return h
			}
			if h := rt.nextHash(); obj.casMark(mark, mark.WithHash(h)) {
				return h
			}

		default:
			// Stack-locked or inflated: the header lives elsewhere. Inflate
			// and install the hash in the monitor's displaced header, which
			// is stable for the monitor's lifetime.
			mon := rt.inflate(obj, self)
			for {
				h := mon.Header()
				if hv := h.Hash(); hv != noHash {
					return hv
				}
				if hv := rt.nextHash(); mon.casHeader(h, h.WithHash(hv)) {
					return hv
				}
			}
		}
	}
}
