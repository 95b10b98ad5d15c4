package biaslock

import (
	"time"
)

// revokeBias removes obj's bias on behalf of self, first consulting the
// type's heuristics: enough revocations escalate to a bulk rebias (epoch
// bump) or a bulk revoke (biasing disabled for the type). The caller is
// inside an operation; on return the word may be neutral, stack-locked by
// its former owner, or stale-biased and ready for a CAS rebias.
func (rt *Runtime) revokeBias(obj *Object, self *Thread) {
	mark := obj.Mark()
	if !mark.HasBiasPattern() {
		return
	}
	k := obj.klass

	switch k.updateHeuristics(&rt.cfg, time.Now()) {
	case bulkRebias:
		rt.log.Debugf("bulk rebias of klass %s", k.name)
		rt.coord.RunAtSafepoint(self, func(sp *Safepoint) {
			rt.bulkRebias(sp, k)
		})
		// The requester's own entry retries and picks the bias up with a
		// plain stale-epoch CAS, no further coordination.

	case bulkRevoke:
		rt.log.Debugf("bulk revoke of klass %s", k.name)
		rt.coord.RunAtSafepoint(self, func(sp *Safepoint) {
			rt.bulkRevoke(sp, k, obj)
		})

	default:
		rt.singleRevoke(obj, self)
	}
}

// singleRevoke revokes the bias of the one object. The coordination cost
// depends on who holds the bias: anonymous needs one CAS, self walks its
// own stack, a live owner costs a handshake, a dead one a safepoint.
func (rt *Runtime) singleRevoke(obj *Object, self *Thread) {
	for {
		mark := obj.Mark()
		if !mark.HasBiasPattern() {
			return
		}
		owner := mark.BiasedOwner()

		if owner == 0 {
			// Anonymous: no thread's stack can reference it, a CAS to the
			// unbiased word is the whole revocation.
			if obj.casMark(mark, Prototype().WithAge(mark.Age())) {
				rt.counters.revoked.n.Add(1)
				return
			}
			continue // lost to a bias acquire or another revoker
		}

		if owner == self.owner {
			rt.walkStackAndRevoke(obj, self)
			rt.counters.revoked.n.Add(1)
			return
		}

		target, ok := rt.threads.Load(owner)
		if !ok {
			// The owner detached; nobody is left to handshake with.
			rt.coord.RunAtSafepoint(self, func(*Safepoint) {
				rt.revokeAtSafepoint(obj)
			})
			rt.counters.revoked.n.Add(1)
			return
		}

		rt.counters.handshakes.n.Add(1)
		rt.log.Debugf("handshake: revoking bias of %s instance held by %s", obj.klass.name, target.name)
		rt.coord.RunHandshake(self, target, func() {
			rt.walkStackAndRevoke(obj, target)
		})
		rt.counters.revoked.n.Add(1)
		return
	}
}

// revokeAtSafepoint revokes whatever bias obj still carries with the world
// stopped.
func (rt *Runtime) revokeAtSafepoint(obj *Object) {
	mark := obj.Mark()
	if !mark.HasBiasPattern() {
		return
	}
	if owner := mark.BiasedOwner(); owner != 0 {
		if target, ok := rt.threads.Load(owner); ok {
			rt.walkStackAndRevoke(obj, target)
			return
		}
		// Owner gone: it cannot be holding the lock anymore.
	}
	obj.setMark(Prototype().WithAge(mark.Age()))
}

// walkStackAndRevoke reverts obj from biased to the state the conventional
// scheme would have produced: stack-locked by the biaser if it currently
// holds the lock (with the recursion structure reconstructed from its lock
// records), plain neutral otherwise.
//
// The caller must be the biaser itself, hold the biaser pinned via a
// handshake, or be at a safepoint; the plain header store relies on that.
func (rt *Runtime) walkStackAndRevoke(obj *Object, biaser *Thread) {
	mark := obj.Mark()
	if !mark.HasBiasPattern() || mark.BiasedOwner() != biaser.owner {
		return // another revoker got here first
	}

	// No hash is ever tracked while biased, so the displaced header is the
	// neutral word carrying only the age.
	unbiased := Prototype().WithAge(mark.Age())

	// All of the biaser's records for obj in one pass: the outermost gets
	// the real displaced header, every inner one becomes a recursion
	// marker. A partial walk would leave the markers inconsistent.
	var outermost *LockRecord
	biaser.ForEachLockRecord(func(rec *LockRecord) bool {
		if rec.obj == obj {
			if outermost == nil {
				outermost = rec
				rec.setDisplaced(unbiased)
			} else {
				rec.setDisplaced(0)
			}
		}
		return true
	})

	if outermost != nil {
		obj.setMark(EncodeLockRecord(outermost.ref))
	} else {
		obj.setMark(unbiased)
	}
}

// bulkRebias invalidates every outstanding bias of klass k at once by
// advancing the type's epoch. No unlocked instance is touched: their now
// stale biases are picked up lazily by the next entry's CAS. Instances
// found locked on a thread's stack keep a valid bias by moving to the new
// epoch, since their owners legitimately hold them.
func (rt *Runtime) bulkRebias(sp *Safepoint, k *Klass) {
	if !k.BiasingEnabled() {
		return // a bulk revoke won the race to the safepoint
	}
	k.IncrementEpoch(sp)
	epoch := k.BiasEpoch()

	rt.coord.eachThread(func(t *Thread) {
		t.ForEachLockRecord(func(rec *LockRecord) bool {
			o := rec.obj
			if o != nil && o.klass == k {
				if m := o.Mark(); m.HasBiasPattern() && m.BiasedOwner() == t.owner {
					o.setMark(m.WithBiasEpoch(epoch))
				}
			}
			return true
		})
	})
	k.noteBulkOperation(time.Now())
}

// bulkRevoke disables biasing for klass k: the prototype reverts to the
// neutral word so new instances start unbiased, and every instance found
// locked on a stack is revoked here. Unlocked biased instances are revoked
// lazily, since the fast path sees the prototype mismatch and falls through
// to revocation on next contact.
func (rt *Runtime) bulkRevoke(sp *Safepoint, k *Klass, trigger *Object) {
	if k.BiasingEnabled() {
		k.SetPrototypeHeader(sp, Prototype())

		rt.coord.eachThread(func(t *Thread) {
			t.ForEachLockRecord(func(rec *LockRecord) bool {
				o := rec.obj
				if o != nil && o.klass == k {
					if m := o.Mark(); m.HasBiasPattern() && m.BiasedOwner() == t.owner {
						rt.walkStackAndRevoke(o, t)
					}
				}
				return true
			})
		})
		k.noteBulkOperation(time.Now())
	}

	// The triggering object comes out unbiased either way, so the requester
	// never re-enters revocation for it.
	rt.revokeAtSafepoint(trigger)
	rt.counters.revoked.n.Add(1)
}

// RevokeBias explicitly revokes obj's bias on behalf of self, applying the
// same heuristics as a contended entry.
func (rt *Runtime) RevokeBias(obj *Object, self *Thread) {
	rt.coord.beginOp(self)
	rt.revokeBias(obj, self)
	rt.coord.endOp(self)
}

// RevokeOwnBias revokes a bias held by self without any coordination, as
// the stack being walked is the caller's own. Objects biased elsewhere are
// left alone.
func (rt *Runtime) RevokeOwnBias(obj *Object, self *Thread) {
	rt.coord.beginOp(self)
	if mark := obj.Mark(); mark.HasBiasPattern() && mark.BiasedOwner() == self.owner {
		rt.walkStackAndRevoke(obj, self)
		rt.counters.revoked.n.Add(1)
	}
	rt.coord.endOp(self)
}
