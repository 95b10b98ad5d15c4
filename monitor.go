package biaslock

import (
	"sync/atomic"

	"github.com/llxisdsh/biaslock/internal/opt"
)

// Monitor is the heavyweight lock an object's lightweight lock inflates to
// under contention. It supports blocking entry (parked on a semaphore, not a
// spin), recursion, and holds the header displaced at inflation time so the
// hash and age survive while the object stays inflated.
type Monitor struct {
	_   noCopy
	ref MonitorRef
	obj *Object

	// header is the displaced mark captured at inflation. Identity hash
	// assignment on an inflated object CASes into this word.
	header atomic.Uint64

	// owner/recursions track the holding thread. owner is written with CAS
	// on acquisition and a plain atomic store on release.
	owner      atomic.Uintptr // Owner handle, 0 = unowned
	recursions uint32         // guarded by ownership

	// Benaphore-style entry queue: waiters counts contenders, sema parks
	// them. Same parking primitive the rest of the module uses.
	waiters atomic.Int32
	sema    opt.Sema
}

// Ref returns the handle encoded into Monitor-tagged words.
func (m *Monitor) Ref() MonitorRef {
	return m.ref
}

// Object returns the object this monitor locks.
func (m *Monitor) Object() *Object {
	return m.obj
}

// Header returns the displaced header captured at inflation.
func (m *Monitor) Header() MarkWord {
	return MarkWord(m.header.Load())
}

func (m *Monitor) casHeader(old, new MarkWord) bool {
	return m.header.CompareAndSwap(uint64(old), uint64(new))
}

// OwnedBy reports whether the monitor is currently held by the given owner.
func (m *Monitor) OwnedBy(o Owner) bool {
	return Owner(m.owner.Load()) == o
}

// enter acquires the monitor for t, blocking if another thread holds it.
// Recursive entry by the holder only bumps the recursion count. The wait is
// a blocking region: the thread counts as quiescent while parked, so
// safepoints and handshakes are never held up by monitor contention.
func (m *Monitor) enter(t *Thread) {
	self := uintptr(t.owner)
	if m.owner.Load() == self {
		m.recursions++
		return
	}
	if m.waiters.Add(1) > 1 {
		t.rt.coord.blockingRegion(t, m.sema.Acquire)
	}
	if opt.Checks_ {
		opt.Assert_(m.owner.Load() == 0, "biaslock: monitor handoff to busy monitor")
	}
	m.owner.Store(self)
}

// exit releases the monitor. The caller must hold it.
func (m *Monitor) exit(t *Thread) {
	if opt.Checks_ {
		opt.Assert_(m.owner.Load() == uintptr(t.owner), "biaslock: monitor exit by non-owner")
	}
	if m.recursions > 0 {
		m.recursions--
		return
	}
	m.owner.Store(0)
	if m.waiters.Add(-1) > 0 {
		m.sema.Release()
	}
}

// adoptStackLock transfers ownership from a stack lock found during
// inflation: the inflating CAS already excluded everyone else, so plain
// stores suffice. Recursive stack records keep their zero displaced values;
// their unlocks stay no-ops and only the outermost unlock reaches exit.
func (m *Monitor) adoptStackLock(owner *Thread, displaced MarkWord) {
	m.header.Store(uint64(displaced))
	m.waiters.Add(1)
	m.owner.Store(uintptr(owner.owner))
}
