package biaslock

import (
	"sync/atomic"

	"github.com/llxisdsh/biaslock/internal/opt"
)

// Thread quiescence states, see safepoint.go. A thread may only mutate lock
// words while running; while safe it is either between operations, blocked,
// or parked at a safepoint, and its lock record stack may be walked and
// mutated on its behalf.
const (
	tsSafe    uint32 = iota // quiescent: between ops, blocked, or parked
	tsRunning               // inside a lock/unlock operation
	tsPinned                // held quiescent by a handshake requester
)

// Thread is an explicit thread handle participating in the locking
// protocol. The caller binds one Thread per worker goroutine; the runtime
// never inspects goroutine identity itself.
//
// A Thread owns its lock record stack exclusively. Other threads touch it
// only inside a handshake or safepoint, which is itself the exclusion
// mechanism.
type Thread struct {
	_    noCopy
	rt   *Runtime
	name string

	// owner is the aligned numeric handle encoded into biased words. It is
	// a multiple of BiasAlignment so the epoch/age/tag fields never alias
	// handle bits.
	owner Owner

	// records is the lock record stack, outermost first. free recycles
	// popped records so a record keeps its registered ref for its lifetime.
	records []*LockRecord
	free    []*LockRecord

	// Quiescence state, driven by the coordinator. See the ts* constants.
	qstate atomic.Uint32
	exited atomic.Bool
}

// Name returns the thread name.
func (t *Thread) Name() string {
	return t.name
}

// Handle returns the owner handle encoded into words biased toward this
// thread.
func (t *Thread) Handle() Owner {
	return t.owner
}

// ForEachLockRecord walks the thread's lock records from outermost to
// innermost, stopping when fn returns false. The callback may mutate a
// record's displaced value in place.
//
// Callers other than the thread itself must hold the thread quiescent via a
// handshake or safepoint.
func (t *Thread) ForEachLockRecord(fn func(*LockRecord) bool) {
	for _, rec := range t.records {
		if !fn(rec) {
			return
		}
	}
}

// HeldRecords returns how many lock records the thread currently holds.
func (t *Thread) HeldRecords() int {
	return len(t.records)
}

func (t *Thread) pushRecord(obj *Object) *LockRecord {
	var rec *LockRecord
	if n := len(t.free); n > 0 {
		rec = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		rec = &LockRecord{ref: t.rt.newRecordRef(), owner: t}
		t.rt.records.Store(rec.ref, rec)
	}
	rec.obj = obj
	rec.displaced = 0
	t.records = append(t.records, rec)
	return rec
}

// popRecord removes rec from the record stack. Unlocks are usually
// perfectly nested so the innermost entry wins, but out-of-order release is
// legal and searched for.
func (t *Thread) popRecord(rec *LockRecord) {
	for i := len(t.records) - 1; i >= 0; i-- {
		if t.records[i] == rec {
			t.records = append(t.records[:i], t.records[i+1:]...)
			rec.obj = nil
			t.free = append(t.free, rec)
			return
		}
	}
	if opt.Checks_ {
		opt.Assert_(false, "biaslock: unbalanced unlock")
	}
}

// innermostRecordFor returns the most recently pushed record for obj, or
// nil.
func (t *Thread) innermostRecordFor(obj *Object) *LockRecord {
	for i := len(t.records) - 1; i >= 0; i-- {
		if t.records[i].obj == obj {
			return t.records[i]
		}
	}
	return nil
}

// Detach marks the thread as exited and removes it from the runtime. Any
// in-flight handshake aimed at it degrades to the safepoint path. The
// thread must not hold any locks.
func (t *Thread) Detach() {
	if opt.Checks_ {
		opt.Assert_(len(t.records) == 0, "biaslock: detaching thread still holds locks")
	}
	t.exited.Store(true)
	t.rt.coord.unregister(t)
	t.rt.threads.Delete(t.owner)
}
