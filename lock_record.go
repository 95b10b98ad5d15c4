package biaslock

import (
	"github.com/llxisdsh/biaslock/internal/opt"
)

// LockRecord is the small, relocatable, thread-owned record used by the
// conventional (non-biased) fast-lock path. While an object is
// lightweight-locked its header word points at the record, and the record
// holds the displaced header.
//
// A displaced value of zero means "recursive lock": the unlock for that
// record is a no-op, and only the outermost record carries the real header.
// The same zero convention is what bias revocation reconstructs when it
// rewrites a biased owner's stack.
type LockRecord struct {
	ref   RecordRef
	owner *Thread
	obj   *Object

	// displaced is written by the owner before the record is published via
	// CAS on the object word, and by revokers inside a handshake that holds
	// the owner quiescent. It is read by whoever wins the word's CAS.
	displaced MarkWord
}

// Ref returns the handle encoded into Locked words referencing this record.
func (r *LockRecord) Ref() RecordRef {
	return r.ref
}

// Owner returns the thread whose stack holds this record.
func (r *LockRecord) Owner() *Thread {
	return r.owner
}

// Object returns the object this record locks, nil when the record is free.
func (r *LockRecord) Object() *Object {
	return r.obj
}

// Displaced returns the displaced header held by this record. Zero means
// the record marks a recursive acquisition.
func (r *LockRecord) Displaced() MarkWord {
	return r.displaced
}

// setDisplaced is used by revocation while the owner is held quiescent.
func (r *LockRecord) setDisplaced(m MarkWord) {
	r.displaced = m
}

// Relocate moves the record's payload to dst, e.g. across a frame
// transition. If the displaced word is neutral the object is locked through
// *this* record, so the lock is inflated first and only then copied: the
// monitor encoding is location-independent, whereas moving a live stack
// lock reference would leave the object word pointing at a stale record.
// Displaced values of zero (recursive) or the unused marker are already
// location-independent and copy as-is.
func (r *LockRecord) Relocate(rt *Runtime, dst *LockRecord) {
	if opt.Checks_ {
		opt.Assert_(dst != nil && dst != r, "biaslock: bad relocation target")
	}
	if r.displaced.IsNeutral() {
		// Inflation may already have happened; then this is a no-op. Once
		// inflated nobody looks at the displaced header through the old
		// record again.
		rt.inflate(r.obj, r.owner)
	}
	dst.obj = r.obj
	dst.displaced = r.displaced
}
