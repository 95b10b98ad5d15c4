package biaslock

import (
	"sync/atomic"
)

// Object is a heap object participating in the locking protocol: a header
// word plus its klass. The header is the only datum mutated by multiple
// threads without exclusive ownership; all mutation goes through single-word
// CAS, or plain stores inside a handshake/safepoint that excludes the
// threads that could race.
type Object struct {
	_      noCopy
	klass  *Klass
	header atomic.Uint64
}

// Klass returns the object's type metadata.
func (o *Object) Klass() *Klass {
	return o.klass
}

// Mark returns the object's current header word.
//
//go:nosplit
func (o *Object) Mark() MarkWord {
	return MarkWord(o.header.Load())
}

func (o *Object) casMark(old, new MarkWord) bool {
	return o.header.CompareAndSwap(uint64(old), uint64(new))
}

// setMark stores the header without a CAS. Only valid inside a handshake or
// safepoint that excludes every thread that could mutate this word.
func (o *Object) setMark(m MarkWord) {
	o.header.Store(uint64(m))
}

// IncrAge advances the object's age, saturating at MaxAge. Used by copying
// collectors; it never perturbs the tag, bias, epoch or hash fields.
func (o *Object) IncrAge() {
	for {
		m := o.Mark()
		next := m.IncrAge()
		if next == m || o.casMark(m, next) {
			return
		}
	}
}

// MustBePreserved reports whether a header word carries information a
// collector cannot reconstruct from the klass prototype and so must be
// saved before the word is overwritten during a move: an assigned identity
// hash, a displaced lock state, a nonzero age, or a bias toward a specific
// thread. A word that is exactly the prototype (including an anonymous bias
// at the current epoch) needs no preservation.
func MustBePreserved(mark MarkWord, k *Klass) bool {
	if mark.HasBiasPattern() {
		if mark.BiasedOwner() != 0 || mark.Age() != 0 {
			return true
		}
		proto := k.PrototypeHeader()
		return !proto.HasBiasPattern() || mark.BiasEpoch() != proto.BiasEpoch()
	}
	return mark.IsLocked() || !mark.HasNoHash() || mark.Age() != 0
}
