package biaslock

import (
	"testing"
	"unsafe"
)

func TestMarkWordSize(t *testing.T) {
	var m MarkWord
	if size := unsafe.Sizeof(m); size != 8 {
		t.Errorf("MarkWord size = %d, want 8", size)
	}
}

func TestPrototypes(t *testing.T) {
	p := Prototype()
	if !p.IsNeutral() || p.IsLocked() || !p.HasNoHash() || p.Age() != 0 {
		t.Errorf("Prototype() = %#x, want neutral/unlocked/no-hash/age-0", p.Value())
	}
	if p.HasBiasPattern() {
		t.Errorf("Prototype() has bias pattern")
	}

	b := BiasedPrototype()
	if !b.HasBiasPattern() || !b.IsBiasedAnonymously() {
		t.Errorf("BiasedPrototype() = %#x, want anonymous bias", b.Value())
	}
	if b.BiasEpoch() != 0 || b.Age() != 0 {
		t.Errorf("BiasedPrototype() epoch=%d age=%d, want 0/0", b.BiasEpoch(), b.Age())
	}
	if b.IsNeutral() {
		t.Errorf("biased prototype classified neutral")
	}
	if b.Classify() != StateUnlocked {
		t.Errorf("biased prototype tag = %v, want unlocked", b.Classify())
	}
}

func TestInflatingSentinel(t *testing.T) {
	s := Inflating()
	if !s.IsBeingInflated() {
		t.Errorf("Inflating() not recognized")
	}
	// The sentinel shares the Locked tag but must never be treated as a
	// valid record reference.
	if !s.HasLocker() {
		t.Errorf("sentinel tag = %v, want locked", s.Classify())
	}
	if Prototype().IsBeingInflated() || BiasedPrototype().IsBeingInflated() {
		t.Errorf("non-zero word classified as inflating")
	}
}

func TestBiasedEncoding(t *testing.T) {
	owner := Owner(7 * BiasAlignment)
	m := EncodeBiased(owner, 9, 2)

	if !m.HasBiasPattern() {
		t.Fatalf("EncodeBiased lost the bias pattern: %#x", m.Value())
	}
	if got := m.BiasedOwner(); got != owner {
		t.Errorf("owner = %#x, want %#x", got, owner)
	}
	if got := m.Age(); got != 9 {
		t.Errorf("age = %d, want 9", got)
	}
	if got := m.BiasEpoch(); got != 2 {
		t.Errorf("epoch = %d, want 2", got)
	}
	if m.IsBiasedAnonymously() {
		t.Errorf("owned bias classified anonymous")
	}
}

func TestEpochWrap(t *testing.T) {
	m := EncodeBiased(Owner(BiasAlignment), 0, MaxBiasEpoch)
	m = m.IncrBiasEpoch()
	if got := m.BiasEpoch(); got != 0 {
		t.Errorf("epoch after wrap = %d, want 0", got)
	}
	if got := m.BiasedOwner(); got != Owner(BiasAlignment) {
		t.Errorf("epoch wrap perturbed owner: %#x", got)
	}
}

func TestAgeSaturation(t *testing.T) {
	m := Prototype()
	for range MaxAge + 10 {
		m = m.IncrAge()
	}
	if got := m.Age(); got != MaxAge {
		t.Errorf("age = %d, want saturation at %d", got, MaxAge)
	}
	if m.IncrAge() != m {
		t.Errorf("IncrAge at MaxAge is not idempotent")
	}
	if !m.IsNeutral() {
		t.Errorf("aging perturbed the tag: %#x", m.Value())
	}
}

func TestHashField(t *testing.T) {
	m := Prototype().WithAge(5)

	h := m.WithHash(0xDEADBEEF)
	// The field is 31 bits wide; the top bit of the input must be masked.
	if got := h.Hash(); got != 0xDEADBEEF&hashMask {
		t.Errorf("hash = %#x, want %#x", got, uint32(0xDEADBEEF&hashMask))
	}
	if h.Age() != 5 || !h.IsNeutral() {
		t.Errorf("WithHash perturbed age or tag: %#x", h.Value())
	}
	if h.HasNoHash() {
		t.Errorf("assigned hash reads back as none")
	}
	if !m.HasNoHash() || m.Hash() != noHash {
		t.Errorf("fresh word carries a hash: %#x", m.Hash())
	}
}

func TestRecordAndMonitorEncoding(t *testing.T) {
	ref := RecordRef(0x1230)
	m := EncodeLockRecord(ref)
	if m.Classify() != StateLocked || !m.HasLocker() {
		t.Fatalf("record word tag = %v", m.Classify())
	}
	if got := m.LockRecord(); got != ref {
		t.Errorf("record ref = %#x, want %#x", got, ref)
	}
	if !m.HasDisplacedMark() {
		t.Errorf("locked word has no displaced mark")
	}

	mref := MonitorRef(0x4560)
	w := EncodeMonitor(mref)
	if w.Classify() != StateMonitor || !w.HasMonitor() {
		t.Fatalf("monitor word tag = %v", w.Classify())
	}
	if got := w.Monitor(); got != mref {
		t.Errorf("monitor ref = %#x, want %#x", got, mref)
	}
	if !w.IsLocked() || w.IsNeutral() {
		t.Errorf("monitor word not classified locked")
	}
}

func TestMarkTransitions(t *testing.T) {
	m := Prototype().WithHash(0x1234).WithAge(3)

	marked := m.SetMarked()
	if !marked.IsMarked() {
		t.Fatalf("SetMarked tag = %v", marked.Classify())
	}
	if back := marked.SetUnmarked(); back != m {
		t.Errorf("mark round trip = %#x, want %#x", back.Value(), m.Value())
	}
	if cleared := m.ClearLockBits(); cleared&lockMaskInPlace != 0 {
		t.Errorf("ClearLockBits left tag bits: %#x", cleared.Value())
	}
	if relocked := m.ClearLockBits().SetUnlocked(); relocked != m {
		t.Errorf("SetUnlocked round trip = %#x, want %#x", relocked.Value(), m.Value())
	}
}

func TestBiasAlignmentCoversLowFields(t *testing.T) {
	// An owner handle at minimum alignment must survive encoding with every
	// low field at its maximum.
	m := EncodeBiased(Owner(BiasAlignment), MaxAge, MaxBiasEpoch)
	if got := m.BiasedOwner(); got != Owner(BiasAlignment) {
		t.Errorf("owner = %#x, want %#x", got, Owner(BiasAlignment))
	}
	if m.Age() != MaxAge || m.BiasEpoch() != MaxBiasEpoch {
		t.Errorf("fields clobbered: age=%d epoch=%d", m.Age(), m.BiasEpoch())
	}
}

func TestDecideBias(t *testing.T) {
	proto := BiasedPrototype()
	self := Owner(3 * BiasAlignment)
	other := Owner(4 * BiasAlignment)

	if a, next := decideBias(proto, proto, self); a != biasAcquire {
		t.Errorf("anonymous word: action %d", a)
	} else if next.BiasedOwner() != self {
		t.Errorf("anonymous word: next owner %#x", next.BiasedOwner())
	}
	if a, _ := decideBias(EncodeBiased(self, 0, 0), proto, self); a != biasOwned {
		t.Errorf("own bias: action %d", a)
	}
	if a, _ := decideBias(EncodeBiased(other, 0, 0), proto, self); a != biasRevoke {
		t.Errorf("foreign bias: action %d", a)
	}
	// A stale epoch downgrades even a foreign bias to a plain CAS rebias.
	if a, next := decideBias(EncodeBiased(other, 2, 0), proto.WithBiasEpoch(1), self); a != biasRebias {
		t.Errorf("stale epoch: action %d", a)
	} else if next.BiasedOwner() != self || next.BiasEpoch() != 1 || next.Age() != 2 {
		t.Errorf("stale epoch: next = %#x", next.Value())
	}
	// Biasing disabled for the type: any leftover bias must be revoked.
	if a, _ := decideBias(EncodeBiased(self, 0, 0), Prototype(), self); a != biasRevoke {
		t.Errorf("disabled type: action %d", a)
	}
	if a, _ := decideBias(Prototype(), proto, self); a != biasFallthrough {
		t.Errorf("neutral word: action %d", a)
	}
}
