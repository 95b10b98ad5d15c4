package biaslock

import (
	"github.com/llxisdsh/biaslock/internal/opt"
)

// MarkWord is the header word of an [Object]. A single 64-bit value encodes
// the object's identity hash, its age, and its lock state, with the
// interpretation of the upper bits selected by the low-order tag bits:
//
//	unused:25 hash:31 gap:1 age:4 biased:1 lock:2   (normal object)
//	owner:54        epoch:2 gap:1 age:4 biased:1 lock:2   (biased object)
//
// The two lock bits describe four states:
//
//	[ref            | 00]  locked     ref is a RecordRef to the stack lock
//	                                  record holding the displaced word
//	[header     | 0 | 01]  unlocked   regular object header
//	[ref            | 10]  monitor    inflated lock (tag XORed in)
//	[ref            | 11]  marked     transient GC forwarding marker
//	[owner | epoch | age | 1 | 01]    biased toward owner (0 = anonymous)
//
// The lock bits are always the two least-significant bits so that
// reference-valued encodings keep their natural alignment. Owner handles are
// aligned to [BiasAlignment] so the epoch, age, biased and lock fields never
// alias owner bits.
//
// The hash field is capped at 31 bits regardless of word width: downstream
// consumers must be able to mask it into a 32-bit-safe value.
//
// The all-zero word is not a valid state; it is the transient
// "inflation in progress" sentinel, see [MarkWord.IsBeingInflated].
type MarkWord uint64

// Owner identifies the thread a lock is biased toward. It is an aligned
// numeric handle (a multiple of [BiasAlignment]), never a raw pointer, so it
// can be embedded in a MarkWord and resolved through the runtime's thread
// registry. Zero means "anonymously biased".
type Owner uintptr

// RecordRef is the handle of a stack lock record. Its low two bits are
// always zero so it can be stored in a Locked-tagged word unchanged.
type RecordRef uintptr

// MonitorRef is the handle of a heavyweight monitor. Its low two bits are
// always zero; the Monitor tag is XORed in rather than ORed so decoding
// verifies one extra bit.
type MonitorRef uintptr

// Field widths and shifts. The biased locking code requires the age bits to
// be contiguous to the lock bits.
const (
	lockBits       = 2
	biasedLockBits = 1
	ageBits        = 4
	epochBits      = 2
	unusedGapBits  = 1

	lockShift       = 0
	biasedLockShift = lockBits
	ageShift        = lockBits + biasedLockBits
	unusedGapShift  = ageShift + ageBits
	hashShift       = unusedGapShift + unusedGapBits
	epochShift      = hashShift

	// hashBits is capped at 31 even though the word could hold more, see
	// the MarkWord doc comment.
	maxHashBits = 64 - ageBits - lockBits - biasedLockBits
	hashBits    = 31
)

const (
	lockMask              = (1 << lockBits) - 1
	lockMaskInPlace       = lockMask << lockShift
	biasedLockMask        = (1 << (lockBits + biasedLockBits)) - 1
	biasedLockMaskInPlace = biasedLockMask << lockShift
	biasedLockBitInPlace  = 1 << biasedLockShift
	ageMask               = (1 << ageBits) - 1
	ageMaskInPlace        = ageMask << ageShift
	epochMask             = (1 << epochBits) - 1
	epochMaskInPlace      = epochMask << epochShift
	hashMask              = (1 << hashBits) - 1
	hashMaskInPlace       = hashMask << hashShift
)

const (
	lockedValue       = 0 // 0b0_00
	unlockedValue     = 1 // 0b0_01
	monitorValue      = 2 // 0b0_10
	markedValue       = 3 // 0b0_11
	biasedLockPattern = 5 // 0b1_01

	noHash = 0 // no identity hash assigned yet

	// MaxAge is the saturation point of the age field.
	MaxAge = ageMask
	// MaxBiasEpoch is the largest value the epoch field can hold.
	MaxBiasEpoch = epochMask

	// BiasAlignment is the required alignment of Owner handles encoded in a
	// biased MarkWord. It leaves the epoch, age, biased and lock bits free
	// below the handle.
	BiasAlignment = 2 << (epochShift + epochBits)
)

// LockState is the coarse classification of a MarkWord by its 2-bit tag.
type LockState uint8

const (
	StateLocked  LockState = iota // stack lock record installed
	StateUnlocked                 // regular header (neutral or biased)
	StateMonitor                  // inflated heavyweight lock
	StateMarked                   // transient GC marker
)

func (s LockState) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	case StateMonitor:
		return "monitor"
	default:
		return "marked"
	}
}

// Prototype returns the header every plain object starts with: unbiased,
// unlocked, no hash, age 0.
func Prototype() MarkWord {
	return noHash<<hashShift | unlockedValue
}

// BiasedPrototype returns the header instances of a biasable klass start
// with: anonymously biased at epoch 0.
func BiasedPrototype() MarkWord {
	return biasedLockPattern
}

// Inflating returns the transient all-zero sentinel installed while a stack
// lock is being inflated. Readers observing it must retry, never decode it.
func Inflating() MarkWord {
	return 0
}

// Value returns the raw word.
//
//go:nosplit
func (m MarkWord) Value() uint64 {
	return uint64(m)
}

// Classify returns the coarse state selected by the 2-bit tag.
//
//go:nosplit
func (m MarkWord) Classify() LockState {
	return LockState(m & lockMaskInPlace)
}

// IsLocked reports whether some thread holds the lock in any form (stack
// lock, monitor, or the marked state used during collection).
//
//go:nosplit
func (m MarkWord) IsLocked() bool {
	return m&lockMaskInPlace != unlockedValue
}

// IsUnlocked reports whether the word is a regular unlocked, unbiased
// header.
//
//go:nosplit
func (m MarkWord) IsUnlocked() bool {
	return m&biasedLockMaskInPlace == unlockedValue
}

// IsMarked reports whether the word is a transient GC marker.
//
//go:nosplit
func (m MarkWord) IsMarked() bool {
	return m&lockMaskInPlace == markedValue
}

// IsNeutral reports whether the word is unlocked and unbiased, regardless of
// hash or age. This is the canonical "safe default" predicate.
//
//go:nosplit
func (m MarkWord) IsNeutral() bool {
	return m&biasedLockMaskInPlace == unlockedValue
}

// IsBeingInflated reports whether the word is the transient zero sentinel
// installed mid-inflation. Any reader observing it must spin until the
// inflating thread installs the real Monitor-tagged word.
//
//go:nosplit
func (m MarkWord) IsBeingInflated() bool {
	return m == 0
}

// HasBiasPattern reports whether the word is in the biased layout
// (lock=Unlocked and the biased bit set).
//
//go:nosplit
func (m MarkWord) HasBiasPattern() bool {
	return m&biasedLockMaskInPlace == biasedLockPattern
}

// IsBiasedAnonymously reports whether the bias bit is set but the word is
// not yet biased toward a particular thread.
//
//go:nosplit
func (m MarkWord) IsBiasedAnonymously() bool {
	return m.HasBiasPattern() && m.BiasedOwner() == 0
}

// BiasedOwner returns the owner handle of a biased word, 0 for an anonymous
// bias. Calling it on a non-biased word is a contract violation.
//
//go:nosplit
func (m MarkWord) BiasedOwner() Owner {
	if opt.Checks_ {
		opt.Assert_(m.HasBiasPattern(), "biaslock: BiasedOwner on non-biased word")
	}
	return Owner(m &^ (biasedLockMaskInPlace | ageMaskInPlace | epochMaskInPlace))
}

// BiasEpoch returns the epoch the bias was acquired in. Biases from earlier
// epochs are invalid; the fast path detects them lazily and rebiases with a
// CAS instead of a safepoint.
//
//go:nosplit
func (m MarkWord) BiasEpoch() uint32 {
	if opt.Checks_ {
		opt.Assert_(m.HasBiasPattern(), "biaslock: BiasEpoch on non-biased word")
	}
	return uint32(m&epochMaskInPlace) >> epochShift
}

// WithBiasEpoch returns the word with the epoch field replaced. The epoch
// must fit the field.
func (m MarkWord) WithBiasEpoch(epoch uint32) MarkWord {
	if opt.Checks_ {
		opt.Assert_(m.HasBiasPattern(), "biaslock: WithBiasEpoch on non-biased word")
		opt.Assert_(epoch <= MaxBiasEpoch, "biaslock: bias epoch overflow")
	}
	return m&^epochMaskInPlace | MarkWord(epoch)<<epochShift
}

// IncrBiasEpoch returns the word with the epoch advanced by one, wrapping at
// the field width. Wraparound is benign: a stale bias is only ever
// re-validated via CAS.
func (m MarkWord) IncrBiasEpoch() MarkWord {
	return m.WithBiasEpoch((m.BiasEpoch() + 1) & epochMask)
}

// Age returns the object's age (GC survival count).
//
//go:nosplit
func (m MarkWord) Age() uint32 {
	return uint32(m>>ageShift) & ageMask
}

// WithAge returns the word with the age field replaced. The age must fit the
// field.
func (m MarkWord) WithAge(age uint32) MarkWord {
	if opt.Checks_ {
		opt.Assert_(age <= MaxAge, "biaslock: age overflow")
	}
	return m&^ageMaskInPlace | MarkWord(age&ageMask)<<ageShift
}

// IncrAge returns the word with the age advanced by one. The age saturates
// at MaxAge: incrementing past the maximum is a no-op, never a wrap.
func (m MarkWord) IncrAge() MarkWord {
	if m.Age() == MaxAge {
		return m
	}
	return m.WithAge(m.Age() + 1)
}

// Hash returns the identity hash, or 0 if none has been assigned. Only
// meaningful while the word is in the normal (unbiased) layout.
//
//go:nosplit
func (m MarkWord) Hash() uint32 {
	return uint32(m>>hashShift) & hashMask
}

// HasNoHash reports whether no identity hash has been assigned yet.
//
//go:nosplit
func (m MarkWord) HasNoHash() bool {
	return m.Hash() == noHash
}

// WithHash returns the word with the identity hash field replaced. The hash
// is masked to the 31-bit field width; age and lock bits are untouched.
func (m MarkWord) WithHash(hash uint32) MarkWord {
	return m&^hashMaskInPlace | MarkWord(hash&hashMask)<<hashShift
}

// HasLocker reports whether the word encodes a stack lock record.
//
//go:nosplit
func (m MarkWord) HasLocker() bool {
	return m&lockMaskInPlace == lockedValue
}

// LockRecord returns the stack lock record handle of a Locked word.
//
//go:nosplit
func (m MarkWord) LockRecord() RecordRef {
	if opt.Checks_ {
		opt.Assert_(m.HasLocker(), "biaslock: LockRecord on non-locked word")
	}
	return RecordRef(m)
}

// HasMonitor reports whether the monitor tag bit is set.
//
//go:nosplit
func (m MarkWord) HasMonitor() bool {
	return m&monitorValue != 0
}

// Monitor returns the monitor handle of a Monitor-tagged word. The tag is
// removed by XOR rather than masking: a mis-tagged word yields a handle with
// a stray low bit, which the registry lookup then rejects.
//
//go:nosplit
func (m MarkWord) Monitor() MonitorRef {
	if opt.Checks_ {
		opt.Assert_(m.HasMonitor(), "biaslock: Monitor on non-monitor word")
	}
	return MonitorRef(m ^ monitorValue)
}

// HasDisplacedMark reports whether the word references a location holding a
// displaced header (a stack lock record or a monitor).
//
//go:nosplit
func (m MarkWord) HasDisplacedMark() bool {
	return m&unlockedValue == 0
}

// SetUnlocked returns the word with the unlocked tag set.
func (m MarkWord) SetUnlocked() MarkWord {
	return m | unlockedValue
}

// SetMarked returns the word re-tagged as a GC marker.
func (m MarkWord) SetMarked() MarkWord {
	return m&^lockMaskInPlace | markedValue
}

// SetUnmarked returns the word re-tagged as a regular unlocked header.
func (m MarkWord) SetUnmarked() MarkWord {
	return m&^lockMaskInPlace | unlockedValue
}

// ClearLockBits returns the word with the tag bits cleared, used when
// encoding forwarding references during collection.
func (m MarkWord) ClearLockBits() MarkWord {
	return m &^ lockMaskInPlace
}

// EncodeLockRecord returns a Locked word referencing the given stack lock
// record. The handle's low bits must be clear (they carry the tag).
func EncodeLockRecord(ref RecordRef) MarkWord {
	if opt.Checks_ {
		opt.Assert_(ref != 0, "biaslock: zero record ref")
		opt.Assert_(ref&lockMask == 0, "biaslock: misaligned record ref")
	}
	return MarkWord(ref) | lockedValue
}

// EncodeMonitor returns a Monitor-tagged word referencing the given
// heavyweight monitor.
func EncodeMonitor(ref MonitorRef) MarkWord {
	if opt.Checks_ {
		opt.Assert_(ref != 0, "biaslock: zero monitor ref")
		opt.Assert_(ref&lockMask == 0, "biaslock: misaligned monitor ref")
	}
	return MarkWord(ref) | monitorValue
}

// EncodeBiased returns a word biased toward the given owner at the given age
// and epoch. The owner handle must satisfy the [BiasAlignment] invariant or
// its bits would alias the epoch, age and tag fields.
func EncodeBiased(owner Owner, age, epoch uint32) MarkWord {
	if opt.Checks_ {
		opt.Assert_(owner&(epochMaskInPlace|ageMaskInPlace|biasedLockMaskInPlace) == 0,
			"biaslock: misaligned owner handle")
		opt.Assert_(age <= MaxAge, "biaslock: age overflow")
		opt.Assert_(epoch <= MaxBiasEpoch, "biaslock: bias epoch overflow")
	}
	return MarkWord(owner) |
		MarkWord(epoch)<<epochShift |
		MarkWord(age)<<ageShift |
		biasedLockPattern
}
