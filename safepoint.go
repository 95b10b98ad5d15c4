package biaslock

import (
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/llxisdsh/biaslock/internal/opt"
)

// Coordinator provides the two suspension primitives the biasing protocol
// needs: a handshake (run an action while one thread is provably quiescent)
// and a safepoint (run an action with every registered thread quiescent).
//
// Threads are quiescent between operations, while blocked, and while parked
// at a safepoint. A handshake pins its target in that state; a safepoint
// raises a global flag and waits for every running thread to finish its
// current operation. Parked threads wait on a generation-stamped gate:
//
//	gate 64-bit:
//	  High 32: Generation
//	  Low 32:  Parked waiter count
//
// with double-buffered semaphores so wakeups of generation N can never be
// stolen by threads parking for generation N+1.
type Coordinator struct {
	_   noCopy
	log commonlog.Logger

	// mu serializes safepoints. Threads block on it inside a blocking
	// region, so a queued safepoint requester never holds up another one.
	mu sync.Mutex

	spActive atomic.Uint32
	gate     atomic.Uint64
	sema     [2]opt.Sema

	tmu     sync.Mutex
	threads []*Thread
}

// Safepoint is the token proving the holder is inside a stop-the-world
// action. APIs that must only run with all threads quiescent (epoch and
// prototype mutation, bulk revocation) take it as a parameter, making the
// exclusivity requirement part of their signature.
type Safepoint struct {
	_ noCopy
	c *Coordinator
}

func newCoordinator() *Coordinator {
	return &Coordinator{log: commonlog.GetLogger("biaslock.safepoint")}
}

func (c *Coordinator) register(t *Thread) {
	c.tmu.Lock()
	c.threads = append(c.threads, t)
	c.tmu.Unlock()
}

func (c *Coordinator) unregister(t *Thread) {
	c.tmu.Lock()
	for i, cur := range c.threads {
		if cur == t {
			c.threads = append(c.threads[:i], c.threads[i+1:]...)
			break
		}
	}
	c.tmu.Unlock()
}

// eachThread calls fn for every currently registered thread. Used by the
// bulk operations, which run at a safepoint where the set is stable.
func (c *Coordinator) eachThread(fn func(*Thread)) {
	c.tmu.Lock()
	threads := make([]*Thread, len(c.threads))
	copy(threads, c.threads)
	c.tmu.Unlock()
	for _, t := range threads {
		fn(t)
	}
}

// handshakePinAttempts bounds how long a handshake requester tries to pin
// its target before degrading to a safepoint. A target stuck in the running
// state may itself be a requester spinning to pin us (two threads revoking
// each other's biases), so waiting unboundedly can deadlock.
const handshakePinAttempts = 64

// RunHandshake executes fn while target is provably not mutating any lock
// word: either pinned in its quiescent state, or already exited. It blocks
// until the action ran and never fails; a caller that cannot name a live
// target thread uses RunAtSafepoint instead.
func (c *Coordinator) RunHandshake(self, target *Thread, fn func()) {
	if target == self {
		fn()
		return
	}
	var spins int
	for range handshakePinAttempts {
		if target.exited.Load() {
			// Nothing left to pin; the stack is frozen.
			fn()
			return
		}
		if target.qstate.CompareAndSwap(tsSafe, tsPinned) {
			fn()
			target.qstate.Store(tsSafe)
			return
		}
		delay(&spins)
	}
	// The target would not quiesce. Degrade to a safepoint: the requester
	// goes quiescent itself while coordinating, so two requesters trying to
	// pin each other serialize here instead of spinning forever, and a
	// requester still spinning above becomes pinnable the moment its
	// opponent reaches this fallback.
	c.RunAtSafepoint(self, func(*Safepoint) { fn() })
}

// RunAtSafepoint stops the world and runs fn with every registered thread
// quiescent. self is the requesting thread (nil for callers not bound to
// one); it counts as quiescent while coordinating and resumes its operation
// afterwards.
func (c *Coordinator) RunAtSafepoint(self *Thread, fn func(*Safepoint)) {
	wasRunning := self != nil && self.qstate.Load() == tsRunning
	if wasRunning {
		self.qstate.Store(tsSafe)
	}
	c.mu.Lock()
	c.spActive.Store(1)
	c.waitWorldStopped(self)
	c.log.Debug("safepoint reached")

	fn(&Safepoint{c: c})

	c.spActive.Store(0)
	c.releaseWorld()
	c.mu.Unlock()
	if wasRunning {
		c.resume(self)
	}
}

// waitWorldStopped spins until no registered thread other than self is
// inside an operation. A thread observed quiescent may still flip to
// running briefly, but it re-checks the safepoint flag before touching any
// lock word and parks, so the observation is safe to act on.
func (c *Coordinator) waitWorldStopped(self *Thread) {
	c.tmu.Lock()
	threads := make([]*Thread, len(c.threads))
	copy(threads, c.threads)
	c.tmu.Unlock()

	var spins int
	for _, t := range threads {
		if t == self {
			continue
		}
		for t.qstate.Load() == tsRunning && !t.exited.Load() {
			delay(&spins)
		}
	}
}

// parkAtSafepoint blocks the caller until the active safepoint completes.
// The gate CAS and releaseWorld operate on the same word, so a late parker
// either makes it into the woken count or fails the CAS and re-reads the
// flag.
func (c *Coordinator) parkAtSafepoint() {
	for {
		s := c.gate.Load()
		if c.spActive.Load() == 0 {
			return
		}
		if c.gate.CompareAndSwap(s, s+1) {
			c.sema[(s>>32)%2].Acquire()
			return
		}
	}
}

// releaseWorld wakes every thread parked for the current generation and
// starts the next one.
func (c *Coordinator) releaseWorld() {
	for {
		s := c.gate.Load()
		gen, count := s>>32, uint32(s)
		if c.gate.CompareAndSwap(s, (gen+1)<<32) {
			for range count {
				c.sema[gen%2].Release()
			}
			return
		}
	}
}

// beginOp transitions t from quiescent to running, parking first if a
// safepoint is in progress. The running state is taken optimistically and
// reverted if the flag went up in between: the thread has not touched any
// lock word yet at that point.
func (c *Coordinator) beginOp(t *Thread) {
	var spins int
	for {
		if c.spActive.Load() != 0 {
			c.parkAtSafepoint()
			continue
		}
		if t.qstate.CompareAndSwap(tsSafe, tsRunning) {
			if c.spActive.Load() == 0 {
				return
			}
			t.qstate.Store(tsSafe)
			c.parkAtSafepoint()
			continue
		}
		// Pinned by a handshake; wait it out.
		delay(&spins)
	}
}

// endOp returns t to its quiescent state.
//
//go:nosplit
func (c *Coordinator) endOp(t *Thread) {
	t.qstate.Store(tsSafe)
}

// resume is beginOp for a thread that temporarily went quiescent in the
// middle of an operation.
func (c *Coordinator) resume(t *Thread) {
	c.beginOp(t)
}

// blockingRegion runs block (typically a semaphore acquire) with t counted
// as quiescent, so monitor contention never holds up a safepoint or a
// handshake aimed at t.
func (c *Coordinator) blockingRegion(t *Thread, block func()) {
	wasRunning := t != nil && t.qstate.Load() == tsRunning
	if wasRunning {
		t.qstate.Store(tsSafe)
	}
	block()
	if wasRunning {
		c.resume(t)
	}
}
