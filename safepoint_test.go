package biaslock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestHandshakeOnIdleThread(t *testing.T) {
	rt := newTestRuntime()
	a := rt.NewThread("a")
	b := rt.NewThread("b")

	var ran atomic.Bool
	rt.Coordinator().RunHandshake(a, b, func() {
		// The target must be pinned, not merely observed quiescent.
		if got := b.qstate.Load(); got != tsPinned {
			t.Errorf("target state during handshake = %d, want pinned", got)
		}
		ran.Store(true)
	})
	if !ran.Load() {
		t.Fatalf("handshake action did not run")
	}
	if got := b.qstate.Load(); got != tsSafe {
		t.Errorf("target state after handshake = %d, want safe", got)
	}
}

func TestHandshakeWithSelf(t *testing.T) {
	rt := newTestRuntime()
	a := rt.NewThread("a")

	ran := false
	rt.Coordinator().RunHandshake(a, a, func() { ran = true })
	if !ran {
		t.Fatalf("self-handshake did not run")
	}
}

func TestHandshakeOnExitedThread(t *testing.T) {
	rt := newTestRuntime()
	a := rt.NewThread("a")
	b := rt.NewThread("b")
	b.Detach()

	ran := false
	rt.Coordinator().RunHandshake(a, b, func() { ran = true })
	if !ran {
		t.Fatalf("handshake on exited thread did not run")
	}
}

func TestHandshakeWaitsForRunningTarget(t *testing.T) {
	rt := newTestRuntime()
	a := rt.NewThread("a")
	b := rt.NewThread("b")

	// Hold b in the running state for a while, as if mid-operation.
	rt.Coordinator().beginOp(b)

	var done atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.Coordinator().RunHandshake(a, b, func() { done.Store(true) })
	}()

	time.Sleep(50 * time.Millisecond)
	if done.Load() {
		t.Fatalf("handshake ran while the target was running")
	}
	rt.Coordinator().endOp(b)
	wg.Wait()
	if !done.Load() {
		t.Fatalf("handshake never ran")
	}
}

func TestCrossHandshakesComplete(t *testing.T) {
	rt := newTestRuntime()
	a := rt.NewThread("a")
	b := rt.NewThread("b")
	c := rt.Coordinator()

	// Both threads are mid-operation and each needs the other quiescent,
	// the state two concurrent entries on mutually-biased objects produce.
	// Neither can be pinned, so both must degrade and still complete.
	c.beginOp(a)
	c.beginOp(b)

	var ran atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.RunHandshake(a, b, func() { ran.Add(1) })
		c.endOp(a)
	}()
	go func() {
		defer wg.Done()
		c.RunHandshake(b, a, func() { ran.Add(1) })
		c.endOp(b)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("cross handshakes deadlocked: %d of 2 ran", ran.Load())
	}
	if got := ran.Load(); got != 2 {
		t.Fatalf("handshake actions ran = %d, want 2", got)
	}
}

func TestSafepointRunsAction(t *testing.T) {
	rt := newTestRuntime()
	a := rt.NewThread("a")
	rt.NewThread("b")

	var got *Safepoint
	rt.Coordinator().RunAtSafepoint(a, func(sp *Safepoint) { got = sp })
	if got == nil {
		t.Fatalf("safepoint action did not run or got no token")
	}

	// The requester must be able to lock again afterwards.
	k := rt.NewKlass("after")
	obj := rt.NewObject(k)
	rt.Enter(obj, a)
	rt.Exit(obj, a)
}

func TestSafepointsSerialize(t *testing.T) {
	rt := newTestRuntime()
	c := rt.Coordinator()

	var inside atomic.Int32
	var wg sync.WaitGroup
	const n = 4
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			c.RunAtSafepoint(nil, func(*Safepoint) {
				if v := inside.Add(1); v != 1 {
					t.Errorf("overlapping safepoints: %d inside", v)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
			})
		}()
	}
	wg.Wait()
}

func TestSafepointParksEnteringThreads(t *testing.T) {
	rt := newTestRuntime()
	k := rt.NewKlass("parked")
	obj := rt.NewObject(k)
	c := rt.Coordinator()

	release := make(chan struct{})
	spEntered := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.RunAtSafepoint(nil, func(*Safepoint) {
			close(spEntered)
			<-release
		})
	}()
	<-spEntered

	var finished atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		th := rt.NewThread("late")
		rt.Enter(obj, th)
		rt.Exit(obj, th)
		finished.Store(true)
	}()

	time.Sleep(50 * time.Millisecond)
	if finished.Load() {
		t.Fatalf("lock operation ran during an active safepoint")
	}
	close(release)
	wg.Wait()
	if !finished.Load() {
		t.Fatalf("parked thread never released")
	}
}

func TestBlockedThreadDoesNotStallSafepoint(t *testing.T) {
	rt := newTestRuntime()
	k := rt.NewKlass("stall")
	obj := rt.NewObject(k)
	a := rt.NewThread("a")

	rt.Enter(obj, a)
	rt.RevokeOwnBias(obj, a)

	// b blocks on the inflated monitor; while parked it counts as
	// quiescent, so a safepoint must still complete promptly.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b := rt.NewThread("b")
		rt.Enter(obj, b)
		rt.Exit(obj, b)
		b.Detach()
	}()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		rt.Coordinator().RunAtSafepoint(nil, func(*Safepoint) {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("safepoint stalled behind a blocked thread")
	}

	rt.Exit(obj, a)
	wg.Wait()
}
