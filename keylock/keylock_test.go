package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestManager(opts ...Option) *Manager {
	// Long sweep interval so sweeps only happen when a test forces one.
	base := []Option{WithSweepInterval(time.Hour), WithStaleAfter(time.Hour)}
	return NewManager(append(base, opts...)...)
}

func TestReadersShareWritersExclude(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	g1 := m.AcquireRead("k")
	g2 := m.AcquireRead("k")

	readers, writer, _ := m.Stats("k")
	if readers != 2 || writer {
		t.Fatalf("expected 2 readers and no writer, got readers=%d writer=%v", readers, writer)
	}

	acquired := make(chan struct{})
	go func() {
		g := m.AcquireWrite("k")
		close(acquired)
		g.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired while readers held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	g1.Release()
	g2.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired after readers released")
	}
}

func TestWriterExclusivityInvariant(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	var held int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := m.AcquireWrite("k")
			defer g.Release()
			if atomic.AddInt32(&held, 1) != 1 {
				t.Error("two writers held the lock concurrently")
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&held, -1)
		}()
	}
	wg.Wait()
}

func TestWriterPriorityOverLaterReaders(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	g := m.AcquireRead("k")

	writerGranted := make(chan struct{})
	writerRelease := make(chan struct{})
	go func() {
		w := m.AcquireWrite("k")
		close(writerGranted)
		<-writerRelease
		w.Release()
	}()

	// Let the writer queue up before the second reader arrives.
	for {
		if _, _, waiting := m.Stats("k"); waiting == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	readerDone := make(chan struct{})
	go func() {
		r := m.AcquireRead("k")
		close(readerDone)
		r.Release()
	}()

	g.Release()

	select {
	case <-writerGranted:
	case <-time.After(time.Second):
		t.Fatal("queued writer never granted after reader released")
	}

	// While the writer holds the lock the later reader must still wait.
	select {
	case <-readerDone:
		t.Fatal("reader granted while the queued writer held the lock")
	case <-time.After(20 * time.Millisecond):
	}

	close(writerRelease)
	select {
	case <-readerDone:
	case <-time.After(time.Second):
		t.Fatal("queued reader never granted after writer released")
	}
}

func TestAllQueuedReadersWakeTogether(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	w := m.AcquireWrite("k")

	const n = 5
	granted := make(chan struct{}, n)
	release := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			g := m.AcquireRead("k")
			granted <- struct{}{}
			<-release
			g.Release()
		}()
	}

	for {
		if _, _, waiting := m.Stats("k"); waiting == n {
			break
		}
		time.Sleep(time.Millisecond)
	}

	w.Release()

	for i := 0; i < n; i++ {
		select {
		case <-granted:
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d readers granted after writer release", i, n)
		}
	}

	if readers, _, _ := m.Stats("k"); readers != n {
		t.Fatalf("expected %d concurrent readers, got %d", n, readers)
	}
	close(release)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager()
	defer m.Close()

	g := m.AcquireWrite("k")
	g.Release()
	g.Release() // must not panic or corrupt state

	// Lock is immediately grantable again.
	done := make(chan struct{})
	go func() {
		g2 := m.AcquireWrite("k")
		g2.Release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock not grantable after double release")
	}
}

func TestSweepRemovesIdleEntries(t *testing.T) {
	m := NewManager(WithSweepInterval(time.Hour), WithStaleAfter(time.Nanosecond))
	defer m.Close()

	m.AcquireRead("a").Release()
	m.AcquireWrite("b").Release()
	held := m.AcquireWrite("c")

	time.Sleep(5 * time.Millisecond)

	m.mu.Lock()
	m.sweepLocked()
	m.mu.Unlock()

	if m.Len() != 1 {
		t.Fatalf("expected only the held entry to survive, have %d", m.Len())
	}
	if _, writer, _ := m.Stats("c"); !writer {
		t.Fatal("held entry was swept")
	}
	held.Release()
}

func TestCapacityTriggersEagerSweep(t *testing.T) {
	m := NewManager(WithSweepInterval(time.Hour), WithStaleAfter(time.Nanosecond), WithMaxEntries(4))
	defer m.Close()

	for _, k := range []string{"a", "b", "c", "d"} {
		m.AcquireRead(k).Release()
	}
	time.Sleep(5 * time.Millisecond)

	// Fifth key exceeds capacity; the stale four must be reaped first.
	g := m.AcquireWrite("e")
	defer g.Release()

	if n := m.Len(); n != 1 {
		t.Fatalf("expected eager sweep down to 1 entry, have %d", n)
	}
}
