// Package keylock provides per-key asynchronous reader/writer locks.
// Locks are created lazily on first acquisition and garbage-collected
// once idle, so an arbitrary number of string keys (task ids, session
// ids, file paths) can be locked without unbounded memory growth.
package keylock

import (
	"sync"
	"time"

	"github.com/rohanthewiz/logger"
)

const (
	defaultSweepInterval = 5 * time.Minute
	defaultStaleAfter    = 10 * time.Minute
	defaultMaxEntries    = 1024
)

// Manager owns the lock map. All state is guarded by mu; waiters park
// on channels that are closed when their acquisition is granted.
type Manager struct {
	mu         sync.Mutex
	locks      map[string]*entry
	sweepEvery time.Duration
	staleAfter time.Duration
	maxEntries int
	stop       chan struct{}
	stopOnce   sync.Once
}

type entry struct {
	readers        int
	writer         bool
	waitingReaders []chan struct{}
	waitingWriters []chan struct{}
	lastAccess     time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSweepInterval overrides how often idle lock entries are reaped.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepEvery = d }
}

// WithStaleAfter overrides how long an unused entry survives before a
// sweep may remove it.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) { m.staleAfter = d }
}

// WithMaxEntries overrides the entry count that triggers an eager sweep.
func WithMaxEntries(n int) Option {
	return func(m *Manager) { m.maxEntries = n }
}

// NewManager creates a lock manager and starts its background sweeper.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:      make(map[string]*entry),
		sweepEvery: defaultSweepInterval,
		staleAfter: defaultStaleAfter,
		maxEntries: defaultMaxEntries,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweepLoop()
	return m
}

// Close stops the background sweeper. Held guards remain valid.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Guard represents one granted acquisition. Release is idempotent and
// must run on every exit path; callers defer it immediately.
type Guard struct {
	release func()
	once    sync.Once
}

// Release gives up the lock and wakes eligible waiters.
func (g *Guard) Release() {
	g.once.Do(g.release)
}

// AcquireRead blocks until a shared read lock on key is granted.
// A read is granted immediately only when no writer holds the lock and
// no writer is queued; writers queued ahead always win (writer priority).
func (m *Manager) AcquireRead(key string) *Guard {
	m.mu.Lock()
	e := m.lockEntry(key)

	if !e.writer && len(e.waitingWriters) == 0 {
		e.readers++
		m.mu.Unlock()
		return m.readGuard(key)
	}

	wait := make(chan struct{})
	e.waitingReaders = append(e.waitingReaders, wait)
	m.mu.Unlock()

	<-wait
	return m.readGuard(key)
}

// AcquireWrite blocks until an exclusive write lock on key is granted.
func (m *Manager) AcquireWrite(key string) *Guard {
	m.mu.Lock()
	e := m.lockEntry(key)

	if !e.writer && e.readers == 0 {
		e.writer = true
		m.mu.Unlock()
		return m.writeGuard(key)
	}

	wait := make(chan struct{})
	e.waitingWriters = append(e.waitingWriters, wait)
	m.mu.Unlock()

	<-wait
	return m.writeGuard(key)
}

// lockEntry returns the entry for key, creating it lazily. Caller holds mu.
func (m *Manager) lockEntry(key string) *entry {
	if len(m.locks) >= m.maxEntries {
		if _, exists := m.locks[key]; !exists {
			n := m.sweepLocked()
			if n > 0 {
				logger.Debug("Eager lock sweep", "removed", n, "remaining", len(m.locks))
			}
		}
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.lastAccess = time.Now()
	return e
}

func (m *Manager) readGuard(key string) *Guard {
	return &Guard{release: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		e := m.locks[key]
		if e == nil || e.readers == 0 {
			return
		}
		e.readers--
		e.lastAccess = time.Now()
		m.dispatch(e)
	}}
}

func (m *Manager) writeGuard(key string) *Guard {
	return &Guard{release: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		e := m.locks[key]
		if e == nil || !e.writer {
			return
		}
		e.writer = false
		e.lastAccess = time.Now()
		m.dispatch(e)
	}}
}

// dispatch grants the lock to waiters after a release. One queued writer
// is granted exclusively if any are waiting; otherwise every queued
// reader is woken at once, since readers do not conflict with each
// other. Waking all readers in one batch trades reader fairness for
// read throughput. Caller holds mu.
func (m *Manager) dispatch(e *entry) {
	if e.writer || e.readers > 0 {
		return
	}
	if len(e.waitingWriters) > 0 {
		next := e.waitingWriters[0]
		e.waitingWriters = e.waitingWriters[1:]
		e.writer = true
		close(next)
		return
	}
	if len(e.waitingReaders) > 0 {
		for _, w := range e.waitingReaders {
			e.readers++
			close(w)
		}
		e.waitingReaders = nil
	}
}

// Len reports the number of live lock entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Stats reports the holder and waiter counts for key.
func (m *Manager) Stats(key string) (readers int, writer bool, waiting int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		return 0, false, 0
	}
	return e.readers, e.writer, len(e.waitingReaders) + len(e.waitingWriters)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			n := m.sweepLocked()
			m.mu.Unlock()
			if n > 0 {
				logger.Debug("Swept idle lock entries", "removed", n)
			}
		case <-m.stop:
			return
		}
	}
}

// sweepLocked removes entries with no holders, no waiters, and no
// recent access. Caller holds mu. Returns the number removed.
func (m *Manager) sweepLocked() int {
	cutoff := time.Now().Add(-m.staleAfter)
	removed := 0
	for key, e := range m.locks {
		if e.readers == 0 && !e.writer &&
			len(e.waitingReaders) == 0 && len(e.waitingWriters) == 0 &&
			e.lastAccess.Before(cutoff) {
			delete(m.locks, key)
			removed++
		}
	}
	return removed
}
