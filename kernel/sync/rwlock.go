package sync

import "sync/atomic"

// RWLock is a spinlock-based reader/writer lock. Any number of readers may
// hold the lock concurrently; a writer requires exclusive access. Writers
// are not given priority over readers, so a write-heavy workload can starve
// under heavy read contention; this is acceptable for the driver registry
// use-case this lock exists for, where writes happen only during device
// discovery.
type RWLock struct {
	writer  Spinlock
	readers int32
}

// RLock acquires a shared (read) hold on the lock.
func (l *RWLock) RLock() {
	for {
		if l.writer.TryToAcquire() {
			atomic.AddInt32(&l.readers, 1)
			l.writer.Release()
			return
		}
	}
}

// RUnlock releases a shared hold acquired via RLock.
func (l *RWLock) RUnlock() {
	atomic.AddInt32(&l.readers, -1)
}

// Lock acquires exclusive (write) access, blocking until every reader has
// released its hold.
func (l *RWLock) Lock() {
	l.writer.Acquire()
	for atomic.LoadInt32(&l.readers) != 0 {
	}
}

// Unlock releases exclusive access acquired via Lock.
func (l *RWLock) Unlock() {
	l.writer.Release()
}
