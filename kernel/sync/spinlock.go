// Package sync provides synchronization primitive implementations for spinlocks
// and reader/writer locks.
package sync

import (
	"nestedkernel/kernel/cpu"
	"sync/atomic"
)

var (
	// TODO: replace with real yield function when context-switching is implemented.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	if yieldFn == nil {
		archAcquireSpinlock(&l.state, 1)
		return
	}
	for !l.TryToAcquire() {
		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock is an arch-specific implementation for acquiring the lock.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)

// AcquireIrq disables interrupts on the executing CPU before acquiring the
// lock and returns the RFLAGS value saved immediately before doing so. Use
// this instead of Acquire whenever the lock also guards state that the
// interrupt/fault handlers touch (the PMM, the PCD table, the CPU-ready
// counter), so a handler firing mid-update on the same CPU can't deadlock
// against itself.
func (l *Spinlock) AcquireIrq() uint64 {
	flags := cpu.SaveFlagsAndCli()
	l.Acquire()
	return flags
}

// ReleaseIrq releases the lock and restores the RFLAGS value returned by the
// matching AcquireIrq call.
func (l *Spinlock) ReleaseIrq(flags uint64) {
	l.Release()
	cpu.RestoreFlags(flags)
}
