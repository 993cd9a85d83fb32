// Package barrier provides the cross-CPU synchronization primitives used to
// coordinate bring-up and verification across the BSP and APs: a counting
// rendezvous point and a monotonic phase gate, both built on plain atomic
// operations since no blocking wait exists this early in boot.
package barrier

import (
	"nestedkernel/kernel/cpu"
	"sync/atomic"
)

// defaultTimeout bounds every spin-wait in this package in loop iterations
// rather than wall-clock time: there is no calibrated delay source this
// early in boot, so "long enough that a healthy CPU always gets there
// first" is the best available definition of a timeout.
const defaultTimeout = 10_000_000

// Barrier is a reusable rendezvous point for a known, fixed number of CPUs.
// Unlike sync.WaitGroup it never allocates and its zero value is not usable
// uninitialized -- call Init first.
type Barrier struct {
	expected int32
	arrived  int32
}

// Init prepares b to release callers once expected CPUs have called Wait.
func (b *Barrier) Init(expected int32) {
	atomic.StoreInt32(&b.expected, expected)
	atomic.StoreInt32(&b.arrived, 0)
}

// Wait blocks until Init's expected count of CPUs have all called Wait, or
// until defaultTimeout iterations have elapsed without that happening. It
// returns false on timeout.
func (b *Barrier) Wait() bool {
	atomic.AddInt32(&b.arrived, 1)

	expected := atomic.LoadInt32(&b.expected)
	for timeout := defaultTimeout; atomic.LoadInt32(&b.arrived) < expected; timeout-- {
		if timeout == 0 {
			return false
		}
		cpu.Relax()
	}
	return true
}

// Reset rearms the barrier for another round without changing the expected
// count. Callers must ensure every participant has observed the previous
// round's release before calling Reset, or a slow arrival can be double
// counted into the next round.
func (b *Barrier) Reset() {
	atomic.StoreInt32(&b.arrived, 0)
}

// Phase is a monotonically advancing gate: the BSP advances it, APs block
// until it reaches (or passes) a value they're waiting for. It is the
// mechanism original_source's boot sequence used to sequence BSP-driven
// multi-stage SMP tests without a full barrier round per stage.
type Phase struct {
	value int32
}

// Set advances the phase to v. v should only ever increase; callers coming
// from original_source's BSP-only test driver never call this out of order.
func (p *Phase) Set(v int32) {
	atomic.StoreInt32(&p.value, v)
}

// Get returns the current phase value.
func (p *Phase) Get() int32 {
	return atomic.LoadInt32(&p.value)
}

// WaitAtLeast blocks until the phase reaches or passes v, or until
// defaultTimeout iterations have elapsed. It returns false on timeout.
func (p *Phase) WaitAtLeast(v int32) bool {
	for timeout := defaultTimeout; atomic.LoadInt32(&p.value) < v; timeout-- {
		if timeout == 0 {
			return false
		}
		cpu.Relax()
	}
	return true
}
