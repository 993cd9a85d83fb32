// Package smp brings up Application Processors over the INIT-SIPI-SIPI
// sequence and tracks each logical CPU's bring-up state in a small
// forward-only state machine.
package smp

import (
	"nestedkernel/kernel"
	"nestedkernel/kernel/acpi"
	"nestedkernel/kernel/apic"
	"nestedkernel/kernel/cpu"
	"nestedkernel/kernel/mem"
	"nestedkernel/kernel/mem/pmm"
	"sync/atomic"
)

// cpuStackOrder sizes each AP's boot stack: a single buddy-allocator block
// of 2^cpuStackOrder pages, handed out before that AP's INIT-SIPI-SIPI
// sequence begins so the trampoline has somewhere to set RSP before it
// calls back into Go code.
const cpuStackOrder = 2 // 4 pages = 16 KiB, matching original_source's CPU_STACK_SIZE

// MaxCPUs bounds how many logical CPUs this kernel will track. Matches
// original_source's fixed SMP_MAX_CPUS; raising it is a matter of
// widening this constant and the arrays it sizes, not a structural change.
const MaxCPUs = 4

// State is a CPU's position in its forward-only bring-up lifecycle.
// Transitions only ever move to a higher State value.
type State uint8

const (
	Offline State = iota
	Booting
	Online
	Ready
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Booting:
		return "booting"
	case Online:
		return "online"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// CPU holds the bring-up state and identity of one logical CPU.
type CPU struct {
	APICID   uint8
	Index    uint8
	StackTop uintptr // top of this CPU's boot stack; 0 for the BSP, which keeps its own
	state    int32   // State, accessed atomically
}

// State returns the CPU's current bring-up state.
func (c *CPU) State() State { return State(atomic.LoadInt32(&c.state)) }

// advance moves the CPU forward to s. Transitions to a state at or behind
// the current one are rejected: the lifecycle only ever moves forward.
func (c *CPU) advance(s State) bool {
	for {
		cur := State(atomic.LoadInt32(&c.state))
		if s <= cur {
			return false
		}
		if atomic.CompareAndSwapInt32(&c.state, int32(cur), int32(s)) {
			return true
		}
	}
}

var (
	cpus     [MaxCPUs]CPU
	cpuCount int

	nextIndex int32 = 1 // index 0 is always the BSP

	errTooManyCPUs      = &kernel.Error{Module: "smp", Message: "more logical CPUs reported than this kernel tracks"}
	errStackAllocFailed = &kernel.Error{Module: "smp", Message: "failed to allocate an Application Processor boot stack"}
)

// Init populates the CPU table from the platform's reported APIC IDs,
// capped at MaxCPUs, and marks CPU 0 (the BSP, the one running Init)
// Online. It must be called exactly once, by the BSP.
func Init() *kernel.Error {
	ids := acpi.LocalAPICIDs()
	if len(ids) > MaxCPUs {
		ids = ids[:MaxCPUs]
	}

	cpuCount = len(ids)
	for i, id := range ids {
		cpus[i].APICID = id
		cpus[i].Index = uint8(i)
		if i == 0 {
			cpus[i].state = int32(Online)
		}
	}
	return nil
}

// Count returns the number of logical CPUs Init discovered.
func Count() int { return cpuCount }

// Get returns the CPU record at index, or nil if index is out of range.
func Get(index int) *CPU {
	if index < 0 || index >= cpuCount {
		return nil
	}
	return &cpus[index]
}

// NextIndex atomically assigns and returns the next free CPU index to an
// Application Processor as it wakes up, mirroring ap_start's
// __sync_fetch_and_add(&next_cpu_id, 1). Index 0 is reserved for the BSP and
// is never handed out here.
func NextIndex() int {
	return int(atomic.AddInt32(&nextIndex, 1) - 1)
}

// INIT-SIPI-SIPI timing, expressed as busy-wait iteration counts rather
// than calibrated microsecond delays -- there is no calibrated time source
// this early in boot, so these mirror the Intel SDM's recommended delays
// (>=10ms after INIT deassert, >=200us between the two SIPIs) using the
// same "iterations at an assumed clock rate" convention original_source
// uses for its own timeouts.
const (
	initDeassertDelayIterations = 10_000_000
	sipiDelayIterations         = 200_000
)

func delay(iterations int) {
	for i := 0; i < iterations; i++ {
		cpu.Relax()
	}
}

// BootAP drives the INIT-SIPI-SIPI sequence for a single Application
// Processor identified by its APIC ID, with startupPage naming the 4 KiB-
// aligned real-mode trampoline page (expressed as its page number, i.e.
// physical address >> 12) the AP begins executing at. This is the full SDM
// sequence, going beyond arch/x86_64/apic.c's own ap_startup (which never
// deasserts INIT or touches the ESR): clear ESR, assert INIT, wait for
// delivery and >=10ms, deassert INIT, wait >=10ms, clear ESR again, then two
// STARTUP IPIs separated by a shorter wait, each followed by a
// delivery-status check and an ESR clear. A Send Accept Error reported by
// that ESR read ends the sequence with an error.
func BootAP(target uint8, startupPage uint8) *kernel.Error {
	const esrSendAcceptError = 1 << 2

	apic.ClearESR()
	apic.SendINIT(target, true)
	if err := apic.WaitDelivery(1_000_000); err != nil {
		return err
	}
	delay(initDeassertDelayIterations)

	apic.SendINIT(target, false)
	if err := apic.WaitDelivery(1_000_000); err != nil {
		return err
	}
	delay(initDeassertDelayIterations)
	apic.ClearESR()

	for i := 0; i < 2; i++ {
		apic.SendSTARTUP(target, startupPage)
		delay(sipiDelayIterations)
		if err := apic.WaitDelivery(1_000_000); err != nil {
			return err
		}
		if apic.ClearESR()&esrSendAcceptError != 0 {
			return &kernel.Error{Module: "smp", Message: "STARTUP IPI not accepted (ESR send accept error)"}
		}
	}
	return nil
}

// BootAPs starts every non-BSP CPU Init discovered, in index order, waiting
// for each one's INIT-SIPI-SIPI sequence to complete delivery before moving
// to the next. startupPage is the trampoline page every AP begins executing
// at (the same one for all APs -- the trampoline itself resolves which CPU
// it is through NextIndex). The trampoline page itself is reserved from the
// PMM first so the buddy allocator never hands it back out to anything
// else while an AP may still be executing real-mode code there. An AP whose
// sequence fails does not stop the remaining APs from being attempted; the
// first such failure is returned once every AP has been tried.
func BootAPs(startupPage uint8) *kernel.Error {
	trampolinePhys := uintptr(startupPage) << mem.PageShift
	pmm.ReserveRegion(trampolinePhys, uintptr(mem.PageSize))

	var firstErr *kernel.Error
	for i := 1; i < cpuCount; i++ {
		c := &cpus[i]

		stack, ok := pmm.Alloc(cpuStackOrder)
		if !ok {
			return errStackAllocFailed
		}
		c.StackTop = stack + (uintptr(1)<<cpuStackOrder)*uintptr(mem.PageSize)

		c.advance(Booting)
		if err := BootAP(c.APICID, startupPage); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarkOnline transitions the CPU at index to Online. Called by an AP itself
// once it has set up its own stack and is about to enter the shared kernel
// main path.
func MarkOnline(index int) *kernel.Error {
	c := Get(index)
	if c == nil {
		return errTooManyCPUs
	}
	c.advance(Online)
	return nil
}

// MarkReady transitions the CPU at index to Ready, the terminal state
// reached once it has finished its own initialization and is waiting to
// participate in cross-CPU work.
func MarkReady(index int) *kernel.Error {
	c := Get(index)
	if c == nil {
		return errTooManyCPUs
	}
	c.advance(Ready)
	return nil
}

// AllReady reports whether every discovered CPU has reached Ready.
func AllReady() bool {
	for i := 0; i < cpuCount; i++ {
		if cpus[i].State() != Ready {
			return false
		}
	}
	return true
}
