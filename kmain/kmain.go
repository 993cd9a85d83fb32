// Package kmain wires together every subsystem this kernel has and runs the
// boot sequence: bring up early output, discover physical memory, build the
// two page-table views, bring up the Application Processors, and verify the
// nested-kernel invariants actually hold before handing control to whatever
// runs next.
package kmain

import (
	"nestedkernel/kernel"
	"nestedkernel/kernel/acpi"
	"nestedkernel/kernel/apic"
	"nestedkernel/kernel/cpu"
	"nestedkernel/kernel/gate"
	"nestedkernel/kernel/goruntime"
	"nestedkernel/kernel/hal"
	"nestedkernel/kernel/kfmt"
	"nestedkernel/kernel/mem"
	"nestedkernel/kernel/mem/pcd"
	"nestedkernel/kernel/mem/pmm"
	"nestedkernel/kernel/monitor"
	"nestedkernel/kernel/multiboot"
	"nestedkernel/kernel/smp"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// BootInfo carries everything the entry stub hands Kmain about the state
// the bootloader left the machine in: the multiboot2 info pointer, and the
// real-mode trampoline page the Application Processors should begin
// executing at. The bootloader's active PML4 itself is not part of this
// struct -- it's read directly off CR3 at the top of Kmain, since by the
// time Kmain runs the bootloader's long-mode transition has already made
// it the active page table.
type BootInfo struct {
	MultibootInfoPtr uintptr
	StartupPage      uint8
}

// Kmain is the only Go symbol the entry stub calls. It is not expected to
// return; if it does, the caller's halt loop takes over.
//
//go:noinline
func Kmain(info BootInfo) {
	hal.InitEarlyOutput()
	kfmt.Printf("nestedkernel: starting\n")

	multiboot.SetInfoPtr(info.MultibootInfoPtr)

	gate.Init()

	if err := initMemory(); err != nil {
		kfmt.Panic(err)
	}

	apic.Init()

	if err := monitor.Init(cpu.ActivePDT()); err != nil {
		kfmt.Panic(err)
	}
	monitor.InstallFaultHandler()

	if err := smp.Init(); err != nil {
		kfmt.Panic(err)
	}
	if n := smp.Count(); n > 1 {
		if err := smp.BootAPs(info.StartupPage); err != nil {
			kfmt.Printf("nestedkernel: AP bring-up failed: %s\n", err.Error())
		}
	}

	cpu.WriteCR3(uint64(monitor.OuterPML4()))

	if !monitor.VerifyAll(true) {
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "nested-kernel invariants failed verification"})
	}
	kfmt.Printf("nestedkernel: invariants verified, outer view active\n")

	if err := goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	kfmt.Panic(errKmainReturned)
}

// initMemory brings up the physical memory allocator and page control data
// table from the bootloader's memory map (or the conservative fallback
// region if none was supplied), then reserves the low 2 MiB the kernel
// image and early boot structures already occupy so the buddy allocator
// never hands that range back out.
func initMemory() *kernel.Error {
	pmm.Init()

	var highestAddr uint64
	multiboot.VisitMemoryMap(func(e *multiboot.Entry) bool {
		if end := e.Address + e.Length; end > highestAddr {
			highestAddr = end
		}
		if e.Type == multiboot.MemAvailable {
			pmm.AddRegion(uintptr(e.Address), uintptr(e.Length))
		}
		return true
	})

	pmm.ReserveRegion(0, 2<<20)

	totalPages := (highestAddr + uint64(mem.PageSize) - 1) >> mem.PageShift
	pcdBytes := totalPages * 8
	pcdOrder := uint8(0)
	for (uintptr(1) << pcdOrder) * uintptr(mem.PageSize) < uintptr(pcdBytes) {
		pcdOrder++
	}
	pcdStorage, ok := pmm.Alloc(pcdOrder)
	if !ok {
		return &kernel.Error{Module: "kmain", Message: "failed to allocate page control data storage"}
	}
	pcd.Init(pcdStorage, totalPages)

	return nil
}

// LocalCPUCount reports how many logical CPUs ACPI (or, failing that,
// CPUID) reported, for diagnostics.
func LocalCPUCount() int {
	return len(acpi.LocalAPICIDs())
}
