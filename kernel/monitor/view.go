// Package monitor implements the nested-kernel memory-protection core: two
// page-table views sharing one address space, a monitor-call dispatcher
// that switches between them, and the invariant verifier that checks the
// switch actually protects what it claims to.
package monitor

import (
	"nestedkernel/kernel"
	"nestedkernel/kernel/apic"
	"nestedkernel/kernel/cpu"
	"nestedkernel/kernel/mem"
	"nestedkernel/kernel/mem/pcd"
	"nestedkernel/kernel/mem/pmm"
)

// roBase is the virtual base address of the high-canonical read-only window
// the monitor builds in the outer view, so the outer kernel can inspect
// monitor state without being able to write it. The window mirrors physical
// [0, 2 MiB) only, every page in that range whatever its PCD type;
// NKNormal/NKPgtable pages above 2 MiB are not reachable through it.
const roBase = 0xFFFF880000000000

// View names one of the two CR3 roots the monitor maintains. Both views
// translate the entire identity-mapped region identically except for the
// write permission on monitor-owned pages.
type View struct {
	pml4  uintptr
	pdpt  uintptr
	pd    uintptr
	pt0   uintptr // 4 KiB-granular page table covering [0, 2MiB)
}

var (
	// MonitorView is fully writable: every PTP, every NKNormal page, the
	// whole address space.
	monitorView View

	// OuterView is what runs the rest of boot and all outer-kernel code.
	// NKNormal/NKPgtable pages are stripped of their write bit here.
	outerView View

	initialized bool

	errNotInitialized = &kernel.Error{Module: "monitor", Message: "monitor not initialized"}
	errAllocFailed    = &kernel.Error{Module: "monitor", Message: "failed to allocate monitor page tables"}
)

// MonitorPML4 returns the physical address of the monitor view's root
// table, or 0 if Init has not run.
func MonitorPML4() uintptr { return monitorView.pml4 }

// OuterPML4 returns the physical address of the outer view's root table,
// or 0 if Init has not run.
func OuterPML4() uintptr { return outerView.pml4 }

func allocTable() (uintptr, *kernel.Error) {
	addr, ok := pmm.Alloc(0)
	if !ok {
		return 0, errAllocFailed
	}
	tableAt(addr).clear()
	// An address beyond the PCD table stays unclassified; GetType already
	// reports such a page NKNormal.
	_ = pcd.SetType(addr, pcd.NKPgtable)
	return addr, nil
}

// Init builds the monitor and outer views from the bootloader's active
// identity-mapped page tables, splits the first 2 MiB into 4 KiB pages so
// individual boot-time structures can be protected, installs the
// monitor-only write restriction on the outer view, and builds the
// read-only visibility window. It must run while still executing on the
// bootloader's page tables (CR3 not yet switched to OuterView); bootPML4 is
// expected to be cpu.ActivePDT() at the time of the call. The PDPT and PD
// one and two levels below it are recovered by walking PML4[0]/PDPT[0],
// which is valid as long as the bootloader mapped the kernel and the low
// identity region through that path -- true of every multiboot2 loader
// this kernel targets.
func Init(bootPML4 uintptr) *kernel.Error {
	bootPDPT := tableEntryAddr(tableAt(bootPML4).entry(0))
	bootPD := tableEntryAddr(tableAt(bootPDPT).entry(0))

	var err *kernel.Error

	monitorView.pml4, err = allocTable()
	if err != nil {
		return err
	}
	monitorView.pdpt, err = allocTable()
	if err != nil {
		return err
	}
	monitorView.pd, err = allocTable()
	if err != nil {
		return err
	}
	monitorView.pt0, err = allocTable()
	if err != nil {
		return err
	}

	outerView.pml4, err = allocTable()
	if err != nil {
		return err
	}
	outerView.pdpt, err = allocTable()
	if err != nil {
		return err
	}
	outerView.pd, err = allocTable()
	if err != nil {
		return err
	}
	outerView.pt0, err = allocTable()
	if err != nil {
		return err
	}

	bootP4, bootPd3, bootPd2 := tableAt(bootPML4), tableAt(bootPDPT), tableAt(bootPD)
	mP4, mPd3, mPd2 := tableAt(monitorView.pml4), tableAt(monitorView.pdpt), tableAt(monitorView.pd)
	oP4, oPd3, oPd2 := tableAt(outerView.pml4), tableAt(outerView.pdpt), tableAt(outerView.pd)

	for i := 0; i < entriesPerTable; i++ {
		mP4.setEntry(i, bootP4.entry(i))
		mPd3.setEntry(i, bootPd3.entry(i))
		mPd2.setEntry(i, bootPd2.entry(i))

		oP4.setEntry(i, bootP4.entry(i))
		oPd3.setEntry(i, bootPd3.entry(i))
		oPd2.setEntry(i, bootPd2.entry(i))
	}

	protectedPTPs := []uintptr{
		monitorView.pml4, monitorView.pdpt, monitorView.pd, monitorView.pt0,
		outerView.pml4, outerView.pdpt, outerView.pd, outerView.pt0,
		bootPML4, bootPDPT, bootPD,
	}
	for _, p := range protectedPTPs {
		_ = pcd.SetType(p, pcd.NKPgtable)
	}

	// Both pt0 tables start out fully writable, identical to each other and
	// to the boot mapping they replace; protectState below is what actually
	// strips the write bit from whichever individual leaves need it, the
	// same way it must for any monitor-owned page outside this first 2 MiB.
	mPt0, oPt0 := tableAt(monitorView.pt0), tableAt(outerView.pt0)
	for i := 0; i < entriesPerTable; i++ {
		phys := uintptr(i) * uintptr(mem.PageSize)
		mPt0.setEntry(i, uint64(phys)|flagPresent|flagWritable)
		oPt0.setEntry(i, uint64(phys)|flagPresent|flagWritable)
	}

	mPd2.setEntry(0, uint64(monitorView.pt0)|flagPresent|flagWritable)
	oPd2.setEntry(0, uint64(outerView.pt0)|flagPresent|flagWritable)

	// Re-home PML4[0]/PDPT[0] onto the outer view's own sub-tables instead
	// of the bootloader's, preserving the low flag bits (present/writable)
	// from the original entry.
	oP4.setEntry(0, (bootP4.entry(0)&0xFFF)|uint64(outerView.pdpt))
	oPd3.setEntry(0, (bootPd3.entry(0)&0xFFF)|uint64(outerView.pd))

	protectState(protectedPTPs)

	_ = pcd.MarkRegion(apic.Base(), uintptr(mem.PageSize), pcd.NKIO)

	createReadOnlyMappings()

	initialized = true
	return nil
}

// protectState clears the writable bit on the outer view's leaf entry for
// every known monitor-owned physical page -- the page-table pages named in
// ptps, the page control data table's own backing storage, and the buddy
// allocator's internal bookkeeping -- then invalidates the affected TLB
// entries. This is invariant 1 and invariant 5 from the verifier: monitor
// state is read-only for the outer kernel, writable for the monitor,
// regardless of which 2 MiB region of the identity map it happens to land
// in (earlier versions of this function only handled the one region holding
// monitorView.pml4 itself, silently leaving everything else writable).
func protectState(ptps []uintptr) {
	for _, p := range ptps {
		protectPage(p)
	}

	pcdBase, pcdSize := pcd.StorageRange()
	protectRange(pcdBase, pcdSize)

	buddyBase, buddySize := pmm.InternalStateRange()
	protectRange(buddyBase, buddySize)
}

// protectRange calls protectPage for every page-aligned page intersecting
// [base, base+size).
func protectRange(base, size uintptr) {
	pageSize := uintptr(mem.PageSize)
	start := base &^ (pageSize - 1)
	end := (base + size + pageSize - 1) &^ (pageSize - 1)
	for addr := start; addr < end; addr += pageSize {
		protectPage(addr)
	}
}

// protectPage clears the writable bit on the outer view's leaf entry for
// the identity-mapped physical address phys and invalidates the
// corresponding TLB entry. walkToPT splits any 2 MiB boot-inherited leaf
// that currently covers phys down to 4 KiB granularity first, so the strip
// affects only this one page, not its neighbours. A no-op if the outer view
// has no present mapping reaching phys.
func protectPage(phys uintptr) {
	pt, err := walkToPT(&outerView, phys)
	if err != nil {
		return
	}

	idx := ptIndex(phys)
	entry := pt.entry(idx)
	if entry&flagPresent == 0 {
		return
	}
	pt.setEntry(idx, entry&^flagWritable)

	cpu.FlushTLBEntry(phys)
}

// Ready reports whether Init has completed successfully.
func Ready() bool { return initialized }
