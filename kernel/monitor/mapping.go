package monitor

import (
	"nestedkernel/kernel"
	"nestedkernel/kernel/mem"
	"nestedkernel/kernel/mem/pcd"
	"nestedkernel/kernel/mem/pmm"
)

var (
	errOutOfRange  = &kernel.Error{Module: "monitor", Message: "virtual address is outside the mapped window"}
	errWriteDenied = &kernel.Error{Module: "monitor", Message: "write mapping denied for a monitor-owned page"}
)

// createOrGetTable returns the physical address of the next-level table
// referenced by parent's entry at index, allocating and linking a fresh one
// if the entry is not yet present. outer must be true when parent belongs
// to the outer view: a freshly allocated PTP is always classified NKPgtable
// by allocTable, so the entry pointing to it is only left writable when
// operating on the monitor view -- the outer kernel must never get a
// writable path to a page table it doesn't own, not just a read-only one to
// the table's own bytes. mayBeLargePage is true only for the PD->PT call:
// that is the one level in this design where a present entry can be a 2 MiB
// leaf inherited verbatim from the bootloader rather than a pointer to a
// table, and such a leaf must be split to 4 KiB granularity before a single
// page within it can be write-stripped independently of its neighbours.
func createOrGetTable(parent pageTable, index int, outer bool, mayBeLargePage bool) (uintptr, *kernel.Error) {
	e := parent.entry(index)
	if e&flagPresent != 0 {
		if mayBeLargePage && e&flagPS != 0 {
			return splitLargePage(parent, index, e)
		}
		return tableEntryAddr(e), nil
	}

	child, err := allocTable()
	if err != nil {
		return 0, err
	}

	flags := uint64(flagPresent)
	if !outer {
		flags |= flagWritable
	} else {
		switch pcd.GetType(child) {
		case pcd.NKNormal, pcd.NKPgtable:
			// leave the entry read-only: the outer kernel never gets a
			// writable path to a monitor-owned page table.
		default:
			flags |= flagWritable
		}
	}
	parent.setEntry(index, uint64(child)|flags)
	return child, nil
}

// splitLargePage converts a present 2 MiB PD leaf entry into a freshly
// allocated 4 KiB page table covering the same physical range with the same
// permissions on every sub-entry, so a single page inside that region can
// later be write-stripped without affecting the rest of it. The new table
// inherits the leaf's own flags unchanged -- splitting never itself changes
// what is writable, it only raises the granularity at which that can be
// decided.
func splitLargePage(parent pageTable, index int, leaf uint64) (uintptr, *kernel.Error) {
	child, err := allocTable()
	if err != nil {
		return 0, err
	}

	base := tableEntryAddr(leaf)
	flags := (leaf & 0xFFF) &^ uint64(flagPS)

	childTable := tableAt(child)
	for i := 0; i < entriesPerTable; i++ {
		phys := base + uintptr(i)*uintptr(mem.PageSize)
		childTable.setEntry(i, uint64(phys)|flags)
	}

	parent.setEntry(index, uint64(child)|flags)
	return child, nil
}

// createReadOnlyMappings builds the high-canonical window starting at
// roBase through which the outer kernel can read (never write) the first
// 2 MiB of physical memory, mirrored 1:1 at an offset of roBase. Every page
// in that range is mapped whatever its PCD type; NKNormal/NKPgtable pages
// above 2 MiB are not covered. It walks only the outer view, since the monitor view
// needs no such window -- it already has full read-write access everywhere.
func createReadOnlyMappings() {
	pml4 := tableAt(outerView.pml4)

	pdptPhys, err := createOrGetTable(pml4, pml4Index(roBase), true, false)
	if err != nil {
		return
	}
	pdpt := tableAt(pdptPhys)

	pdPhys, err := createOrGetTable(pdpt, pdptIndex(roBase), true, false)
	if err != nil {
		return
	}
	pd := tableAt(pdPhys)

	ptPhys, err := createOrGetTable(pd, pdIndex(roBase), true, true)
	if err != nil {
		return
	}
	pt := tableAt(ptPhys)

	for i := 0; i < entriesPerTable; i++ {
		phys := uintptr(i) * uintptr(mem.PageSize)
		pt.setEntry(i, uint64(phys)|flagPresent)
	}

	_ = pcd.SetType(pdptPhys, pcd.NKPgtable)
	_ = pcd.SetType(pdPhys, pcd.NKPgtable)
	_ = pcd.SetType(ptPhys, pcd.NKPgtable)
}

// walkToPT returns the page table that would hold the leaf entry for vaddr
// in the given view, creating intermediate PDPT/PD/PT levels as needed.
func walkToPT(v *View, vaddr uintptr) (pageTable, *kernel.Error) {
	outer := v == &outerView
	pml4 := tableAt(v.pml4)

	pdptPhys, err := createOrGetTable(pml4, pml4Index(vaddr), outer, false)
	if err != nil {
		return pageTable{}, err
	}
	pdpt := tableAt(pdptPhys)

	pdPhys, err := createOrGetTable(pdpt, pdptIndex(vaddr), outer, false)
	if err != nil {
		return pageTable{}, err
	}
	pd := tableAt(pdPhys)

	ptPhys, err := createOrGetTable(pd, pdIndex(vaddr), outer, true)
	if err != nil {
		return pageTable{}, err
	}
	return tableAt(ptPhys), nil
}

// mapPage installs a leaf PTE for vaddr -> phys in the given view. Callers
// must already be running with the monitor view active -- this function
// itself does not perform the CR3 switch, the call dispatcher does.
func mapPage(v *View, vaddr, phys uintptr, writable bool) *kernel.Error {
	pt, err := walkToPT(v, vaddr)
	if err != nil {
		return err
	}

	flags := uint64(flagPresent)
	if writable {
		flags |= flagWritable
	}
	pt.setEntry(ptIndex(vaddr), uint64(phys)|flags)
	return nil
}

// MapPage installs vaddr -> phys in the outer view, honouring the PCD
// classification of phys: NKNormal and NKPgtable pages can never be mapped
// writable into the outer view regardless of what the caller asked for,
// since that would defeat the write-strip the monitor otherwise enforces.
// NKIO and OKNormal pages are mapped exactly as requested.
func MapPage(vaddr, phys uintptr, writable bool) *kernel.Error {
	if !initialized {
		return errNotInitialized
	}

	if writable {
		switch pcd.GetType(phys) {
		case pcd.NKNormal, pcd.NKPgtable:
			return errWriteDenied
		}
	}

	return mapPage(&outerView, vaddr, phys, writable)
}

// UnmapPage clears the outer view's leaf PTE for vaddr, if one exists. It
// does not free the underlying physical page or tear down now-empty
// intermediate tables; like monitor_unmap_page in original_source, eager
// table reclamation is left for a later pass.
func UnmapPage(vaddr uintptr) *kernel.Error {
	if !initialized {
		return errNotInitialized
	}

	pml4 := tableAt(outerView.pml4)
	e := pml4.entry(pml4Index(vaddr))
	if e&flagPresent == 0 {
		return nil
	}
	pdpt := tableAt(tableEntryAddr(e))

	e = pdpt.entry(pdptIndex(vaddr))
	if e&flagPresent == 0 {
		return nil
	}
	pd := tableAt(tableEntryAddr(e))

	e = pd.entry(pdIndex(vaddr))
	if e&flagPresent == 0 {
		return nil
	}
	pt := tableAt(tableEntryAddr(e))

	pt.setEntry(ptIndex(vaddr), 0)
	return nil
}

// AllocPageTable allocates a fresh zeroed physical page, classifies it
// NKPgtable, and returns its physical address for use as a new PDPT/PD/PT
// by a subsequent MapPage call chain. Exposed as its own monitor call
// because the outer kernel has no other way to obtain an NKPgtable-typed
// page: the PMM it sees hands out OKNormal pages only.
func AllocPageTable() (uintptr, *kernel.Error) {
	if !initialized {
		return 0, errNotInitialized
	}
	return allocTable()
}

// AllocPhys allocates order-0 physical pages on behalf of the outer kernel
// and stamps them OKNormal, mirroring monitor_pmm_alloc's restamping of
// freshly carved-out frames back to outer-kernel ownership.
func AllocPhys() (uintptr, *kernel.Error) {
	if !initialized {
		return 0, errNotInitialized
	}
	phys, ok := pmm.Alloc(0)
	if !ok {
		return 0, &kernel.Error{Module: "monitor", Message: "out of physical memory"}
	}
	if err := pcd.SetType(phys, pcd.OKNormal); err != nil {
		return 0, err
	}
	return phys, nil
}

// FreePhys returns an order-0 physical page to the PMM. The page must be
// OKNormal; the monitor refuses to free its own private pages through the
// outer-kernel-facing call surface. The page is restamped NKNormal, the
// default classification, before it goes back to the PMM.
func FreePhys(phys uintptr) *kernel.Error {
	if !initialized {
		return errNotInitialized
	}
	if pcd.GetType(phys) != pcd.OKNormal {
		return &kernel.Error{Module: "monitor", Message: "refusing to free a monitor-owned page"}
	}
	_ = pcd.SetType(phys, pcd.NKNormal)
	pmm.Free(phys, 0)
	return nil
}

// setPageType reclassifies the page containing phys. t is a pcd.Type value
// carried as a uintptr across the Call boundary, since every Call argument
// is a uintptr.
func setPageType(phys, t uintptr) *kernel.Error {
	if !initialized {
		return errNotInitialized
	}
	return pcd.SetType(phys, pcd.Type(t))
}

// getPageType returns the pcd.Type of the page containing phys, widened to
// a uintptr for the Call return path.
func getPageType(phys uintptr) uintptr {
	return uintptr(pcd.GetType(phys))
}
