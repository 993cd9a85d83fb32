// Package pcd implements the Page Control Data table: one 8-byte entry per
// physical page, classifying it as outer-kernel-owned, monitor-private,
// monitor page-table, or tracked I/O. The monitor consults this table when
// deciding which page-table-protection entry (PTE) class to strip write
// access from in the outer view; the outer kernel can only read it.
package pcd

import (
	"nestedkernel/kernel"
	"nestedkernel/kernel/mem"
	"nestedkernel/kernel/sync"
	"reflect"
	"unsafe"
)

// Type classifies the ownership and protection class of a physical page.
type Type uint8

const (
	// OKNormal pages belong to the outer kernel: code, data, heap. They are
	// writable from both views.
	OKNormal Type = iota

	// NKNormal pages are monitor-private data. Writable from the monitor
	// view only; read-only (or absent) from the outer view.
	NKNormal

	// NKPgtable pages back a page-table-page (PML4/PDPT/PD/PT). Writable
	// from the monitor view only.
	NKPgtable

	// NKIO pages are memory-mapped I/O registers under monitor control.
	// Tracked for bookkeeping but access control on them is not enforced
	// by the page-fault policy (the local APIC MMIO window uses this).
	NKIO

	typeMin = OKNormal
	typeMax = NKIO
)

// entry is the on-disk PCD record. Its four fields total exactly 8 bytes;
// there is no Go equivalent of __attribute__((packed)) so the layout relies
// on the fields being chosen to fall on natural alignment boundaries already.
type entry struct {
	Type     Type
	Flags    uint8
	Reserved uint16
	RefCount uint32
}

// Entry flags. Reserved for future use; original_source defines these but
// never sets or reads them outside pcd.h, so no code here does either.
const (
	FlagReserved uint8 = 1 << iota
	FlagLocked
)

var state struct {
	pages       []entry
	basePage    uint64
	storageBase uintptr
	storageSize uintptr
	lock        sync.Spinlock
	ready       bool
}

var errNotManaged = &kernel.Error{Module: "pcd", Message: "physical address is not within the managed PCD range"}

func managed(phys uintptr) bool {
	page := uint64(phys) >> mem.PageShift
	return page >= state.basePage && page < state.basePage+uint64(len(state.pages))
}

// indexOf returns the table index for an already page-aligned, already
// range-checked physical address. Callers must hold state.lock.
func indexOf(phys uintptr) int {
	page := uint64(phys) >> mem.PageShift
	return int(page - state.basePage)
}

// Init brings up the PCD table over totalPages physical pages starting at
// page 0. storage must point at a PMM allocation large enough to hold
// totalPages entries (the caller is responsible for rounding up to the
// buddy order that covers totalPages*8 bytes) -- the table is carved
// directly out of the allocation returned by the PMM rather than the Go
// heap, since PCD is brought up before goruntime.Init runs.
func Init(storage uintptr, totalPages uint64) {
	state.lock.Acquire()
	defer state.lock.Release()

	state.pages = *(*[]entry)(unsafe.Pointer(&reflect.SliceHeader{
		Data: storage,
		Len:  int(totalPages),
		Cap:  int(totalPages),
	}))
	state.basePage = 0
	state.storageBase = storage
	state.storageSize = uintptr(totalPages) * uintptr(unsafe.Sizeof(entry{}))

	for i := range state.pages {
		state.pages[i] = entry{Type: NKNormal}
	}

	state.ready = true
}

// Ready reports whether Init has completed.
func Ready() bool {
	return state.ready
}

// MaxPages returns the number of physical pages tracked by the table.
func MaxPages() uint64 {
	return uint64(len(state.pages))
}

// StorageRange returns the physical address range backing this table's own
// entries, as handed to Init. The monitor uses this to fold the table's own
// storage into the set of pages it write-protects in the outer view -- PCD
// data is itself monitor-private and must not be reachable for writes from
// outside the monitor, the same as any other NKNormal page.
func StorageRange() (base, size uintptr) {
	return state.storageBase, state.storageSize
}

// GetType returns the page type recorded for the page containing phys.
// Unmanaged addresses, and any address when the table is not yet
// initialized, default to NKNormal -- monitor-owned -- which is the safe
// default: an unclassified page is never treated as outer-kernel-writable.
func GetType(phys uintptr) Type {
	if !state.ready {
		return NKNormal
	}

	aligned := phys &^ (uintptr(mem.PageSize) - 1)

	state.lock.Acquire()
	defer state.lock.Release()

	if !managed(aligned) {
		return NKNormal
	}
	return state.pages[indexOf(aligned)].Type
}

// SetType assigns a page type to the page containing phys. Monitor-only:
// nothing in the outer kernel's call surface reaches this function, since
// every path into it runs through the monitor call dispatcher.
func SetType(phys uintptr, t Type) *kernel.Error {
	if t < typeMin || t > typeMax {
		return &kernel.Error{Module: "pcd", Message: "invalid page type"}
	}
	if !state.ready {
		return &kernel.Error{Module: "pcd", Message: "pcd not initialized"}
	}

	aligned := phys &^ (uintptr(mem.PageSize) - 1)

	state.lock.Acquire()
	defer state.lock.Release()

	if !managed(aligned) {
		return errNotManaged
	}

	state.pages[indexOf(aligned)].Type = t
	return nil
}

// MarkRegion assigns a page type to every page-aligned page intersecting
// [base, base+size). Pages outside the managed range are silently skipped,
// matching pcd_mark_region's clamping behaviour in original_source.
func MarkRegion(base, size uintptr, t Type) *kernel.Error {
	if t < typeMin || t > typeMax {
		return &kernel.Error{Module: "pcd", Message: "invalid page type"}
	}
	if !state.ready {
		return &kernel.Error{Module: "pcd", Message: "pcd not initialized"}
	}

	pageSize := uintptr(mem.PageSize)
	start := (base + pageSize - 1) &^ (pageSize - 1)
	end := (base + size) &^ (pageSize - 1)
	if start >= end {
		return nil
	}

	state.lock.Acquire()
	defer state.lock.Release()

	for addr := start; addr < end; addr += pageSize {
		if !managed(addr) {
			continue
		}
		state.pages[indexOf(addr)].Type = t
	}
	return nil
}
