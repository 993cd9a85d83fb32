// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"nestedkernel/kernel"
	"nestedkernel/kernel/mem"
	"nestedkernel/kernel/mem/pcd"
	"nestedkernel/kernel/mem/pmm"
	"unsafe"
)

var (
	allocRegionFn   = allocRegion
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// A seed for the pseudo-random number generator used by getRandomData
	prngSeed = 0xdeadc0de
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// allocRegion carves regionSize (already page-rounded) bytes of contiguous,
// zeroed physical memory out of the buddy allocator and classifies it
// OKNormal -- outer-kernel heap memory, writable from either view like any
// other outer-kernel data. Since this kernel runs everything identity
// mapped, there is no separate "reserve virtual space, map it later" step
// the way a demand-paged VMM needs: the address the buddy allocator hands
// back is both the physical and the virtual address the Go runtime will
// use, already backed by real memory from the moment it's returned.
//
// The buddy allocator only hands out single contiguous blocks up to
// pmm.MaxOrder (2 MiB); a request bigger than that fails; this bounds
// every Go heap arena size this kernel can ever grow to, which the
// goruntime/mem-stats side pays out of a purposefully small heap rather
// than assuming unbounded demand-paged growth the way the runtime would on
// a hosted OS.
func allocRegion(size uintptr) (uintptr, bool) {
	order := orderForSize(size)
	if order > pmm.MaxOrder {
		return 0, false
	}

	addr, ok := pmm.Alloc(order)
	if !ok {
		return 0, false
	}

	pageSize := uintptr(mem.PageSize)
	pageCount := (uintptr(1) << order)
	for i := uintptr(0); i < pageCount; i++ {
		zeroPage(addr + i*pageSize)
	}
	_ = pcd.MarkRegion(addr, pageCount*pageSize, pcd.OKNormal)

	return addr, true
}

func orderForSize(size uintptr) uint8 {
	pageSize := uintptr(mem.PageSize)
	pages := (size + pageSize - 1) / pageSize
	if pages == 0 {
		pages = 1
	}

	var order uint8
	for (uintptr(1) << order) < pages {
		order++
	}
	return order
}

func zeroPage(addr uintptr) {
	page := (*[1 << 12]byte)(unsafe.Pointer(addr))
	for i := range page {
		page[i] = 0
	}
}

// sysReserve satisfies a Go runtime address-space reservation by allocating
// physical memory for it up front.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator. In this identity-mapped kernel there is nothing to
// reserve separately from backing it, so this eagerly allocates and zeroes
// the region; sysMap's job is reduced to bookkeeping.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
	addr, ok := allocRegionFn(uintptr(regionSize))
	if !ok {
		panic(&kernel.Error{Module: "goruntime", Message: "out of physical memory while reserving a Go runtime region"})
	}

	*reserved = true
	return unsafe.Pointer(addr)
}

// sysMap establishes a mapping for a region previously reserved via
// sysReserve. Since sysReserve already allocated and zeroed the backing
// memory, this only validates the call and updates memory accounting.
//
// This function replaces runtime.sysMap and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
	mSysStatInc(sysStat, uintptr(regionSize))
	return virtAddr
}

// sysAlloc reserves enough physical memory to satisfy the allocation
// request and returns its address directly, since that address already
// doubles as the virtual address in this kernel's identity mapping.
//
// This function replaces runtime.sysAlloc and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
	addr, ok := allocRegionFn(uintptr(regionSize))
	if !ok {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(addr)
}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation and will be replaced when the timekeeper package is
// implemented.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	// Use a dummy loop to prevent the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates the given slice with random data. The implementation
// is the runtime package reads a random stream from /dev/random but since this
// is not available, we use a prng instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. After a call to init
// the following runtime features become available for use:
//  - heap memory allocation (new, make e.t.c)
//  - map primitives
//  - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
	getRandomData(nil)
	stat = nanotime()
}
