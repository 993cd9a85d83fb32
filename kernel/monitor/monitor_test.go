package monitor

import (
	"nestedkernel/kernel/mem"
	"nestedkernel/kernel/mem/pcd"
	"nestedkernel/kernel/mem/pmm"
	"testing"
	"unsafe"
)

// CR3/CR0/INVLPG live in view.go and call.go and require ring 0, so they
// cannot run under go test. Everything exercised here -- mapping.go's
// MapPage/UnmapPage/AllocPhys/FreePhys and four of VerifyAll's six
// invariant checks -- touches only page-table memory and PCD bookkeeping,
// neither of which needs privileged instructions.

// setupTableArena brings up a PMM region backed by real, dereferenceable Go
// memory, for tests that build page-table chains via walkToPT/createOrGetTable
// (which write real PTE bytes through tableAt). phys addresses handed out by
// this arena are genuine heap addresses and are never "managed" by a small
// PCD table, so tests using it classify their mapping targets by literal
// constant address instead of by what this arena allocates.
func setupTableArena(t *testing.T, pages int) {
	t.Helper()
	pageSize := uintptr(mem.PageSize)
	raw := make([]byte, (pages+1)*int(pageSize))
	base := (uintptr(unsafe.Pointer(&raw[0])) + pageSize - 1) &^ (pageSize - 1)

	pmm.Init()
	pmm.AddRegion(base, uintptr(pages)*pageSize)
}

// setupPCD brings up PCD over [0, totalPages*pageSize). Safe to use with
// literal-constant "physical" addresses in that range since nothing in this
// package dereferences the phys argument it classifies -- PCD only indexes
// its own backing array, never the address itself.
func setupPCD(t *testing.T, totalPages uint64) {
	t.Helper()
	storage := make([]byte, totalPages*8)
	pcd.Init(uintptr(unsafe.Pointer(&storage[0])), totalPages)
}

// setupBookkeepingArena registers a PMM region starting at address 0, like
// the PMM and PCD packages' own tests do: safe only because AllocPhys and
// FreePhys never dereference the addresses they hand out or classify.
func setupBookkeepingArena(t *testing.T, pages uint64) {
	t.Helper()
	pmm.Init()
	pmm.AddRegion(0, uintptr(pages)*uintptr(mem.PageSize))
	setupPCD(t, pages)
}

func resetViews() {
	monitorView = View{}
	outerView = View{}
	initialized = false
}

func buildView(t *testing.T) View {
	t.Helper()
	v, err := allocView()
	if err != nil {
		t.Fatalf("unexpected alloc failure: %v", err)
	}
	return v
}

func allocView() (View, error) {
	var v View
	for _, dst := range []*uintptr{&v.pml4, &v.pdpt, &v.pd, &v.pt0} {
		addr, ok := pmm.Alloc(0)
		if !ok {
			return View{}, errTableArenaExhausted
		}
		tableAt(addr).clear()
		*dst = addr
	}
	return v, nil
}

var errTableArenaExhausted = tableArenaExhaustedErr{}

type tableArenaExhaustedErr struct{}

func (tableArenaExhaustedErr) Error() string { return "table arena exhausted" }

func TestMapPageDeniesWritableForNKNormal(t *testing.T) {
	setupTableArena(t, 64)
	setupPCD(t, 4096)
	resetViews()
	defer resetViews()

	outerView = buildView(t)
	initialized = true

	const target = uintptr(0x600000)
	if err := pcd.SetType(target, pcd.NKNormal); err != nil {
		t.Fatalf("unexpected error classifying page: %v", err)
	}

	if err := MapPage(0x400000, target, true); err == nil {
		t.Fatal("expected MapPage to deny a writable mapping of an NKNormal page")
	}
	if err := MapPage(0x400000, target, false); err != nil {
		t.Fatalf("expected a read-only mapping of an NKNormal page to succeed; got %v", err)
	}
}

func TestMapPageAllowsWritableForOKNormal(t *testing.T) {
	setupTableArena(t, 64)
	setupPCD(t, 4096)
	resetViews()
	defer resetViews()

	outerView = buildView(t)
	initialized = true

	const target = uintptr(0x600000)
	if err := pcd.SetType(target, pcd.OKNormal); err != nil {
		t.Fatalf("unexpected error classifying page: %v", err)
	}

	if err := MapPage(0x400000, target, true); err != nil {
		t.Fatalf("expected a writable mapping of an OKNormal page to succeed; got %v", err)
	}

	pt, err := walkToPT(&outerView, 0x400000)
	if err != nil {
		t.Fatalf("unexpected walk error: %v", err)
	}
	entry := pt.entry(ptIndex(0x400000))
	if entry&flagPresent == 0 || entry&flagWritable == 0 {
		t.Fatalf("expected present+writable leaf entry; got %#x", entry)
	}
}

func TestMapPageDeniesWritableForNKPage(t *testing.T) {
	setupTableArena(t, 64)
	setupPCD(t, 4096)
	resetViews()
	defer resetViews()

	outerView = buildView(t)
	initialized = true

	const target = uintptr(0x600000)
	if err := pcd.SetType(target, pcd.NKPgtable); err != nil {
		t.Fatalf("unexpected error classifying page: %v", err)
	}

	if err := MapPage(0x400000, target, true); err == nil {
		t.Fatal("expected MapPage to deny a writable mapping of an NKPgtable page")
	}
}

func TestUnmapPageClearsLeafEntry(t *testing.T) {
	setupTableArena(t, 64)
	setupPCD(t, 4096)
	resetViews()
	defer resetViews()

	outerView = buildView(t)
	initialized = true

	const target = uintptr(0x600000)
	_ = pcd.SetType(target, pcd.OKNormal)
	if err := MapPage(0x800000, target, true); err != nil {
		t.Fatalf("unexpected map error: %v", err)
	}

	if err := UnmapPage(0x800000); err != nil {
		t.Fatalf("unexpected unmap error: %v", err)
	}

	pt, err := walkToPT(&outerView, 0x800000)
	if err != nil {
		t.Fatalf("unexpected walk error: %v", err)
	}
	if entry := pt.entry(ptIndex(0x800000)); entry != 0 {
		t.Fatalf("expected cleared leaf entry; got %#x", entry)
	}
}

func TestUnmapPageOfNeverMappedAddressIsANoop(t *testing.T) {
	setupTableArena(t, 64)
	resetViews()
	defer resetViews()

	outerView = buildView(t)
	initialized = true

	if err := UnmapPage(0xdeadb000); err != nil {
		t.Fatalf("expected unmapping a never-mapped address to be a no-op; got %v", err)
	}
}

func TestAllocPhysStampsOKNormal(t *testing.T) {
	setupBookkeepingArena(t, 64)
	resetViews()
	defer resetViews()
	initialized = true

	phys, err := AllocPhys()
	if err != nil {
		t.Fatalf("unexpected AllocPhys error: %v", err)
	}
	if got := pcd.GetType(phys); got != pcd.OKNormal {
		t.Fatalf("expected AllocPhys to stamp OKNormal; got %v", got)
	}
}

func TestFreePhysRejectsMonitorOwnedPage(t *testing.T) {
	setupBookkeepingArena(t, 64)
	resetViews()
	defer resetViews()
	initialized = true

	phys, ok := pmm.Alloc(0)
	if !ok {
		t.Fatal("expected alloc to succeed")
	}
	if err := pcd.SetType(phys, pcd.NKNormal); err != nil {
		t.Fatalf("unexpected error classifying page: %v", err)
	}

	if err := FreePhys(phys); err == nil {
		t.Fatal("expected FreePhys to reject a monitor-owned page")
	}
}

func TestFreePhysAcceptsOKNormalPage(t *testing.T) {
	setupBookkeepingArena(t, 64)
	resetViews()
	defer resetViews()
	initialized = true

	phys, err := AllocPhys()
	if err != nil {
		t.Fatalf("unexpected AllocPhys error: %v", err)
	}
	if err := FreePhys(phys); err != nil {
		t.Fatalf("expected FreePhys to accept an OKNormal page; got %v", err)
	}
}

func TestCheckOuterPTPReadOnlyAndMonitorWritable(t *testing.T) {
	setupTableArena(t, 64)
	resetViews()
	defer resetViews()

	monitorView = buildView(t)
	outerView = buildView(t)

	// Build out the full pml4->pdpt->pd chain down to a 2 MiB PS leaf
	// covering monitorView.pml4 itself, in both views, the way Init leaves
	// any not-yet-split region: findLeafEntry walks every level, so a
	// partial chain (as the old PD-only check used) is no longer enough.
	target := monitorView.pml4
	p4i, p3i, p2i := pml4Index(target), pdptIndex(target), pdIndex(target)
	leafBase := target &^ (uintptr(1)<<21 - 1)

	tableAt(monitorView.pml4).setEntry(p4i, uint64(monitorView.pdpt)|flagPresent|flagWritable)
	tableAt(monitorView.pdpt).setEntry(p3i, uint64(monitorView.pd)|flagPresent|flagWritable)
	tableAt(monitorView.pd).setEntry(p2i, uint64(leafBase)|flagPresent|flagWritable|flagPS)

	tableAt(outerView.pml4).setEntry(p4i, uint64(outerView.pdpt)|flagPresent)
	tableAt(outerView.pdpt).setEntry(p3i, uint64(outerView.pd)|flagPresent)
	tableAt(outerView.pd).setEntry(p2i, uint64(leafBase)|flagPresent|flagPS)

	if !checkOuterPTPReadOnly() {
		t.Error("expected outer PTP read-only invariant to hold")
	}
	if !checkMonitorPTPWritable() {
		t.Error("expected monitor PTP writable invariant to hold")
	}

	tableAt(outerView.pd).setEntry(p2i, uint64(leafBase)|flagPresent|flagWritable|flagPS)
	if checkOuterPTPReadOnly() {
		t.Error("expected outer PTP read-only invariant to fail once the writable bit is set")
	}
}

func TestCheckRootsNonZero(t *testing.T) {
	resetViews()
	defer resetViews()

	if checkRootsNonZero() {
		t.Error("expected checkRootsNonZero to fail on zero-valued views")
	}

	monitorView.pml4 = 0x1000
	outerView.pml4 = 0x2000
	if !checkRootsNonZero() {
		t.Error("expected checkRootsNonZero to pass once both roots are set")
	}
}

func TestCheckViewsAgree(t *testing.T) {
	setupTableArena(t, 64)
	resetViews()
	defer resetViews()

	monitorView = buildView(t)
	outerView = buildView(t)

	mPml4, oPml4 := tableAt(monitorView.pml4), tableAt(outerView.pml4)
	for i := 0; i < entriesPerTable; i++ {
		mPml4.setEntry(i, uint64(i)|flagPresent)
		oPml4.setEntry(i, uint64(i)|flagPresent)
	}

	if !checkViewsAgree() {
		t.Error("expected identical PML4 entries to agree")
	}

	oPml4.setEntry(10, 0xbad|flagPresent)
	if checkViewsAgree() {
		t.Error("expected a divergent non-exempt PML4 entry to fail the check")
	}
}
