package pmm

import (
	"nestedkernel/kernel/mem"
	"testing"
)

const testPageSize = uintptr(mem.PageSize)

func TestAllocFreeConservesPages(t *testing.T) {
	Init()
	AddRegion(0, 64*testPageSize)

	before := FreePages()

	addr, ok := Alloc(2) // 4 pages
	if !ok {
		t.Fatal("expected Alloc(2) to succeed")
	}
	if addr%testPageSize != 0 {
		t.Fatalf("expected page-aligned address; got %#x", addr)
	}
	if got := FreePages(); got != before-4 {
		t.Fatalf("expected %d free pages after alloc; got %d", before-4, got)
	}

	Free(addr, 2)
	if got := FreePages(); got != before {
		t.Fatalf("expected free pages to return to %d after Free; got %d", before, got)
	}
}

func TestAllocSplitsLargerBlocks(t *testing.T) {
	Init()
	AddRegion(0, 8*testPageSize) // single order-3 block

	a0, ok := Alloc(0)
	if !ok {
		t.Fatal("expected order-0 alloc to succeed")
	}
	a1, ok := Alloc(0)
	if !ok {
		t.Fatal("expected second order-0 alloc to succeed")
	}
	if a0 == a1 {
		t.Fatalf("expected distinct addresses; got %#x twice", a0)
	}

	Free(a0, 0)
	Free(a1, 0)

	if got := FreePages(); got != 8 {
		t.Fatalf("expected all 8 pages free after releasing both allocations; got %d", got)
	}
}

func TestAllocExhaustion(t *testing.T) {
	Init()
	AddRegion(0, 2*testPageSize)

	if _, ok := Alloc(5); ok {
		t.Fatal("expected an order-5 allocation over a 2-page region to fail")
	}
}

func TestAllocRejectsOrderAboveMax(t *testing.T) {
	Init()
	AddRegion(0, 4096*testPageSize)

	if _, ok := Alloc(MaxOrder + 1); ok {
		t.Fatal("expected an allocation above MaxOrder to fail")
	}
}

func TestReserveRegionRemovesCapacity(t *testing.T) {
	Init()
	AddRegion(0, 16*testPageSize)

	total := FreePages()
	ReserveRegion(4*testPageSize, 4*testPageSize) // reserve pages [4,8)

	if got := FreePages(); got != total-4 {
		t.Fatalf("expected %d free pages after reserving 4; got %d", total-4, got)
	}

	// The reserved range must never be handed out by Alloc.
	seen := make(map[uintptr]bool)
	for i := 0; i < 100; i++ {
		addr, ok := Alloc(0)
		if !ok {
			break
		}
		seen[addr] = true
		if addr >= 4*testPageSize && addr < 8*testPageSize {
			t.Fatalf("allocator returned reserved page %#x", addr)
		}
	}
}

func TestFreeUnknownAddressIsNoOp(t *testing.T) {
	Init()
	AddRegion(0, 4*testPageSize)

	before := FreePages()
	Free(1234*testPageSize, 0)
	if got := FreePages(); got != before {
		t.Fatalf("expected freeing an unknown address to be a no-op; free pages changed from %d to %d", before, got)
	}
}

func TestTotalPages(t *testing.T) {
	Init()
	AddRegion(0, 10*testPageSize)
	AddRegion(100*testPageSize, 6*testPageSize)

	if got := TotalPages(); got != 16 {
		t.Fatalf("expected TotalPages() == 16; got %d", got)
	}
}
