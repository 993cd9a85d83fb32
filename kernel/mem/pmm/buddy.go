package pmm

import (
	"nestedkernel/kernel/mem"
	"nestedkernel/kernel/sync"
	"unsafe"
)

const (
	// MaxOrder is the largest buddy order this allocator manages: order k
	// represents a run of 2^k contiguous pages.
	MaxOrder = 9

	numOrders = MaxOrder + 1

	// maxBlockDescriptors bounds the static descriptor pool. Every
	// AddRegion/split/coalesce consumes or returns one entry from this
	// pool; none of it is heap-allocated since the buddy allocator comes
	// up before the Go heap does.
	maxBlockDescriptors = 4096

	nilBlock = -1
)

// block describes one physical memory run tracked by the allocator. Free
// blocks of the same order are threaded together via prev/next indices into
// the static pool below, the same technique original_source's list_head
// macros implement with real pointers.
type block struct {
	baseAddr  uintptr
	order     uint8
	allocated bool
	prev      int32
	next      int32
}

var buddy struct {
	lock sync.Spinlock

	blocks     [maxBlockDescriptors]block
	blockCount int32

	freeHead  [numOrders]int32
	freeCount [numOrders]int32

	allocHead int32

	totalPages uint64
	freePages  uint64
}

// Init resets the buddy allocator to an empty state with no managed
// regions. It must be called exactly once, before any AddRegion call.
func Init() {
	buddy.lock.Acquire()
	defer buddy.lock.Release()

	buddy.blockCount = 0
	buddy.totalPages = 0
	buddy.freePages = 0
	buddy.allocHead = nilBlock
	for o := range buddy.freeHead {
		buddy.freeHead[o] = nilBlock
		buddy.freeCount[o] = 0
	}
}

func listRemove(head *int32, idx int32) {
	b := &buddy.blocks[idx]
	if b.prev != nilBlock {
		buddy.blocks[b.prev].next = b.next
	} else {
		*head = b.next
	}
	if b.next != nilBlock {
		buddy.blocks[b.next].prev = b.prev
	}
	b.prev, b.next = nilBlock, nilBlock
}

func listPushFront(head *int32, idx int32) {
	b := &buddy.blocks[idx]
	b.prev = nilBlock
	b.next = *head
	if *head != nilBlock {
		buddy.blocks[*head].prev = idx
	}
	*head = idx
}

func allocBlockDesc() int32 {
	if buddy.blockCount >= maxBlockDescriptors {
		return nilBlock
	}
	idx := buddy.blockCount
	buddy.blockCount++
	buddy.blocks[idx] = block{prev: nilBlock, next: nilBlock}
	return idx
}

// registerFreeBlock links a new free block descriptor into the free list for
// order without touching freePages. Used when the pages described are
// already reflected in the page count -- the buddy shaved off by splitBlock
// is still free, just re-described as a smaller block, not newly entering
// circulation. Returns false if the descriptor pool is exhausted.
func registerFreeBlock(addr uintptr, order uint8) bool {
	idx := allocBlockDesc()
	if idx == nilBlock {
		return false
	}
	buddy.blocks[idx].baseAddr = addr
	buddy.blocks[idx].order = order
	buddy.blocks[idx].allocated = false

	listPushFront(&buddy.freeHead[order], idx)
	buddy.freeCount[order]++
	return true
}

// addFreeBlock installs a new free block of the given order and counts its
// pages as newly available, for callers handing previously-untracked or
// previously-reserved pages back into circulation (AddRegion, the
// surviving remainder of a ReserveRegion cut). Returns false if the
// descriptor pool is exhausted.
func addFreeBlock(addr uintptr, order uint8) bool {
	if !registerFreeBlock(addr, order) {
		return false
	}
	buddy.freePages += 1 << order
	return true
}

func buddyAddr(addr uintptr, order uint8) uintptr {
	size := uintptr(mem.PageSize) << order
	return addr ^ size
}

// splitBlock repeatedly halves idx (moving it down through the free lists,
// spawning a buddy block at each step) until it reaches targetOrder, then
// removes it from the free list and marks it allocated. The buddies shaved
// off along the way stay free and already counted in freePages -- only the
// targetOrder pages handed out at the end leave circulation.
func splitBlock(idx int32, targetOrder uint8) int32 {
	for buddy.blocks[idx].order > targetOrder {
		o := buddy.blocks[idx].order
		listRemove(&buddy.freeHead[o], idx)
		buddy.freeCount[o]--

		buddy.blocks[idx].order = o - 1
		buddyBase := buddy.blocks[idx].baseAddr + uintptr(mem.PageSize)<<(o-1)
		registerFreeBlock(buddyBase, o-1)

		listPushFront(&buddy.freeHead[o-1], idx)
		buddy.freeCount[o-1]++
	}

	o := buddy.blocks[idx].order
	listRemove(&buddy.freeHead[o], idx)
	buddy.freeCount[o]--
	buddy.blocks[idx].allocated = true
	listPushFront(&buddy.allocHead, idx)
	buddy.freePages -= 1 << targetOrder
	return idx
}

// findFreeBlock locates the smallest free block of order >= order and
// splits it down to exactly order, or returns nilBlock if none is large
// enough.
func findFreeBlock(order uint8) int32 {
	for o := order; o < numOrders; o++ {
		if buddy.freeHead[o] != nilBlock {
			return splitBlock(buddy.freeHead[o], order)
		}
	}
	return nilBlock
}

func findAllocatedBlock(addr uintptr) int32 {
	for idx := buddy.allocHead; idx != nilBlock; idx = buddy.blocks[idx].next {
		if buddy.blocks[idx].baseAddr == addr {
			return idx
		}
	}
	return nilBlock
}

// coalesceBlock merges idx with its buddy as long as the buddy is free,
// climbing orders until either MaxOrder is reached or no mergeable buddy is
// found, then re-inserts it into the appropriate free list. freedOrder is
// captured before any merge: every buddy folded in along the way was
// already free and already counted in freePages, so only idx's own
// original page run re-enters circulation here.
func coalesceBlock(idx int32) {
	freedOrder := buddy.blocks[idx].order

	for buddy.blocks[idx].order < MaxOrder {
		order := buddy.blocks[idx].order
		want := buddyAddr(buddy.blocks[idx].baseAddr, order)

		buddyIdx := int32(nilBlock)
		for cand := buddy.freeHead[order]; cand != nilBlock; cand = buddy.blocks[cand].next {
			if buddy.blocks[cand].baseAddr == want {
				buddyIdx = cand
				break
			}
		}
		if buddyIdx == nilBlock {
			break
		}

		listRemove(&buddy.freeHead[order], buddyIdx)
		buddy.freeCount[order]--

		if buddy.blocks[idx].baseAddr > want {
			buddy.blocks[idx].baseAddr = want
		}
		buddy.blocks[idx].order++
	}

	order := buddy.blocks[idx].order
	buddy.blocks[idx].allocated = false
	listPushFront(&buddy.freeHead[order], idx)
	buddy.freeCount[order]++
	buddy.freePages += 1 << freedOrder
}

// AddRegion hands a page-aligned physical range to the allocator, carving
// it into the largest aligned power-of-two blocks that fit. base and size
// are rounded to page boundaries first; a region smaller than one page
// after rounding is ignored.
func AddRegion(base, size uintptr) {
	pageSize := uintptr(mem.PageSize)
	base = (base + pageSize - 1) &^ (pageSize - 1)
	size = size &^ (pageSize - 1)
	if size < pageSize {
		return
	}

	buddy.lock.Acquire()
	defer buddy.lock.Release()

	end := base + size
	addr := base
	for addr < end {
		remaining := end - addr

		placed := false
		for order := int8(MaxOrder); order >= 0; order-- {
			blockSize := pageSize << uint(order)
			if remaining >= blockSize && addr&(blockSize-1) == 0 {
				if !addFreeBlock(addr, uint8(order)) {
					return
				}
				addr += blockSize
				placed = true
				break
			}
		}
		if !placed {
			break
		}
	}

	buddy.totalPages += uint64(size / pageSize)
}

// ReserveRegion removes any free capacity intersecting [base, base+size)
// from circulation, splitting blocks down to page granularity as needed and
// re-adding the non-intersecting prefix/suffix. Used at boot to carve out
// the kernel image, the AP trampoline page, and the boot stacks before the
// allocator is handed to callers.
func ReserveRegion(base, size uintptr) {
	pageSize := uintptr(mem.PageSize)
	addr := (base + pageSize - 1) &^ (pageSize - 1)
	end := (base + size) &^ (pageSize - 1)
	if addr >= end {
		return
	}

	buddy.lock.Acquire()
	defer buddy.lock.Release()

	for order := uint8(0); order < numOrders; order++ {
		next := buddy.freeHead[order]
		for next != nilBlock {
			idx := next
			next = buddy.blocks[idx].next

			blockStart := buddy.blocks[idx].baseAddr
			blockEnd := blockStart + pageSize<<order
			if addr >= blockEnd || end <= blockStart {
				continue
			}

			listRemove(&buddy.freeHead[order], idx)
			buddy.freeCount[order]--
			buddy.freePages -= 1 << order

			if blockStart < addr {
				reAddSplitRange(blockStart, addr-blockStart, order)
			}
			if blockEnd > end {
				reAddSplitRange(end, blockEnd-end, order)
			}
		}
	}
}

// reAddSplitRange re-inserts a sub-range of a block that survived a
// reservation, using the largest aligned blocks (bounded by maxOrder) that
// fit, mirroring original_source's prefix/suffix re-insertion loop.
func reAddSplitRange(addr, size uintptr, maxOrder uint8) {
	pageSize := uintptr(mem.PageSize)
	for size >= pageSize {
		placed := false
		for o := int(maxOrder); o >= 0; o-- {
			blockSize := pageSize << uint(o)
			if size >= blockSize && addr&(blockSize-1) == 0 {
				addFreeBlock(addr, uint8(o))
				addr += blockSize
				size -= blockSize
				placed = true
				break
			}
		}
		if !placed {
			break
		}
	}
}

// Alloc returns the physical base address of a freshly allocated run of
// 2^order pages, or false if no sufficiently large free block remains.
func Alloc(order uint8) (uintptr, bool) {
	if order > MaxOrder {
		return 0, false
	}

	buddy.lock.Acquire()
	defer buddy.lock.Release()

	idx := findFreeBlock(order)
	if idx == nilBlock {
		return 0, false
	}
	return buddy.blocks[idx].baseAddr, true
}

// Free returns a previously allocated run back to the allocator. order must
// match the order passed to the Alloc call that produced addr. Freeing an
// address this allocator has no record of allocating is a no-op.
func Free(addr uintptr, order uint8) {
	if order > MaxOrder {
		return
	}

	buddy.lock.Acquire()
	defer buddy.lock.Release()

	idx := findAllocatedBlock(addr)
	if idx == nilBlock {
		return
	}

	listRemove(&buddy.allocHead, idx)
	coalesceBlock(idx)
}

// FreePages returns the number of pages currently available for Alloc.
func FreePages() uint64 {
	buddy.lock.Acquire()
	defer buddy.lock.Release()
	return buddy.freePages
}

// TotalPages returns the number of pages ever handed to the allocator via
// AddRegion.
func TotalPages() uint64 {
	buddy.lock.Acquire()
	defer buddy.lock.Release()
	return buddy.totalPages
}

// InternalStateRange returns the physical address range backing this
// allocator's own bookkeeping (the free/alloc lists and descriptor pool).
// This lives in the kernel's own .bss, not behind a pmm.Alloc call, so
// nothing else stamps it in the PCD table automatically; the monitor uses
// this to fold it into the set of pages it write-protects in the outer
// view, since a writable descriptor pool is as good as a writable PMM to
// an attacker.
func InternalStateRange() (base, size uintptr) {
	return uintptr(unsafe.Pointer(&buddy)), unsafe.Sizeof(buddy)
}
