package multiboot

import (
	"testing"
	"unsafe"
)

// buildInfo lays out a minimal multiboot2 info structure containing a
// BASIC_MEMINFO tag and a MEMORY_MAP tag with two entries, then returns a
// pointer to it. The backing array is kept alive by the caller's stack
// frame for the duration of the test.
func buildInfo(buf []byte) uintptr {
	base := uintptr(unsafe.Pointer(&buf[0]))

	putU32 := func(off int, v uint32) {
		*(*uint32)(unsafe.Pointer(base + uintptr(off))) = v
	}

	// info header
	putU32(0, uint32(len(buf)))
	putU32(4, 0)

	// BASIC_MEMINFO tag at offset 8
	putU32(8, uint32(tagBasicMemInfo))
	putU32(12, 16) // size including header
	putU32(16, 640)
	putU32(20, 63 * 1024)

	// MEMORY_MAP tag at offset 24 (8-byte aligned)
	mmapOff := 24
	putU32(mmapOff, uint32(tagMemoryMap))
	entrySize := 24
	mmapSize := 16 + 2*entrySize
	putU32(mmapOff+4, uint32(mmapSize))
	putU32(mmapOff+8, uint32(entrySize))
	putU32(mmapOff+12, 0)

	e0 := mmapOff + 16
	*(*uint64)(unsafe.Pointer(base + uintptr(e0))) = 0
	*(*uint64)(unsafe.Pointer(base + uintptr(e0+8))) = 0x9fc00
	putU32(e0+16, uint32(MemAvailable))

	e1 := e0 + entrySize
	*(*uint64)(unsafe.Pointer(base + uintptr(e1))) = 0x100000
	*(*uint64)(unsafe.Pointer(base + uintptr(e1+8))) = 0x1000000
	putU32(e1+16, uint32(MemAvailable))

	endOff := mmapOff + mmapSize
	putU32(endOff, uint32(tagEnd))
	putU32(endOff+4, 8)

	return base
}

func TestBasicMemInfo(t *testing.T) {
	buf := make([]byte, 128)
	SetInfoPtr(buildInfo(buf))
	defer SetInfoPtr(0)

	lower, upper, ok := BasicMemInfo()
	if !ok {
		t.Fatal("expected BASIC_MEMINFO tag to be found")
	}
	if lower != 640 || upper != 63*1024 {
		t.Fatalf("unexpected basic mem info: lower=%d upper=%d", lower, upper)
	}
}

func TestVisitMemoryMap(t *testing.T) {
	buf := make([]byte, 128)
	SetInfoPtr(buildInfo(buf))
	defer SetInfoPtr(0)

	var seen []Entry
	VisitMemoryMap(func(e *Entry) bool {
		seen = append(seen, *e)
		return true
	})

	if len(seen) != 2 {
		t.Fatalf("expected 2 memory map entries; got %d", len(seen))
	}
	if seen[0].Address != 0 || seen[1].Address != 0x100000 {
		t.Fatalf("unexpected entry addresses: %#x, %#x", seen[0].Address, seen[1].Address)
	}
}

func TestVisitMemoryMapFallsBackWithoutInfo(t *testing.T) {
	SetInfoPtr(0)

	var seen []Entry
	VisitMemoryMap(func(e *Entry) bool {
		seen = append(seen, *e)
		return true
	})

	if len(seen) != 1 || seen[0].Type != MemAvailable {
		t.Fatalf("expected a single synthesized MemAvailable entry; got %+v", seen)
	}
}

func TestVisitMemoryMapStopsEarly(t *testing.T) {
	buf := make([]byte, 128)
	SetInfoPtr(buildInfo(buf))
	defer SetInfoPtr(0)

	count := 0
	VisitMemoryMap(func(e *Entry) bool {
		count++
		return false
	})

	if count != 1 {
		t.Fatalf("expected the visitor to stop after the first entry; called %d times", count)
	}
}
