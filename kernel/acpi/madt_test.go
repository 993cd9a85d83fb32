package acpi

import (
	"nestedkernel/kernel/acpi/table"
	"testing"
	"unsafe"
)

func TestChecksumValid(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03}
	sum := byte(0)
	for _, b := range buf {
		sum -= b
	}
	buf = append(buf, sum)

	if !checksumValid(unsafe.Pointer(&buf[0]), len(buf)) {
		t.Fatal("expected a checksum-balanced buffer to validate")
	}

	buf[len(buf)-1]++
	if checksumValid(unsafe.Pointer(&buf[0]), len(buf)) {
		t.Fatal("expected a corrupted checksum to fail validation")
	}
}

func TestEntrySize(t *testing.T) {
	if got := entrySize(true); got != 8 {
		t.Fatalf("expected 64-bit entries to be 8 bytes; got %d", got)
	}
	if got := entrySize(false); got != 4 {
		t.Fatalf("expected 32-bit entries to be 4 bytes; got %d", got)
	}
}

func TestTableValidUsesHeaderLength(t *testing.T) {
	hdr := table.SDTHeader{Length: uint32(unsafe.Sizeof(table.SDTHeader{}))}
	hdr.Signature = [4]byte{'T', 'E', 'S', 'T'}

	// Compute and install a balancing checksum byte by byte.
	raw := (*[1 << 20]byte)(unsafe.Pointer(&hdr))[:hdr.Length:hdr.Length]
	var sum byte
	for i, b := range raw {
		if i == 9 { // Checksum field offset within SDTHeader
			continue
		}
		sum += b
	}
	hdr.Checksum = byte(-int8(sum))

	if !tableValid(&hdr) {
		t.Fatal("expected a checksum-balanced header to validate")
	}
}
