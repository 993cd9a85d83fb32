// Package acpi locates the Multiple APIC Description Table (MADT) and
// extracts the local APIC ID of every enabled logical CPU. Everything else
// ACPI exposes (FADT power management, the AML DSDT/SSDT interpreter) is out
// of scope; this package only answers "how many CPUs, and what are their
// APIC IDs".
package acpi

import (
	"nestedkernel/kernel/acpi/table"
	"nestedkernel/kernel/cpu"
	"unsafe"
)

const (
	rsdpScanStart = 0xe0000
	rsdpScanEnd   = 0xfffff
	rsdpAlign     = 16

	madtSignature = "APIC"
	rsdpSignature = "RSD PTR "
)

// FindRSDP scans the BIOS read-only memory region for the root system
// descriptor pointer, validating its checksum before returning it. Returns
// nil if no valid RSDP is present (e.g. under a minimal hypervisor firmware
// that omits ACPI tables entirely).
func FindRSDP() *table.RSDPDescriptor {
	for addr := uintptr(rsdpScanStart); addr < rsdpScanEnd; addr += rsdpAlign {
		rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(addr))
		if string(rsdp.Signature[:]) != rsdpSignature {
			continue
		}
		if !checksumValid(unsafe.Pointer(addr), 20) {
			continue
		}
		return rsdp
	}
	return nil
}

func checksumValid(addr unsafe.Pointer, length int) bool {
	var sum uint8
	base := uintptr(addr)
	for i := 0; i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(base + uintptr(i)))
	}
	return sum == 0
}

func tableValid(hdr *table.SDTHeader) bool {
	return checksumValid(unsafe.Pointer(hdr), int(hdr.Length))
}

// findMADT walks the RSDT (ACPI 1.0) or XSDT (ACPI 2.0+) pointed to by rsdp
// looking for the table whose signature is "APIC".
func findMADT(rsdp *table.RSDPDescriptor) *table.MADT {
	var sdtAddr uintptr
	var use64 bool

	if rsdp.Revision >= 2 {
		ext := (*table.ExtRSDPDescriptor)(unsafe.Pointer(rsdp))
		sdtAddr = uintptr(ext.XSDTAddr)
		use64 = true
	} else {
		sdtAddr = uintptr(rsdp.RSDTAddr)
	}

	if sdtAddr == 0 {
		return nil
	}

	root := (*table.SDTHeader)(unsafe.Pointer(sdtAddr))
	if !tableValid(root) {
		return nil
	}

	entriesBase := sdtAddr + unsafe.Sizeof(table.SDTHeader{})
	headerLen := int(unsafe.Sizeof(table.SDTHeader{}))
	entryCount := (int(root.Length) - headerLen) / entrySize(use64)

	for i := 0; i < entryCount; i++ {
		var entryAddr uintptr
		if use64 {
			entryAddr = uintptr(*(*uint64)(unsafe.Pointer(entriesBase + uintptr(i*8))))
		} else {
			entryAddr = uintptr(*(*uint32)(unsafe.Pointer(entriesBase + uintptr(i*4))))
		}

		hdr := (*table.SDTHeader)(unsafe.Pointer(entryAddr))
		if string(hdr.Signature[:]) != madtSignature {
			continue
		}
		if !tableValid(hdr) {
			continue
		}
		return (*table.MADT)(unsafe.Pointer(entryAddr))
	}
	return nil
}

func entrySize(use64 bool) int {
	if use64 {
		return 8
	}
	return 4
}

// LocalAPICIDs returns the APIC ID of every enabled logical CPU described
// by the MADT. If no valid RSDP or MADT can be located, it falls back to a
// single-entry slice built from CPUID leaf 1 (EBX bits 24-31), which is
// always the executing CPU's own APIC ID.
func LocalAPICIDs() []uint8 {
	rsdp := FindRSDP()
	if rsdp == nil {
		return []uint8{cpuidAPICID()}
	}

	madt := findMADT(rsdp)
	if madt == nil {
		return []uint8{cpuidAPICID()}
	}

	var ids []uint8
	headerLen := unsafe.Sizeof(table.MADT{})
	entriesEnd := uintptr(unsafe.Pointer(madt)) + uintptr(madt.Length)
	cursor := uintptr(unsafe.Pointer(madt)) + headerLen

	for cursor < entriesEnd {
		entry := (*table.MADTEntry)(unsafe.Pointer(cursor))
		if entry.Length == 0 {
			break
		}

		if table.MADTEntryType(entry.Type) == table.MADTEntryTypeLocalAPIC {
			lapic := (*table.MADTEntryLocalAPIC)(unsafe.Pointer(cursor + unsafe.Sizeof(table.MADTEntry{})))
			// The flags field sits at byte 4 of the raw entry; Go pads
			// MADTEntryLocalAPIC.Flags past that, so read it directly.
			flags := *(*uint32)(unsafe.Pointer(cursor + 4))
			if flags&1 != 0 {
				ids = append(ids, lapic.APICID)
			}
		}

		cursor += uintptr(entry.Length)
	}

	if len(ids) == 0 {
		return []uint8{cpuidAPICID()}
	}
	return ids
}

func cpuidAPICID() uint8 {
	_, ebx, _, _ := cpu.ID(1)
	return uint8(ebx >> 24)
}
