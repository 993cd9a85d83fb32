package main

import "nestedkernel/kmain"

// main is the only Go symbol visible from the entry stub. It is a
// trampoline for kmain.Kmain so the Go compiler cannot reason the rest of
// the kernel away as unreachable dead code -- it has no visibility into
// whatever non-Go entry code calls main.
//
// A real boot would have the entry stub populate kmain.BootInfo from the
// multiboot2 pointer the bootloader left in RDI and a startup trampoline
// page the linker script reserves, then call kmain.Kmain directly instead
// of main; main() with a zero BootInfo only exists so this package still
// builds as a freestanding binary on its own.
//
// main is not expected to return. If it does, the entry stub halts the CPU.
func main() {
	kmain.Kmain(kmain.BootInfo{})
}
