package monitor

import (
	"nestedkernel/kernel/cpu"
	"nestedkernel/kernel/gate"
	"nestedkernel/kernel/kfmt"
	"nestedkernel/kernel/mem/pcd"
)

// pageFaultErrWrite is bit 1 of the page-fault error code: set when the
// fault was caused by a write, clear for a read or instruction fetch.
const pageFaultErrWrite = 1 << 1

// InstallFaultHandler wires the page-fault vector to pageFaultHandler. It
// is this package's security backstop: if the outer view's write-stripped
// PTEs were ever bypassed (stale TLB entry, programming error in
// MapPage/walkToPT, a misclassified PCD entry), the only way a write still
// reaches an NK-owned page is through a bug the MMU itself catches, and
// this handler treats that as fatal rather than attempting recovery.
func InstallFaultHandler() {
	gate.HandleInterrupt(gate.PageFaultException, 0, pageFaultHandler)
}

func pageFaultHandler(regs *gate.Registers) {
	faultAddr := uintptr(cpu.ReadCR2())
	isWrite := regs.Info&pageFaultErrWrite != 0

	if isWrite && cpu.ActivePDT() != monitorView.pml4 {
		switch pcd.GetType(faultAddr) {
		case pcd.NKNormal, pcd.NKPgtable:
			kfmt.Printf("page fault: write to monitor-owned page %x from outer view\n", faultAddr)
			regs.DumpTo(kfmt.OutputSink())
			kfmt.Panic("monitor: write to protected page, halting")
		}
	}

	kfmt.Printf("unhandled page fault at %x (error %x)\n", faultAddr, regs.Info)
	regs.DumpTo(kfmt.OutputSink())
	kfmt.Panic("monitor: unrecoverable page fault")
}

// logInvariantFailure reports a single failed invariant from VerifyAll.
func logInvariantFailure(i Invariant) {
	kfmt.Printf("monitor: invariant violated: %s\n", i.String())
}
