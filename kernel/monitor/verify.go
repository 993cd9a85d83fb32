package monitor

import "nestedkernel/kernel/cpu"

// Invariant identifies one of the six properties VerifyAll checks, in the
// order it checks them.
type Invariant int

const (
	InvariantOuterPTPReadOnly Invariant = iota
	InvariantWPEnabled
	InvariantViewsAgree
	InvariantRootsNonZero
	InvariantMonitorPTPWritable
	InvariantActiveRootKnown
)

func (i Invariant) String() string {
	switch i {
	case InvariantOuterPTPReadOnly:
		return "outer view's page-table pages are read-only"
	case InvariantWPEnabled:
		return "CR0.WP is set"
	case InvariantViewsAgree:
		return "monitor and outer views translate identically outside the protected range"
	case InvariantRootsNonZero:
		return "both view roots are non-zero"
	case InvariantMonitorPTPWritable:
		return "monitor view's page-table pages are writable"
	case InvariantActiveRootKnown:
		return "the active CR3 is one of the two declared roots"
	default:
		return "unknown invariant"
	}
}

// checkOuterPTPReadOnly verifies invariant 1: the outer view's mapping for
// the monitor's own root table must not be writable. findLeafEntry is used
// instead of walkToPT since this runs with the outer view's root already
// active as CR3 by the time VerifyAll is called -- walkToPT can split and
// allocate, and a write to a monitor-owned table page while the outer view
// is active is exactly what invariant 1 forbids, so the check itself must
// never need to perform one.
func checkOuterPTPReadOnly() bool {
	entry, ok := findLeafEntry(&outerView, monitorView.pml4)
	return ok && entry&flagWritable == 0
}

// checkWPEnabled verifies invariant 2: supervisor-mode writes must be
// subject to the page-table writable bit (CR0.WP), or the whole
// nested-kernel scheme is moot -- without WP, CPL 0 code ignores the
// writable bit entirely.
func checkWPEnabled() bool {
	const cr0WP = 1 << 16
	return cpu.ReadCR0()&cr0WP != 0
}

// checkViewsAgree verifies invariant 3: outside PML4 index 0 (re-homed in
// the outer view onto its own PDPT/PD so the first 2 MiB can diverge) and the
// read-only window's PML4 index, the two views must point at identical
// lower-level tables -- any other divergence means the outer kernel can
// reach memory the monitor doesn't know about.
func checkViewsAgree() bool {
	mPml4 := tableAt(monitorView.pml4)
	oPml4 := tableAt(outerView.pml4)
	roIdx := pml4Index(roBase)

	for i := 0; i < entriesPerTable; i++ {
		if i == 0 || i == roIdx {
			continue
		}
		if mPml4.entry(i) != oPml4.entry(i) {
			return false
		}
	}
	return true
}

// checkRootsNonZero verifies invariant 4: both view roots must have been
// allocated.
func checkRootsNonZero() bool {
	return monitorView.pml4 != 0 && outerView.pml4 != 0
}

// checkMonitorPTPWritable verifies invariant 5: the monitor view's own
// mapping for its root table must remain writable -- the monitor must
// always be able to maintain its own state. Read-only findLeafEntry, not
// walkToPT, for the same reason as checkOuterPTPReadOnly above.
func checkMonitorPTPWritable() bool {
	entry, ok := findLeafEntry(&monitorView, monitorView.pml4)
	return ok && entry&flagWritable != 0
}

// checkActiveRootKnown verifies invariant 6: CR3 must currently hold one of
// the two view roots the monitor constructed -- nothing else is a valid
// root in this system.
func checkActiveRootKnown() bool {
	active := cpu.ActivePDT()
	return active == monitorView.pml4 || active == outerView.pml4
}

// VerifyAll runs all six invariants in order and returns true only if every
// one holds. When verbose is true, each failing invariant is logged before
// VerifyAll returns false; a passing run never logs anything regardless of
// verbose, matching monitor_verify_invariants' original behaviour of being
// silent on success.
func VerifyAll(verbose bool) bool {
	checks := [...]struct {
		id Invariant
		fn func() bool
	}{
		{InvariantOuterPTPReadOnly, checkOuterPTPReadOnly},
		{InvariantWPEnabled, checkWPEnabled},
		{InvariantViewsAgree, checkViewsAgree},
		{InvariantRootsNonZero, checkRootsNonZero},
		{InvariantMonitorPTPWritable, checkMonitorPTPWritable},
		{InvariantActiveRootKnown, checkActiveRootKnown},
	}

	ok := true
	for _, c := range checks {
		if !c.fn() {
			ok = false
			if verbose {
				logInvariantFailure(c.id)
			}
		}
	}
	return ok
}
