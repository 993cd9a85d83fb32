package monitor

import (
	"nestedkernel/kernel"
	"nestedkernel/kernel/cpu"
)

var errUnknownCall = &kernel.Error{Module: "monitor", Message: "unknown monitor call"}

// Call names one of the operations the outer kernel can ask the monitor to
// perform on its behalf. Every operation that touches a page table or PCD
// classification goes through Call rather than being exported directly, so
// that the CR3 switch into MonitorView always brackets the actual work.
type Call uint8

const (
	CallAllocPhys Call = iota
	CallFreePhys
	CallAllocPageTable
	CallMapPage
	CallUnmapPage
	CallSetPageType
	CallGetPageType
)

// Do executes op with the monitor view active, switching CR3 to
// MonitorView for the duration if the caller is not already running there.
// arg1/arg2/arg3 are operation-specific; see the corresponding exported
// wrapper function in mapping.go for their meaning. Do returns the
// operation's result value (0 for operations that have none) and any
// error.
func Do(op Call, arg1, arg2, arg3 uintptr) (uintptr, *kernel.Error) {
	if !initialized {
		return 0, errNotInitialized
	}

	alreadyPrivileged := cpu.ActivePDT() == monitorView.pml4

	var flags uint64
	if !alreadyPrivileged {
		flags = cpu.SaveFlagsAndCli()
		oldCR3 := cpu.ActivePDT()
		cpu.SwitchPDT(monitorView.pml4)
		defer func() {
			cpu.SwitchPDT(oldCR3)
			cpu.RestoreFlags(flags)
		}()
	}

	return dispatch(op, arg1, arg2, arg3)
}

func dispatch(op Call, arg1, arg2, arg3 uintptr) (uintptr, *kernel.Error) {
	switch op {
	case CallAllocPhys:
		phys, err := AllocPhys()
		return phys, err
	case CallFreePhys:
		return 0, FreePhys(arg1)
	case CallAllocPageTable:
		phys, err := AllocPageTable()
		return phys, err
	case CallMapPage:
		return 0, MapPage(arg1, arg2, arg3 != 0)
	case CallUnmapPage:
		return 0, UnmapPage(arg1)
	case CallSetPageType:
		return 0, setPageType(arg1, arg2)
	case CallGetPageType:
		return getPageType(arg1), nil
	default:
		return 0, errUnknownCall
	}
}
