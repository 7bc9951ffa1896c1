package vmm

import (
	"strings"

	"chromaos/kernel/kfmt"
)

// Page fault error code bits.
const (
	faultPresent     = 1 << 0
	faultWrite       = 1 << 1
	faultUser        = 1 << 2
	faultReservedBit = 1 << 3
	faultFetch       = 1 << 4
)

// FaultReason decodes a page fault error code.
func FaultReason(errorCode uint64) string {
	var reason strings.Builder

	switch {
	case errorCode&faultReservedBit != 0:
		return "page table has reserved bit set"
	case errorCode&faultFetch != 0:
		reason.WriteString("instruction fetch from ")
	case errorCode&faultWrite != 0:
		reason.WriteString("write to ")
	default:
		reason.WriteString("read from ")
	}

	if errorCode&faultPresent != 0 {
		reason.WriteString("protected page")
	} else {
		reason.WriteString("non-present page")
	}

	if errorCode&faultUser != 0 {
		reason.WriteString(" in user-mode")
	}
	return reason.String()
}

// HandlePageFault reports a page fault at faultAddress. Faults are never
// serviced; the handler logs the decoded reason together with the state of
// the faulting page in this address space.
func (as *AddressSpace) HandlePageFault(faultAddress uintptr, errorCode uint64) {
	attrs := []any{
		"addr", kfmt.Hex(faultAddress),
		"code", errorCode,
		"reason", FaultReason(errorCode),
	}

	as.lock.Acquire()
	_, pte, err := as.leafFor(faultAddress)
	as.lock.Release()

	if err == nil {
		attrs = append(attrs, "frame", kfmt.Hex(pte.Frame().Address()), "flags", kfmt.Hex(pte.Flags()))
	} else {
		attrs = append(attrs, "mapping", err.Message)
	}

	log.Error("page fault", attrs...)
}
