// Package cpu exposes the processor-local operations that the memory
// management code depends on: TLB invalidation, switching the active page
// table and halting.
//
// Every call operates on the processor that executes it. The package-level
// functions dispatch to the processor registered through SetCurrent; a
// hosted build registers an Emulated processor at start-up.
package cpu

import "chromaos/kernel"

// ErrHalted is the value an emulated processor panics with when halted so
// that execution on the halted processor never resumes.
var ErrHalted = &kernel.Error{Module: "cpu", Message: "processor halted"}

// Processor describes the operations supported by a single processor.
type Processor interface {
	// ID returns the processor's identifier.
	ID() uint32

	// Halt stops instruction execution. It never returns.
	Halt()

	// FlushTLBEntry invalidates the local TLB entry for virtAddr.
	FlushTLBEntry(virtAddr uintptr)

	// SwitchPDT sets the root page table directory to point to the
	// specified physical address and flushes the local TLB.
	SwitchPDT(pdtPhysAddr uintptr)

	// ActivePDT returns the physical address of the active page table.
	ActivePDT() uintptr

	// ReadCR2 returns the last faulting virtual address.
	ReadCR2() uint64
}

var current Processor = NewEmulated(0)

// SetCurrent registers p as the processor executing the calling code and
// returns the previously registered processor.
func SetCurrent(p Processor) Processor {
	prev := current
	current = p
	return prev
}

// Halt stops instruction execution on the local processor.
func Halt() { current.Halt() }

// FlushTLBEntry flushes a TLB entry for a particular virtual address on the
// local processor only.
func FlushTLBEntry(virtAddr uintptr) { current.FlushTLBEntry(virtAddr) }

// SwitchPDT sets the root page table directory of the local processor to
// point to the specified physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) { current.SwitchPDT(pdtPhysAddr) }

// ActivePDT returns the physical address of the page table that is active
// on the local processor.
func ActivePDT() uintptr { return current.ActivePDT() }

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64 { return current.ReadCR2() }
