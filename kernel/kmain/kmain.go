// Package kmain boots the memory subsystem and exposes it through a single
// System handle.
package kmain

import (
	"sync/atomic"

	"chromaos/kernel"
	"chromaos/kernel/cpu"
	"chromaos/kernel/gate"
	"chromaos/kernel/hal/bootinfo"
	"chromaos/kernel/kfmt"
	"chromaos/kernel/mm"
	"chromaos/kernel/mm/heap"
	"chromaos/kernel/mm/physmem"
	"chromaos/kernel/mm/pmm"
	"chromaos/kernel/mm/vmm"

	"github.com/cockroachdb/errors"
)

var log = kfmt.Logger("kmain")

// System owns the allocators built at boot. Every operation is safe for
// concurrent use.
type System struct {
	mem physmem.Memory

	// Phys is the physical memory allocator.
	Phys *pmm.Allocator

	// Heap is the kernel heap.
	Heap *heap.Heap

	// Kernel is the kernel address space built by Boot.
	Kernel *vmm.AddressSpace

	// Ingest describes the memory map the system was booted from.
	Ingest pmm.IngestReport

	active atomic.Pointer[vmm.AddressSpace]
}

// Boot brings up the memory subsystem over mem:
//
//  1. the physical allocator ingests the firmware memory map
//  2. frame reference counts are sized and the allocator is registered as
//     the page table frame source
//  3. the kernel heap draws its first pool
//  4. the kernel address space is built and activated
//  5. the page fault and general protection fault handlers are installed
//
// Boot must run once, on the processor that will handle the first page
// faults.
func Boot(cfg Config, mem physmem.Memory, info *bootinfo.Info) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	kfmt.SetLevel(cfg.LogLevel)

	sys := &System{mem: mem, Phys: pmm.NewAllocator(mem, cfg.LowThreshold)}
	sys.Ingest = sys.Phys.Ingest(info.MemoryMap)
	sys.Phys.InitRefCounts()

	mm.SetFrameAllocator(sys.Phys.AllocateZeroedPage)
	mm.SetFrameReleaser(sys.Phys.FreePage)

	var err *kernel.Error
	if sys.Heap, err = heap.New(mem, sys.Phys, cfg.HeapInitialSize, cfg.HeapMinGrowth); err != nil {
		return nil, errors.Wrap(err, "kernel heap")
	}

	if sys.Kernel, err = vmm.Bootstrap(mem, info); err != nil {
		return nil, errors.Wrap(err, "kernel address space")
	}
	sys.active.Store(sys.Kernel)
	sys.installFaultHandlers()

	phys := sys.Phys.Stats()
	log.Info("memory subsystem ready",
		"low_free", phys.LowFree,
		"high_free", phys.HighFree,
		"heap", mm.Size(sys.Heap.Stats().TotalBytes))
	return sys, nil
}

// AllocatePhysical reserves a physical block of at least size bytes.
func (s *System) AllocatePhysical(size uintptr) (uintptr, *kernel.Error) {
	return s.Phys.Allocate(size)
}

// AllocatePhysicalLow reserves a physical block below the low threshold.
func (s *System) AllocatePhysicalLow(size uintptr) (uintptr, *kernel.Error) {
	return s.Phys.AllocateLow(size)
}

// AllocatePhysicalZeroed behaves like AllocatePhysical and clears the first
// size bytes.
func (s *System) AllocatePhysicalZeroed(size uintptr) (uintptr, *kernel.Error) {
	return s.Phys.AllocateZeroed(size)
}

// AllocatePhysicalLowZeroed behaves like AllocatePhysicalLow and clears the
// first size bytes.
func (s *System) AllocatePhysicalLowZeroed(size uintptr) (uintptr, *kernel.Error) {
	return s.Phys.AllocateLowZeroed(size)
}

// FreePhysical returns a block obtained from AllocatePhysical or
// AllocatePhysicalLow.
func (s *System) FreePhysical(addr, size uintptr) {
	s.Phys.Free(addr, size)
}

// AllocatePage reserves a reference counted frame.
func (s *System) AllocatePage() (mm.Frame, *kernel.Error) {
	return s.Phys.AllocatePage()
}

// RefPage adds a reference to frame.
func (s *System) RefPage(frame mm.Frame) {
	s.Phys.RefPage(frame)
}

// FreePage drops a reference to frame.
func (s *System) FreePage(frame mm.Frame) {
	s.Phys.FreePage(frame)
}

// HeapAllocate allocates size bytes from the kernel heap.
func (s *System) HeapAllocate(size uintptr) (uintptr, *kernel.Error) {
	return s.Heap.Allocate(size)
}

// HeapAllocateAligned allocates size bytes aligned to align.
func (s *System) HeapAllocateAligned(align, size uintptr) (uintptr, *kernel.Error) {
	return s.Heap.AllocateAligned(align, size)
}

// HeapRealloc resizes the heap block at addr.
func (s *System) HeapRealloc(addr, newSize uintptr) (uintptr, *kernel.Error) {
	return s.Heap.Realloc(addr, newSize)
}

// HeapFree releases the heap block at addr.
func (s *System) HeapFree(addr uintptr) {
	s.Heap.Free(addr)
}

// NewAddressSpace creates an address space sharing the kernel half.
func (s *System) NewAddressSpace() (*vmm.AddressSpace, *kernel.Error) {
	return vmm.NewUserAddressSpace(s.Kernel)
}

// MapPage maps page to frame in space.
func (s *System) MapPage(space *vmm.AddressSpace, page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	return space.Map(page, frame, flags)
}

// UnmapPage removes the mapping of page from space.
func (s *System) UnmapPage(space *vmm.AddressSpace, page mm.Page) *kernel.Error {
	return space.Unmap(page)
}

// SetCachePolicy changes the memory type of a mapped page.
func (s *System) SetCachePolicy(space *vmm.AddressSpace, page mm.Page, policy vmm.CachePolicy) {
	space.SetCachePolicy(page, policy)
}

// SwitchAddressSpace activates space on the local processor.
func (s *System) SwitchAddressSpace(space *vmm.AddressSpace) {
	space.Activate()
	s.active.Store(space)
}

// ActiveAddressSpace returns the address space last switched to.
func (s *System) ActiveAddressSpace() *vmm.AddressSpace {
	return s.active.Load()
}

// HandlePageFault reports a page fault raised with errorCode. The faulting
// address is read from the local processor.
func (s *System) HandlePageFault(errorCode uint64) {
	s.active.Load().HandlePageFault(uintptr(cpu.ReadCR2()), errorCode)
}

var errGeneralProtectionFault = &kernel.Error{Module: "kmain", Message: "general protection fault"}

func (s *System) installFaultHandlers() {
	gate.HandleInterrupt(gate.PageFaultException, s.pageFaultHandler)
	gate.HandleInterrupt(gate.GPFException, generalProtectionFaultHandler)
}

func (s *System) pageFaultHandler(regs *gate.Registers) {
	s.HandlePageFault(regs.Info)
	log.Debug("page fault registers", "regs", regs)
}

func generalProtectionFaultHandler(regs *gate.Registers) {
	log.Error("general protection fault", "code", regs.Info, "regs", regs)
	kfmt.Panic(errGeneralProtectionFault)
}

// Stats reports the state of both allocators.
type Stats struct {
	Phys pmm.Stats
	Heap heap.Stats
}

// Stats returns the state of both allocators.
func (s *System) Stats() Stats {
	return Stats{Phys: s.Phys.Stats(), Heap: s.Heap.Stats()}
}
