// Package vmm builds and maintains amd64 four level page tables. Table
// memory lives in the physical memory arena and is reached by physical
// address, the way kernel code reaches it through the direct region.
package vmm

import (
	"chromaos/kernel"
	"chromaos/kernel/cpu"
	"chromaos/kernel/hal/bootinfo"
	"chromaos/kernel/kfmt"
	"chromaos/kernel/mm"
	"chromaos/kernel/mm/physmem"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT
	activePDTFn     = cpu.ActivePDT

	log = kfmt.Logger("vmm")

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrKernelAddress is returned when a user address space is asked to
	// change a mapping in the upper half it shares with the kernel.
	ErrKernelAddress = &kernel.Error{Module: "vmm", Message: "address belongs to the shared kernel half"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Bootstrap builds the kernel address space and switches the local processor
// onto it. The steps run in a fixed order:
//
//  1. every upper half top-level entry gets its own table, written directly
//     so that the entries exist before anything is shared with user spaces
//  2. every present physical range of the memory map is mapped into the
//     direct region; free and ACPI memory write-back, MMIO uncached
//  3. the kernel image is mapped at mm.KernelRegion
//  4. the framebuffer, if any, is mapped write-combining at
//     mm.FramebufferRegion
//  5. the processor switches to the new tables
//
// A frame allocator must be registered with mm.SetFrameAllocator first.
func Bootstrap(mem physmem.Memory, info *bootinfo.Info) (*AddressSpace, *kernel.Error) {
	as, err := NewAddressSpace(mem)
	if err != nil {
		return nil, err
	}

	if err = as.populateKernelTables(); err != nil {
		return nil, err
	}

	if err = as.mapDirectRegion(info.MemoryMap); err != nil {
		return nil, err
	}

	if !info.KernelImage.Empty() {
		log.Info("mapping kernel image", "phys", kfmt.Hex(info.KernelImage.Base), "size", mm.Size(info.KernelImage.Size))
		if err = as.mapPhysRange(info.KernelImage, mm.KernelRegion, FlagRW|FlagGlobal); err != nil {
			return nil, err
		}
	}

	if !info.Framebuffer.Empty() {
		log.Info("mapping framebuffer", "phys", kfmt.Hex(info.Framebuffer.Base), "size", mm.Size(info.Framebuffer.Size))
		if err = as.mapPhysRange(info.Framebuffer, mm.FramebufferRegion, FlagRW|FlagNoExecute|CacheWriteCombining.flags()); err != nil {
			return nil, err
		}
	}

	log.Info("switching to kernel page tables", "root", kfmt.Hex(as.root.Address()))
	as.Activate()
	return as, nil
}

// populateKernelTables writes a table for each upper half top-level entry.
func (as *AddressSpace) populateKernelTables() *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	for index := uintptr(kernelTableStart); index < entriesPerTable; index++ {
		table, err := allocTable(as.mem)
		if err != nil {
			return err
		}

		pte := pageTableEntry(FlagPresent | FlagRW)
		pte.SetFrame(table)
		as.writeEntry(as.entryAddr(as.root, index), pte)
	}

	return nil
}

func (as *AddressSpace) mapDirectRegion(memoryMap bootinfo.MemoryMap) *kernel.Error {
	var err *kernel.Error

	memoryMap.VisitMemRegions(func(entry *bootinfo.MemoryMapEntry) bool {
		flags := FlagRW | FlagNoExecute
		switch entry.Type {
		case bootinfo.MemFree, bootinfo.MemACPI:
			flags |= CacheWriteBack.flags()
		case bootinfo.MemMMIO:
			flags |= CacheUncached.flags()
		default:
			return true
		}

		r := bootinfo.Range{Base: uintptr(entry.PhysAddress), Size: uintptr(entry.Length)}
		log.Debug("mapping into the direct region", "phys", kfmt.Hex(r.Base), "size", mm.Size(r.Size), "type", entry.Type)
		err = as.mapPhysRange(r, mm.DirectRegion+r.Base&^(mm.PageSize-1), flags)
		return err == nil
	})

	return err
}

// mapPhysRange maps every frame overlapping r to consecutive pages starting
// at virtStart.
func (as *AddressSpace) mapPhysRange(r bootinfo.Range, virtStart uintptr, flags PageTableEntryFlag) *kernel.Error {
	var (
		start     = mm.AlignDown(r.Base, mm.PageSize)
		end       = mm.AlignUp(r.Base+r.Size, mm.PageSize)
		pageCount = (end - start) >> mm.PageShift
	)

	return as.mapRange(mm.PageFromAddress(virtStart), mm.FrameFromAddress(start), pageCount, flags)
}
