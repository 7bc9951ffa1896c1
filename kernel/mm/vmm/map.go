package vmm

import (
	"chromaos/kernel"
	"chromaos/kernel/kfmt"
	"chromaos/kernel/mm"

	"github.com/cockroachdb/errors"
)

func fatal(sentinel *kernel.Error, format string, args ...interface{}) {
	kfmt.Panic(errors.Wrapf(sentinel, format, args...))
}

// missingTables returns the number of intermediate tables that must be
// allocated before virtAddr can be mapped.
func (as *AddressSpace) missingTables(virtAddr uintptr) (int, *kernel.Error) {
	var (
		missing int
		err     *kernel.Error
	)

	as.walk(virtAddr, func(pteLevel uint8, _ uintptr, pte pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			missing = pageLevels - 1 - int(pteLevel)
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return missing, err
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated through mm.AllocFrame with
// the address space lock released. The permission bits of flags (RW and
// user) are ORed into every intermediate entry on the way down and the leaf
// is set to frame | flags | FlagPresent.
//
// On a user address space pages in the shared kernel half are rejected with
// ErrKernelAddress.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if as.sharedWithKernel(page.Address()) {
		return ErrKernelAddress
	}

	var spare []mm.Frame
	defer func() {
		for _, table := range spare {
			mm.ReleaseFrame(table)
		}
	}()

	for {
		as.lock.Acquire()
		missing, err := as.missingTables(page.Address())
		done := err == nil && missing <= len(spare)
		if done {
			spare = as.mapLocked(page, frame, flags, spare)
		}
		as.lock.Release()

		if err != nil || done {
			return err
		}

		for len(spare) < missing {
			table, err := mm.AllocFrame()
			if err != nil {
				return err
			}
			spare = append(spare, table)
		}
	}
}

// mapLocked installs the mapping using tables from spare for the missing
// levels and returns the tables it did not use.
func (as *AddressSpace) mapLocked(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, spare []mm.Frame) []mm.Frame {
	as.walk(page.Address(), func(pteLevel uint8, entryAddr uintptr, pte pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte = pageTableEntry(flags | FlagPresent)
			pte.SetFrame(frame)
			as.writeEntry(entryAddr, pte)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			table := spare[len(spare)-1]
			spare = spare[:len(spare)-1]
			as.mem.Zero(table.Address(), mm.PageSize)

			pte = 0
			pte.SetFrame(table)
		}

		pte.SetFlags(FlagPresent | flags&intermediateFlags)
		as.writeEntry(entryAddr, pte)
		return true
	})

	return spare
}

// MapRegion establishes a mapping to the physical memory region which starts
// at the given frame and ends at frame + pages(size). The size argument is
// always rounded up to the nearest page boundary. MapRegion reserves the next
// available region in the address space, establishes the mapping and returns
// back the Page that corresponds to the region start.
func (as *AddressSpace) MapRegion(frame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startAddr, err := as.ReserveRegion(size)
	if err != nil {
		return 0, err
	}

	startPage := mm.PageFromAddress(startAddr)
	if err = as.mapRange(startPage, frame, mm.AlignUp(size, mm.PageSize)>>mm.PageShift, flags); err != nil {
		return 0, err
	}

	return startPage, nil
}

// mapRange maps pageCount consecutive pages to consecutive frames.
func (as *AddressSpace) mapRange(page mm.Page, frame mm.Frame, pageCount uintptr, flags PageTableEntryFlag) *kernel.Error {
	for ; pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := as.Map(page, frame, flags); err != nil {
			return err
		}
	}
	return nil
}

// Unmap clears the leaf entry for page and invalidates its TLB entry. Every
// intermediate level must be present; unmapping through a missing table is a
// fatal error. Like Map, it rejects shared kernel pages on a user space.
func (as *AddressSpace) Unmap(page mm.Page) *kernel.Error {
	if as.sharedWithKernel(page.Address()) {
		return ErrKernelAddress
	}

	var err *kernel.Error

	as.lock.Acquire()
	defer as.lock.Release()

	as.walk(page.Address(), func(pteLevel uint8, entryAddr uintptr, pte pageTableEntry) bool {
		// If we reached the last level all we need to do is to clear
		// the entry and flush its TLB entry
		if pteLevel == pageLevels-1 {
			as.writeEntry(entryAddr, 0)
			flushTLBEntryFn(page.Address())
			return true
		}

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			fatal(ErrInvalidMapping, "unmap of 0x%x: level %d table not present", page.Address(), pteLevel)
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// SetCachePolicy changes the memory type of a mapped page. The page must be
// mapped; changing the policy of an unmapped page, or of a shared kernel page
// through a user space, is a fatal error.
func (as *AddressSpace) SetCachePolicy(page mm.Page, policy CachePolicy) {
	if as.sharedWithKernel(page.Address()) {
		fatal(ErrKernelAddress, "set cache policy %s on 0x%x", policy, page.Address())
		return
	}

	as.lock.Acquire()
	defer as.lock.Release()

	entryAddr, pte, err := as.leafFor(page.Address())
	if err != nil {
		fatal(err, "set cache policy %s on 0x%x", policy, page.Address())
		return
	}

	pte.ClearFlags(cacheFlags)
	pte.SetFlags(policy.flags())
	as.writeEntry(entryAddr, pte)
	flushTLBEntryFn(page.Address())
}

// leafFor returns the final page table entry that correspond to a
// particular virtual address. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func (as *AddressSpace) leafFor(virtAddr uintptr) (uintptr, pageTableEntry, *kernel.Error) {
	var (
		err       *kernel.Error
		entryAddr uintptr
		entry     pageTableEntry
	)

	as.walk(virtAddr, func(pteLevel uint8, addr uintptr, pte pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		entryAddr, entry = addr, pte
		return true
	})

	return entryAddr, entry, err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	_, pte, err := as.leafFor(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// Flags returns the flags of the leaf entry mapping page, or
// ErrInvalidMapping if the page is not mapped.
func (as *AddressSpace) Flags(page mm.Page) (PageTableEntryFlag, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	_, pte, err := as.leafFor(page.Address())
	if err != nil {
		return 0, err
	}
	return pte.Flags(), nil
}
